package idempotency

import (
	"context"
	"errors"
	"time"
)

// Reservation 为 CheckAndReserve 的结果。
type Reservation int

const (
	Fresh Reservation = iota
	Duplicate
)

func (r Reservation) String() string {
	if r == Fresh {
		return "fresh"
	}
	return "duplicate"
}

// Outcome 为订单终态摘要。
type Outcome string

const (
	OutcomeInFlight           Outcome = "in_flight"
	OutcomeAllAcked           Outcome = "all_acked"
	OutcomePartialFailure     Outcome = "partial_failure"
	OutcomeAllFailed          Outcome = "all_failed"
	OutcomeAllRejected        Outcome = "all_rejected"
	OutcomeValidationRejected Outcome = "validation_rejected"
	OutcomeCancelled          Outcome = "cancelled"
)

// Terminal 判断是否为终态。
func (o Outcome) Terminal() bool {
	return o != OutcomeInFlight && o != ""
}

// Entry 为一条去重记录。
type Entry struct {
	Key         string    `json:"key"`
	Outcome     Outcome   `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	ReservedAt  time.Time `json:"reserved_at"`
	FinalizedAt time.Time `json:"finalized_at,omitempty"`
}

var (
	ErrNotFound     = errors.New("idempotency: 记录不存在")
	ErrAlreadyFinal = errors.New("idempotency: 记录已是终态")
	ErrNotTerminal  = errors.New("idempotency: 结果必须为终态")
)

// Store 记录已受理的信号，保证同一键只有一个调用方得到 Fresh。
type Store interface {
	CheckAndReserve(ctx context.Context, key string, now time.Time) (Reservation, error)
	Finalize(ctx context.Context, key string, outcome Outcome, detail string, now time.Time) error
	// Evict 删除终态且超过保留期的记录，返回删除数量。
	Evict(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	Get(ctx context.Context, key string) (Entry, error)
	InFlight(ctx context.Context) ([]Entry, error)
}
