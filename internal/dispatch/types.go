package dispatch

import (
	"errors"
	"time"

	"trades-relay/internal/config"
	"trades-relay/internal/idempotency"
	"trades-relay/internal/order"
	"trades-relay/internal/platform"
	"trades-relay/internal/risk"
	"trades-relay/internal/signal"
)

// State 为 (订单, 平台) 子投递的状态。
type State string

const (
	StateQueued    State = "queued"
	StateSending   State = "sending"
	StateRetryWait State = "retry_wait"
	StateAcked     State = "acked"
	StateRejected  State = "rejected"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal 判断是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateAcked, StateRejected, StateFailed, StateCancelled:
		return true
	}
	return false
}

var (
	ErrClosed       = errors.New("dispatch: 已停止接收信号")
	ErrExhausted    = errors.New("dispatch: 重试次数已用尽")
	ErrUnknownOrder = errors.New("dispatch: 订单不存在或已结束")
)

// Attempt 为一次投递尝试。
type Attempt struct {
	Number      int             `json:"number"`
	SentAt      time.Time       `json:"sent_at"`
	Latency     time.Duration   `json:"latency"`
	Result      platform.Result `json:"result"`
	Wait        time.Duration   `json:"wait,omitempty"`
	NextRetryAt time.Time       `json:"next_retry_at,omitempty"`
}

// SubDispatch 为订单在单个平台上的投递记录。
type SubDispatch struct {
	Platform        string    `json:"platform"`
	State           State     `json:"state"`
	Attempts        []Attempt `json:"attempts"`
	LastError       string    `json:"last_error,omitempty"`
	PlatformOrderID string    `json:"platform_order_id,omitempty"`
}

// AttemptCount 返回已发出的尝试次数。
func (s SubDispatch) AttemptCount() int { return len(s.Attempts) }

// Record 为订单当前状态的只读快照。
type Record struct {
	Order order.Order            `json:"order"`
	Subs  map[string]SubDispatch `json:"subs"`
}

// Snapshot 为单个信号处理期间使用的不可变配置视图。
type Snapshot struct {
	Validator *risk.Validator
	Adapters  map[string]platform.Adapter
	Retry     map[string]config.RetryConfig
}

// SnapshotFunc 返回当前生效的快照，每个信号只读取一次。
type SnapshotFunc func() *Snapshot

// Observer 接收投递过程中的事件，回调不得阻塞。
type Observer interface {
	SignalDuplicate(sig signal.Signal)
	SignalRejected(sig signal.Signal, rej *risk.Rejection)
	OrderAccepted(o order.Order)
	AttemptFinished(o order.Order, name string, a Attempt)
	SubDispatchFinished(o order.Order, sub SubDispatch)
	OrderFinished(o order.Order, outcome idempotency.Outcome)
}

// NopObserver 忽略所有事件。
type NopObserver struct{}

func (NopObserver) SignalDuplicate(signal.Signal) {}
func (NopObserver) SignalRejected(signal.Signal, *risk.Rejection) {}
func (NopObserver) OrderAccepted(order.Order) {}
func (NopObserver) AttemptFinished(order.Order, string, Attempt) {}
func (NopObserver) SubDispatchFinished(order.Order, SubDispatch) {}
func (NopObserver) OrderFinished(order.Order, idempotency.Outcome) {}
