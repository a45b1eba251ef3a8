package platform

import (
	"context"
	"time"

	"trades-relay/internal/order"
)

// Outcome 为单次投递的结果分类。
type Outcome string

const (
	OutcomeAck            Outcome = "ack"
	OutcomeRejected       Outcome = "rejected"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransportError Outcome = "transport_error"
)

// Retryable 仅超时与传输错误可以重试。
func (o Outcome) Retryable() bool {
	return o == OutcomeTimeout || o == OutcomeTransportError
}

// Result 为平台对一次投递的回应。
type Result struct {
	Outcome         Outcome       `json:"outcome"`
	PlatformOrderID string        `json:"platform_order_id,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	StatusCode      int           `json:"status_code,omitempty"`
	RetryAfter      time.Duration `json:"retry_after,omitempty"`
}

// Adapter 将订单投递到单个外部平台，实现必须可并发调用且无共享可变状态。
type Adapter interface {
	Name() string
	Submit(ctx context.Context, o order.Order) Result
}
