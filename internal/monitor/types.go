package monitor

import (
	"time"

	"trades-relay/internal/dispatch"
	"trades-relay/internal/idempotency"
	"trades-relay/internal/risk"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventParseError        EventType = "parse_error"
	EventSignalRejected    EventType = "signal_rejected"
	EventRotation          EventType = "rotation"
	EventFileHalted        EventType = "file_halted"
	EventPlatformRejected  EventType = "platform_rejected"
	EventDispatchExhausted EventType = "dispatch_exhausted"
	EventOrderFinished     EventType = "order_finished"
	EventError             EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ParseErrorPayload 记录被跳过的行。
type ParseErrorPayload struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Line   string `json:"line"`
}

// RejectionPayload 记录风控拒绝。
type RejectionPayload struct {
	Key       string          `json:"key"`
	Source    string          `json:"source"`
	Offset    int64           `json:"offset"`
	Rejection *risk.Rejection `json:"rejection"`
}

// FilePayload 记录文件轮转或停止读取。
type FilePayload struct {
	Path   string `json:"path"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SubDispatchPayload 记录需要关注的子投递终态。
type SubDispatchPayload struct {
	OrderID  string               `json:"order_id"`
	Key      string               `json:"key"`
	Strategy string               `json:"strategy"`
	Symbol   string               `json:"symbol"`
	Sub      dispatch.SubDispatch `json:"sub"`
}

// OrderPayload 记录订单聚合结果。
type OrderPayload struct {
	OrderID   string              `json:"order_id"`
	Key       string              `json:"key"`
	Strategy  string              `json:"strategy"`
	Symbol    string              `json:"symbol"`
	Action    string              `json:"action"`
	Quantity  int64               `json:"adjusted_quantity"`
	Platforms []string            `json:"platforms"`
	Outcome   idempotency.Outcome `json:"outcome"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Counts 为按策略或平台统计的计数。
type Counts struct {
	Parsed           int64 `json:"parsed"`
	Rejected         int64 `json:"rejected"`
	Duplicate        int64 `json:"duplicate"`
	Acked            int64 `json:"acked"`
	Failed           int64 `json:"failed"`
	PlatformRejected int64 `json:"platform_rejected"`
	Cancelled        int64 `json:"cancelled"`
}

// Stats 为拉取式状态快照。
type Stats struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Strategies     map[string]Counts `json:"strategies"`
	Platforms      map[string]Counts `json:"platforms"`
	ParseErrors    int64             `json:"parse_errors"`
	Rotations      int64             `json:"rotations"`
	HaltedFiles    []string          `json:"halted_files"`
	QueueDepth     int               `json:"queue_depth"`
	InFlightOrders int               `json:"in_flight_orders"`
}
