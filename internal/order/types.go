package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trades-relay/internal/signal"
)

// Route 为订单在单个平台上的投递参数。
type Route struct {
	Platform string `json:"platform"`
	// Symbol 为平台侧的标的映射值，Tradetron 为数字索引
	Symbol string `json:"symbol"`
	URL    string `json:"url,omitempty"`
	Token  string `json:"-"`
}

// Order 为风控通过、已确定路由的下单任务。
type Order struct {
	ID               uuid.UUID           `json:"id"`
	Key              string              `json:"key"`
	Strategy         string              `json:"strategy"`
	Symbol           string              `json:"symbol"`
	Action           signal.Action       `json:"action"`
	Quantity         int64               `json:"quantity"`
	AdjustedQuantity int64               `json:"adjusted_quantity"`
	LotSize          int64               `json:"lot_size"`
	Price            decimal.NullDecimal `json:"price"`
	Platforms        []string            `json:"platforms"`
	Routes           map[string]Route    `json:"routes"`

	EventTime time.Time `json:"event_time"`
	ParsedAt  time.Time `json:"parsed_at"`
	Source    string    `json:"source"`
	Offset    int64     `json:"offset"`
}

// Lots 返回调整后数量对应的手数。
func (o Order) Lots() int64 {
	if o.LotSize <= 0 {
		return 0
	}
	return o.AdjustedQuantity / o.LotSize
}

// Route 返回指定平台的投递参数。
func (o Order) Route(platform string) (Route, bool) {
	r, ok := o.Routes[platform]
	return r, ok
}
