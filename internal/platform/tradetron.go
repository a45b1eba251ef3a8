package platform

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-relay/internal/order"
	"trades-relay/internal/signal"
)

// Tradetron 通过 GET 请求触发策略变量。
type Tradetron struct {
	name    string
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// NewTradetron 创建 Tradetron 适配器。
func NewTradetron(name, baseURL string, timeout time.Duration, logger *zap.Logger) *Tradetron {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tradetron{
		name:    name,
		baseURL: baseURL,
		timeout: timeout,
		client:  newHTTPClient(),
		logger:  logger.With(zap.String("platform", name)),
	}
}

func (t *Tradetron) Name() string { return t.name }

func (t *Tradetron) Submit(ctx context.Context, o order.Order) Result {
	route, ok := o.Route(t.name)
	if !ok || route.Token == "" {
		return Result{Outcome: OutcomeRejected, Reason: "策略未配置 auth-token"}
	}

	endpoint := t.baseURL
	if route.URL != "" {
		endpoint = route.URL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Reason: "base_url 无效: " + err.Error()}
	}

	q := u.Query()
	q.Set("auth-token", route.Token)
	for i, kv := range tradetronValues(o, route) {
		n := strconv.Itoa(i + 1)
		q.Set("key"+n, kv[0])
		q.Set("value"+n, kv[1])
	}
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Reason: err.Error()}
	}
	req.Header.Set(IdempotencyHeader, o.Key)

	res := do(t.client, req, o.Key, t.logger)
	t.logger.Debug("Tradetron 投递完成",
		zap.String("order_id", o.ID.String()),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("status", res.StatusCode),
	)
	return res
}

// tradetronValues 生成 keyN/valueN 变量对，卖出时数值型索引取负。
func tradetronValues(o order.Order, route order.Route) [][2]string {
	index := route.Symbol
	if o.Action == signal.ActionSell {
		if d, err := decimal.NewFromString(index); err == nil {
			index = d.Neg().String()
		}
	}

	values := [][2]string{
		{"INDEX", index},
		{"SIDE", string(o.Action)},
		{"QUANTITY", strconv.FormatInt(o.AdjustedQuantity, 10)},
		{"LOTS", strconv.FormatInt(o.Lots(), 10)},
		{"SIGNAL", o.Key},
	}
	if o.Price.Valid {
		values = append(values, [2]string{"PRICE", o.Price.Decimal.String()})
	}
	return values
}
