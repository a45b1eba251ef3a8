package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"trades-relay/internal/order"
)

// Algotest 通过策略 webhook 以纯文本投递 "SYMBOL ACTION LOTS"。
type Algotest struct {
	name    string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// NewAlgotest 创建 Algotest 适配器。
func NewAlgotest(name string, timeout time.Duration, logger *zap.Logger) *Algotest {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Algotest{
		name:    name,
		timeout: timeout,
		client:  newHTTPClient(),
		logger:  logger.With(zap.String("platform", name)),
	}
}

func (a *Algotest) Name() string { return a.name }

func (a *Algotest) Submit(ctx context.Context, o order.Order) Result {
	route, ok := o.Route(a.name)
	if !ok || route.URL == "" {
		return Result{Outcome: OutcomeRejected, Reason: "策略未配置 webhook 地址"}
	}
	if o.Lots() <= 0 {
		return Result{Outcome: OutcomeRejected, Reason: "手数为 0"}
	}

	payload := fmt.Sprintf("%s %s %d", route.Symbol, o.Action, o.Lots())

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.URL, strings.NewReader(payload))
	if err != nil {
		return Result{Outcome: OutcomeRejected, Reason: "webhook 地址无效: " + err.Error()}
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set(IdempotencyHeader, o.Key)

	res := do(a.client, req, o.Key, a.logger)
	a.logger.Debug("Algotest 投递完成",
		zap.String("order_id", o.ID.String()),
		zap.String("payload", payload),
		zap.String("outcome", string(res.Outcome)),
	)
	return res
}
