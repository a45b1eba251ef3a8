package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"trades-relay/internal/config"
	"trades-relay/internal/order"
	"trades-relay/internal/signal"
)

type compiledStrategy struct {
	name       string
	cfg        config.StrategyConfig
	loc        *time.Location
	weekdays   map[time.Weekday]bool
	sessions   []config.Session
	multiplier decimal.Decimal
	minPrice   decimal.Decimal
	maxPrice   decimal.Decimal
	symbols    map[string]config.SymbolConfig
}

// Validator 根据某一时刻的配置快照对信号做风控，构建后只读。
type Validator struct {
	strategies map[string]*compiledStrategy
	platforms  map[string]config.PlatformConfig
}

// NewValidator 预先解析时区与交易时段。
func NewValidator(cfg *config.Config) (*Validator, error) {
	v := &Validator{
		strategies: make(map[string]*compiledStrategy, len(cfg.Strategies)),
		platforms:  cfg.Platforms,
	}

	var errs error
	for name, sc := range cfg.Strategies {
		cs, err := compile(name, sc)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		v.strategies[strings.ToLower(name)] = cs
	}
	if errs != nil {
		return nil, fmt.Errorf("risk: 编译策略失败: %w", errs)
	}
	return v, nil
}

func compile(name string, sc config.StrategyConfig) (*compiledStrategy, error) {
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	weekdays, err := config.ParseWeekdays(sc.Weekdays)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	sessions, err := config.ParseSessions(sc.Sessions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	symbols := make(map[string]config.SymbolConfig, len(sc.Symbols))
	for sym, c := range sc.Symbols {
		symbols[strings.ToUpper(sym)] = c
	}

	return &compiledStrategy{
		name:       name,
		cfg:        sc,
		loc:        loc,
		weekdays:   weekdays,
		sessions:   sessions,
		multiplier: decimal.NewFromFloat(sc.Multiplier),
		minPrice:   decimal.NewFromFloat(sc.MinPrice),
		maxPrice:   decimal.NewFromFloat(sc.MaxPrice),
		symbols:    symbols,
	}, nil
}

// Validate 依次执行各项规则，通过则返回待投递的订单。
func (v *Validator) Validate(sig signal.Signal, now time.Time) (order.Order, *Rejection) {
	reject := func(rule Rule, format string, args ...any) (order.Order, *Rejection) {
		return order.Order{}, &Rejection{
			Rule:     rule,
			Detail:   fmt.Sprintf(format, args...),
			Strategy: sig.Strategy,
			Symbol:   sig.Symbol,
		}
	}

	cs, ok := v.strategies[strings.ToLower(sig.Strategy)]
	if !ok {
		return reject(RuleStrategy, "未配置策略 %q", sig.Strategy)
	}
	if cs.cfg.Disabled {
		return reject(RuleStrategy, "策略 %q 已停用", cs.name)
	}

	local := now.In(cs.loc)
	if !cs.inSession(local) {
		return reject(RuleTradingHours, "%s 不在交易时段 %v 内", local.Format("Mon 15:04"), cs.cfg.Sessions)
	}

	sym, ok := cs.symbols[sig.Symbol]
	if !ok {
		return reject(RuleSymbolMapping, "策略 %q 未映射标的 %q", cs.name, sig.Symbol)
	}

	if cs.cfg.MinQuantity > 0 && sig.Quantity < cs.cfg.MinQuantity {
		return reject(RuleQuantityBounds, "数量 %d 小于下限 %d", sig.Quantity, cs.cfg.MinQuantity)
	}
	if cs.cfg.MaxQuantity > 0 && sig.Quantity > cs.cfg.MaxQuantity {
		return reject(RuleQuantityBounds, "数量 %d 超过上限 %d", sig.Quantity, cs.cfg.MaxQuantity)
	}

	if sig.Price.Valid {
		price := sig.Price.Decimal
		if cs.minPrice.IsPositive() && price.LessThan(cs.minPrice) {
			return reject(RulePriceBounds, "价格 %s 低于下限 %s", price, cs.minPrice)
		}
		if cs.maxPrice.IsPositive() && price.GreaterThan(cs.maxPrice) {
			return reject(RulePriceBounds, "价格 %s 高于上限 %s", price, cs.maxPrice)
		}
	}

	if scaled := decimal.NewFromInt(sig.Quantity).Mul(cs.multiplier); scaled.GreaterThan(maxQuantity) {
		return reject(RuleQuantityBounds, "数量 %d × %s 超出可表示范围", sig.Quantity, cs.multiplier)
	}
	adjusted := RoundToLot(sig.Quantity, cs.multiplier, sym.LotSize, cs.cfg.Rounding)
	if adjusted <= 0 {
		return reject(RuleLotSize, "数量 %d × %s 不足一手 (%d)", sig.Quantity, cs.multiplier, sym.LotSize)
	}

	routes := make(map[string]order.Route, len(cs.cfg.Platforms))
	targets := make([]string, 0, len(cs.cfg.Platforms))
	for _, name := range cs.cfg.Platforms {
		if p, ok := v.platforms[name]; !ok || p.Disabled {
			continue
		}
		route := order.Route{Platform: name, Symbol: lookup(sym.Values, name)}
		if route.Symbol == "" {
			route.Symbol = sig.Symbol
		}
		if wh, ok := lookupWebhook(cs.cfg.Webhooks, name); ok {
			route.URL = wh.URL
			route.Token = wh.Token
		}
		routes[name] = route
		targets = append(targets, name)
	}
	if len(targets) == 0 {
		return reject(RulePlatformRouting, "策略 %q 没有可用的目标平台", cs.name)
	}

	return order.Order{
		ID:               uuid.New(),
		Key:              sig.Key(),
		Strategy:         cs.name,
		Symbol:           sig.Symbol,
		Action:           sig.Action,
		Quantity:         sig.Quantity,
		AdjustedQuantity: adjusted,
		LotSize:          sym.LotSize,
		Price:            sig.Price,
		Platforms:        targets,
		Routes:           routes,
		EventTime:        sig.Timestamp,
		ParsedAt:         now,
		Source:           sig.Source,
		Offset:           sig.Offset,
	}, nil
}

func (cs *compiledStrategy) inSession(local time.Time) bool {
	if !cs.weekdays[local.Weekday()] {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	for _, s := range cs.sessions {
		if s.Contains(minute) {
			return true
		}
	}
	return false
}

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// RoundToLot 按倍数放大后取整到手数的整数倍，结果可能为 0，超出 int64 范围时返回 0。
func RoundToLot(quantity int64, multiplier decimal.Decimal, lotSize int64, rounding string) int64 {
	if lotSize <= 0 {
		return 0
	}
	lot := decimal.NewFromInt(lotSize)
	lots := decimal.NewFromInt(quantity).Mul(multiplier).Div(lot)
	if rounding == config.RoundNearest {
		lots = lots.Round(0)
	} else {
		lots = lots.Floor()
	}
	total := lots.Mul(lot)
	if total.GreaterThan(maxQuantity) {
		return 0
	}
	return total.IntPart()
}

func lookup(values map[string]string, key string) string {
	if v, ok := values[key]; ok {
		return v
	}
	for k, v := range values {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func lookupWebhook(hooks map[string]config.WebhookConfig, key string) (config.WebhookConfig, bool) {
	if wh, ok := hooks[key]; ok {
		return wh, true
	}
	for k, wh := range hooks {
		if strings.EqualFold(k, key) {
			return wh, true
		}
	}
	return config.WebhookConfig{}, false
}
