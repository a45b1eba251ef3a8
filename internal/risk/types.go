package risk

import "fmt"

// Rule 标识触发拒绝的风控规则。
type Rule string

const (
	RuleStrategy        Rule = "strategy"
	RuleTradingHours    Rule = "trading_hours"
	RuleSymbolMapping   Rule = "symbol_mapping"
	RuleQuantityBounds  Rule = "quantity_bounds"
	RulePriceBounds     Rule = "price_bounds"
	RuleLotSize         Rule = "lot_size"
	RulePlatformRouting Rule = "platform_routing"
)

// Rejection 为风控拒绝结果，属于终态，不会重试。
type Rejection struct {
	Rule     Rule   `json:"rule"`
	Detail   string `json:"detail"`
	Strategy string `json:"strategy"`
	Symbol   string `json:"symbol"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: %s: %s", r.Rule, r.Detail)
}
