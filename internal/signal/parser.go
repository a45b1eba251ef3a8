package signal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const fieldCount = 6

var zonedLayouts = []string{
	time.RFC3339Nano,
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Parser 将日志行解析为 Signal。
type Parser struct {
	loc *time.Location
}

// NewParser 创建解析器，无时区的时间戳按 loc 解释。
func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc}
}

// Parse 解析一行 "timestamp,symbol,action,quantity,price,strategy"。
func (p *Parser) Parse(line, source string, offset int64) (Signal, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Signal{}, ErrBlank
	}

	r := csv.NewReader(strings.NewReader(trimmed))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	fields, err := r.Read()
	if err != nil {
		return Signal{}, &ParseError{Reason: fmt.Sprintf("CSV 格式错误: %v", err), Line: line}
	}
	if _, extra := r.Read(); !errors.Is(extra, io.EOF) {
		return Signal{}, &ParseError{Reason: "一行只能包含一条记录", Line: line}
	}
	if len(fields) != fieldCount {
		return Signal{}, &ParseError{Reason: fmt.Sprintf("字段数应为 %d，实际 %d", fieldCount, len(fields)), Line: line}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	ts, err := p.parseTime(fields[0])
	if err != nil {
		return Signal{}, &ParseError{Reason: "时间戳无效", Line: line}
	}

	symbol := strings.ToUpper(fields[1])
	if symbol == "" {
		return Signal{}, &ParseError{Reason: "标的为空", Line: line}
	}

	action := Action(strings.ToUpper(fields[2]))
	if action != ActionBuy && action != ActionSell {
		return Signal{}, &ParseError{Reason: fmt.Sprintf("不支持的方向 %q", fields[2]), Line: line}
	}

	qty, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil || qty <= 0 {
		return Signal{}, &ParseError{Reason: "数量必须为正整数", Line: line}
	}

	var price decimal.NullDecimal
	if fields[4] != "" {
		d, err := decimal.NewFromString(fields[4])
		if err != nil || d.IsNegative() {
			return Signal{}, &ParseError{Reason: "价格无效", Line: line}
		}
		price = decimal.NewNullDecimal(d)
	}

	if fields[5] == "" {
		return Signal{}, &ParseError{Reason: "策略为空", Line: line}
	}

	return Signal{
		Timestamp: ts,
		Symbol:    symbol,
		Action:    action,
		Quantity:  qty,
		Price:     price,
		Strategy:  fields[5],
		Source:    source,
		Offset:    offset,
		Raw:       line,
	}, nil
}

func (p *Parser) parseTime(raw string) (time.Time, error) {
	for _, layout := range zonedLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	for _, layout := range localLayouts {
		if ts, err := time.ParseInLocation(layout, raw, p.loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("无法识别的时间格式 %q", raw)
}
