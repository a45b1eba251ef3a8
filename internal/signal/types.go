package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action 表示交易方向。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Signal 为日志中解析出的一条交易信号。
type Signal struct {
	Timestamp time.Time           `json:"timestamp"`
	Symbol    string              `json:"symbol"`
	Action    Action              `json:"action"`
	Quantity  int64               `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	Strategy  string              `json:"strategy"`

	// 来源文件与行起始偏移，用于区分内容完全相同的两行
	Source string `json:"source"`
	Offset int64  `json:"offset"`
	Raw    string `json:"raw"`
}

// Key 返回信号的幂等键。
func (s Signal) Key() string {
	var b strings.Builder
	b.WriteString(s.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(s.Symbol)
	b.WriteByte('|')
	b.WriteString(string(s.Action))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(s.Quantity, 10))
	b.WriteByte('|')
	b.WriteString(s.Strategy)
	b.WriteByte('|')
	b.WriteString(s.Source)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(s.Offset, 10))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ErrBlank 表示空行或注释行，调用方应静默跳过。
var ErrBlank = errors.New("signal: 空行或注释")

// ParseError 描述无法解析的行。
type ParseError struct {
	Reason string
	Line   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("signal: %s: %q", e.Reason, e.Line)
}
