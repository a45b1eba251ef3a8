package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// IdempotencyHeader 携带信号幂等键，供平台侧去重。
	IdempotencyHeader = "X-Idempotency-Key"
	maxBodyBytes      = 64 << 10
)

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// do 发送请求并按平台约定分类结果，调用方负责设置超时。
func do(client *http.Client, req *http.Request, fallbackID string, logger *zap.Logger) Result {
	resp, err := client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		logger.Debug("读取响应体失败", zap.Error(readErr))
		if r := classifyError(readErr); r.Outcome == OutcomeTimeout {
			return r
		}
	}
	return classify(resp, body, fallbackID)
}

func classifyError(err error) Result {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Result{Outcome: OutcomeTimeout, Reason: err.Error()}
	}
	return Result{Outcome: OutcomeTransportError, Reason: err.Error()}
}

type ackBody struct {
	Success *bool  `json:"success"`
	OrderID string `json:"order_id"`
	Message string `json:"message"`
}

func classify(resp *http.Response, body []byte, fallbackID string) Result {
	code := resp.StatusCode
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	switch {
	case code >= 200 && code < 300:
		var ack ackBody
		if len(body) > 0 && json.Unmarshal(body, &ack) == nil {
			if ack.Success != nil && !*ack.Success {
				reason := ack.Message
				if reason == "" {
					reason = snippet
				}
				return Result{Outcome: OutcomeRejected, StatusCode: code, Reason: reason}
			}
			if ack.OrderID != "" {
				return Result{Outcome: OutcomeAck, StatusCode: code, PlatformOrderID: ack.OrderID}
			}
		}
		return Result{Outcome: OutcomeAck, StatusCode: code, PlatformOrderID: fallbackID}
	case code == http.StatusTooManyRequests:
		return Result{
			Outcome:    OutcomeTransportError,
			StatusCode: code,
			Reason:     "触发平台限流",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return Result{Outcome: OutcomeTimeout, StatusCode: code, Reason: snippet}
	case code >= 500:
		return Result{Outcome: OutcomeTransportError, StatusCode: code, Reason: snippet}
	default:
		return Result{Outcome: OutcomeRejected, StatusCode: code, Reason: fmt.Sprintf("status=%d body=%s", code, snippet)}
	}
}

// parseRetryAfter 支持秒数与 HTTP 日期两种写法。
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
