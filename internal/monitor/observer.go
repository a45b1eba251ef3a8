package monitor

import (
	"time"

	"trades-relay/internal/dispatch"
	"trades-relay/internal/idempotency"
	"trades-relay/internal/listener"
	"trades-relay/internal/order"
	"trades-relay/internal/risk"
	"trades-relay/internal/signal"
)

var (
	_ dispatch.Observer = (*Service)(nil)
	_ listener.Observer = (*Service)(nil)
)

// LineParsed 统计成功解析的行。
func (s *Service) LineParsed(_ string, sig signal.Signal) {
	s.metrics.LinesParsed.WithLabelValues(sig.Strategy).Inc()
	s.bump(sig.Strategy, "", func(c *Counts) { c.Parsed++ })
}

// ParseFailed 统计并记录无法解析的行。
func (s *Service) ParseFailed(path string, perr *signal.ParseError) {
	s.metrics.ParseErrors.WithLabelValues(path).Inc()
	s.mu.Lock()
	s.parseErrors++
	s.mu.Unlock()
	s.record(EventParseError, ParseErrorPayload{Path: path, Reason: perr.Reason, Line: perr.Line})
}

// Rotated 记录文件轮转。
func (s *Service) Rotated(path, reason string) {
	s.metrics.Rotations.WithLabelValues(reason).Inc()
	s.mu.Lock()
	s.rotations++
	s.mu.Unlock()
	s.record(EventRotation, FilePayload{Path: path, Reason: reason})
}

// Halted 记录停止读取的文件。
func (s *Service) Halted(path string, err error) {
	s.metrics.FilesHalted.Inc()
	s.mu.Lock()
	s.halted[path] = true
	s.mu.Unlock()
	s.record(EventFileHalted, FilePayload{Path: path, Error: err.Error()})
}

// SignalDuplicate 统计被去重的信号。
func (s *Service) SignalDuplicate(sig signal.Signal) {
	s.metrics.Duplicates.WithLabelValues(sig.Strategy).Inc()
	s.bump(sig.Strategy, "", func(c *Counts) { c.Duplicate++ })
}

// SignalRejected 统计并记录风控拒绝。
func (s *Service) SignalRejected(sig signal.Signal, rej *risk.Rejection) {
	s.metrics.Rejections.WithLabelValues(sig.Strategy, string(rej.Rule)).Inc()
	s.bump(sig.Strategy, "", func(c *Counts) { c.Rejected++ })
	s.record(EventSignalRejected, RejectionPayload{
		Key:       sig.Key(),
		Source:    sig.Source,
		Offset:    sig.Offset,
		Rejection: rej,
	})
}

// OrderAccepted 统计通过风控的订单。
func (s *Service) OrderAccepted(o order.Order) {
	s.metrics.OrdersAccepted.WithLabelValues(o.Strategy).Inc()
}

// AttemptFinished 记录单次投递的结果与耗时。
func (s *Service) AttemptFinished(o order.Order, name string, a dispatch.Attempt) {
	s.metrics.Attempts.WithLabelValues(name, string(a.Result.Outcome)).Inc()
	s.metrics.AttemptLatency.WithLabelValues(name).Observe(a.Latency.Seconds())
}

// SubDispatchFinished 统计子投递终态，拒绝与重试耗尽写入事件日志。
func (s *Service) SubDispatchFinished(o order.Order, sub dispatch.SubDispatch) {
	s.metrics.SubDispatches.WithLabelValues(o.Strategy, sub.Platform, string(sub.State)).Inc()

	var bump func(*Counts)
	switch sub.State {
	case dispatch.StateAcked:
		bump = func(c *Counts) { c.Acked++ }
		if n := len(sub.Attempts); n > 0 && !o.EventTime.IsZero() {
			last := sub.Attempts[n-1]
			ackAt := last.SentAt.Add(last.Latency)
			s.metrics.EndToEndLatency.WithLabelValues(sub.Platform).Observe(ackAt.Sub(o.EventTime).Seconds())
		}
	case dispatch.StateRejected:
		bump = func(c *Counts) { c.PlatformRejected++ }
		s.record(EventPlatformRejected, subPayload(o, sub))
	case dispatch.StateFailed:
		bump = func(c *Counts) { c.Failed++ }
		s.record(EventDispatchExhausted, subPayload(o, sub))
	case dispatch.StateCancelled:
		bump = func(c *Counts) { c.Cancelled++ }
	default:
		return
	}
	s.bump(o.Strategy, sub.Platform, bump)
}

// OrderFinished 记录订单聚合结果。
func (s *Service) OrderFinished(o order.Order, outcome idempotency.Outcome) {
	s.metrics.OrdersFinished.WithLabelValues(o.Strategy, string(outcome)).Inc()
	if !o.ParsedAt.IsZero() {
		s.metrics.PipelineLatency.Observe(time.Since(o.ParsedAt).Seconds())
	}
	s.record(EventOrderFinished, OrderPayload{
		OrderID:   o.ID.String(),
		Key:       o.Key,
		Strategy:  o.Strategy,
		Symbol:    o.Symbol,
		Action:    string(o.Action),
		Quantity:  o.AdjustedQuantity,
		Platforms: o.Platforms,
		Outcome:   outcome,
	})
}

func subPayload(o order.Order, sub dispatch.SubDispatch) SubDispatchPayload {
	return SubDispatchPayload{
		OrderID:  o.ID.String(),
		Key:      o.Key,
		Strategy: o.Strategy,
		Symbol:   o.Symbol,
		Sub:      sub,
	}
}
