package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trades-relay/internal/config"
	"trades-relay/internal/idempotency"
	"trades-relay/internal/order"
	"trades-relay/internal/platform"
	"trades-relay/internal/signal"
)

// Options 控制工作池规模。
type Options struct {
	Workers       int
	QueueCapacity int
	MaxInFlight   int
	Clock         func() time.Time
	Rand          func() float64
}

// OptionsFromConfig 从配置构造 Options。
func OptionsFromConfig(cfg config.DispatchConfig) Options {
	return Options{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		MaxInFlight:   cfg.MaxInFlight,
	}
}

type subState struct {
	SubDispatch
	adapter         platform.Adapter
	retry           config.RetryConfig
	timer           *time.Timer
	cancelRequested bool
	done            bool
}

type tracked struct {
	order   order.Order
	subs    map[string]*subState
	pending int
}

// Orchestrator 负责去重、风控与多平台投递。
type Orchestrator struct {
	opts     Options
	store    idempotency.Store
	snapshot SnapshotFunc
	observer Observer
	logger   *zap.Logger

	intake  chan signal.Signal
	closeMu sync.RWMutex
	closed  bool

	sem       chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workers   sync.WaitGroup
	sends     sync.WaitGroup

	mu       sync.Mutex
	orders   map[uuid.UUID]*tracked
	draining bool
}

// New 创建编排器，需要调用 Start 启动工作协程。
func New(opts Options, store idempotency.Store, snapshot SnapshotFunc, observer Observer, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("dispatch: idempotency store 不能为空")
	}
	if snapshot == nil {
		return nil, errors.New("dispatch: snapshot 不能为空")
	}
	if opts.Workers <= 0 || opts.QueueCapacity <= 0 || opts.MaxInFlight <= 0 {
		return nil, fmt.Errorf("dispatch: 工作池参数无效 %+v", opts)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:      opts,
		store:     store,
		snapshot:  snapshot,
		observer:  observer,
		logger:    logger,
		intake:    make(chan signal.Signal, opts.QueueCapacity),
		sem:       make(chan struct{}, opts.MaxInFlight),
		runCtx:    runCtx,
		runCancel: cancel,
		orders:    make(map[uuid.UUID]*tracked),
	}, nil
}

// Start 启动工作协程。
func (o *Orchestrator) Start() {
	for i := 0; i < o.opts.Workers; i++ {
		o.workers.Add(1)
		go func() {
			defer o.workers.Done()
			for sig := range o.intake {
				o.process(sig)
			}
		}()
	}
	o.logger.Info("投递工作池已启动",
		zap.Int("workers", o.opts.Workers),
		zap.Int("queue_capacity", o.opts.QueueCapacity),
		zap.Int("max_in_flight", o.opts.MaxInFlight),
	)
}

// Submit 将信号放入队列，队列满时阻塞直到有空位或 ctx 结束。
func (o *Orchestrator) Submit(ctx context.Context, sig signal.Signal) error {
	o.closeMu.RLock()
	defer o.closeMu.RUnlock()

	if o.closed {
		return ErrClosed
	}
	select {
	case o.intake <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth 返回待处理信号数量。
func (o *Orchestrator) QueueDepth() int {
	return len(o.intake)
}

// Pending 返回尚未结束的订单快照。
func (o *Orchestrator) Pending() []Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Record, 0, len(o.orders))
	for _, t := range o.orders {
		out = append(out, t.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order.ParsedAt.Before(out[j].Order.ParsedAt) })
	return out
}

func (t *tracked) record() Record {
	subs := make(map[string]SubDispatch, len(t.subs))
	for name, s := range t.subs {
		sd := s.SubDispatch
		sd.Attempts = append([]Attempt(nil), s.Attempts...)
		subs[name] = sd
	}
	return Record{Order: t.order, Subs: subs}
}

func (o *Orchestrator) process(sig signal.Signal) {
	// 存储操作不随 runCtx 取消，保证停机时队列中的信号仍被受理
	ctx := context.Background()
	now := o.opts.Clock()
	key := sig.Key()

	res, err := o.store.CheckAndReserve(ctx, key, now)
	if err != nil {
		o.logger.Error("幂等预留失败，信号未处理",
			zap.String("key", key),
			zap.String("source", sig.Source),
			zap.Int64("offset", sig.Offset),
			zap.Error(err),
		)
		return
	}
	if res == idempotency.Duplicate {
		o.logger.Debug("重复信号已忽略", zap.String("key", key))
		o.observer.SignalDuplicate(sig)
		return
	}

	snap := o.snapshot()
	ord, rej := snap.Validator.Validate(sig, now)
	if rej != nil {
		o.logger.Warn("信号未通过风控",
			zap.String("strategy", sig.Strategy),
			zap.String("symbol", sig.Symbol),
			zap.String("rule", string(rej.Rule)),
			zap.String("detail", rej.Detail),
		)
		if err := o.store.Finalize(ctx, key, idempotency.OutcomeValidationRejected, rej.Error(), now); err != nil {
			o.logger.Error("写入风控拒绝结果失败", zap.String("key", key), zap.Error(err))
		}
		o.observer.SignalRejected(sig, rej)
		return
	}

	t := &tracked{order: ord, subs: make(map[string]*subState, len(ord.Platforms))}
	var launch []string
	var finished []string
	for _, name := range ord.Platforms {
		s := &subState{SubDispatch: SubDispatch{Platform: name, State: StateQueued}}
		adapter, ok := snap.Adapters[name]
		if !ok {
			s.State = StateRejected
			s.LastError = "平台未启用"
			s.done = true
			finished = append(finished, name)
		} else {
			s.adapter = adapter
			s.retry = snap.Retry[name]
			if s.retry.MaxAttempts <= 0 {
				s.retry.MaxAttempts = 1
			}
			launch = append(launch, name)
			t.pending++
		}
		t.subs[name] = s
	}

	o.observer.OrderAccepted(ord)
	o.logger.Info("订单已受理",
		zap.String("order_id", ord.ID.String()),
		zap.String("strategy", ord.Strategy),
		zap.String("symbol", ord.Symbol),
		zap.String("action", string(ord.Action)),
		zap.Int64("adjusted_quantity", ord.AdjustedQuantity),
		zap.Strings("platforms", ord.Platforms),
	)
	for _, name := range finished {
		o.observer.SubDispatchFinished(ord, t.subs[name].SubDispatch)
	}

	if t.pending == 0 {
		o.finalize(t)
		return
	}

	o.mu.Lock()
	o.orders[ord.ID] = t
	for _, name := range launch {
		o.sends.Add(1)
		go func(name string) {
			defer o.sends.Done()
			o.send(t, name)
		}(name)
	}
	o.mu.Unlock()
}

// send 执行一次投递尝试并推进状态机，仅在 queued/retry_wait 状态下发出请求。
func (o *Orchestrator) send(t *tracked, name string) {
	select {
	case o.sem <- struct{}{}:
	case <-o.runCtx.Done():
		return
	}
	defer func() { <-o.sem }()

	o.mu.Lock()
	s := t.subs[name]
	if s.State != StateQueued && s.State != StateRetryWait {
		o.mu.Unlock()
		return
	}
	s.State = StateSending
	s.timer = nil
	number := len(s.Attempts) + 1
	o.mu.Unlock()

	sentAt := o.opts.Clock()
	res := s.adapter.Submit(o.runCtx, t.order)
	now := o.opts.Clock()

	attempt := Attempt{Number: number, SentAt: sentAt, Latency: now.Sub(sentAt), Result: res}

	o.mu.Lock()
	switch {
	case res.Outcome == platform.OutcomeAck:
		s.State = StateAcked
		s.PlatformOrderID = res.PlatformOrderID
		s.LastError = ""
	case res.Outcome == platform.OutcomeRejected:
		s.State = StateRejected
		s.LastError = res.Reason
	case s.cancelRequested:
		s.State = StateCancelled
		s.LastError = res.Reason
	case o.runCtx.Err() != nil && res.Outcome.Retryable():
		// 停机截断的尝试不计入重试次数，订单保持进行中以便人工核查
		s.State = StateRetryWait
		s.LastError = "停机中断: " + res.Reason
	case number >= s.retry.MaxAttempts:
		s.State = StateFailed
		s.LastError = fmt.Sprintf("%v: %s", ErrExhausted, res.Reason)
	default:
		s.State = StateRetryWait
		s.LastError = res.Reason
		wait := Backoff(s.retry, number, o.opts.Rand())
		if res.RetryAfter > wait {
			wait = res.RetryAfter
		}
		attempt.Wait = wait
		attempt.NextRetryAt = now.Add(wait)
		// 停机期间不再安排重试，记录保持进行中以便人工核查
		if !o.draining {
			s.timer = time.AfterFunc(wait, func() { o.retry(t, name) })
		}
	}
	s.Attempts = append(s.Attempts, attempt)
	sub := s.SubDispatch
	terminal := s.State.Terminal()
	o.mu.Unlock()

	o.observer.AttemptFinished(t.order, name, attempt)
	if sub.State == StateRetryWait {
		o.logger.Warn("投递失败，等待重试",
			zap.String("order_id", t.order.ID.String()),
			zap.String("platform", name),
			zap.Int("attempt", number),
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("wait", attempt.Wait),
			zap.String("reason", res.Reason),
		)
	}
	if terminal {
		o.subFinished(t, name)
	}
}

func (o *Orchestrator) retry(t *tracked, name string) {
	o.mu.Lock()
	if o.draining || t.subs[name].State != StateRetryWait {
		o.mu.Unlock()
		return
	}
	o.sends.Add(1)
	o.mu.Unlock()

	defer o.sends.Done()
	o.send(t, name)
}

func (o *Orchestrator) subFinished(t *tracked, name string) {
	o.mu.Lock()
	s := t.subs[name]
	if s.done {
		o.mu.Unlock()
		return
	}
	s.done = true
	t.pending--
	last := t.pending == 0
	if last {
		delete(o.orders, t.order.ID)
	}
	sub := s.SubDispatch
	o.mu.Unlock()

	switch sub.State {
	case StateAcked:
		o.logger.Info("平台已确认订单",
			zap.String("order_id", t.order.ID.String()),
			zap.String("platform", name),
			zap.String("platform_order_id", sub.PlatformOrderID),
			zap.Int("attempts", sub.AttemptCount()),
		)
	case StateFailed:
		o.logger.Error("投递重试耗尽，需要人工处理",
			zap.String("order_id", t.order.ID.String()),
			zap.String("platform", name),
			zap.Int("attempts", sub.AttemptCount()),
			zap.String("last_error", sub.LastError),
		)
	default:
		o.logger.Warn("子投递结束",
			zap.String("order_id", t.order.ID.String()),
			zap.String("platform", name),
			zap.String("state", string(sub.State)),
			zap.String("last_error", sub.LastError),
		)
	}
	o.observer.SubDispatchFinished(t.order, sub)

	if last {
		o.finalize(t)
	}
}

func (o *Orchestrator) finalize(t *tracked) {
	o.mu.Lock()
	outcome, detail := aggregate(t)
	o.mu.Unlock()

	if err := o.store.Finalize(context.Background(), t.order.Key, outcome, detail, o.opts.Clock()); err != nil {
		o.logger.Error("写入订单终态失败",
			zap.String("order_id", t.order.ID.String()),
			zap.String("key", t.order.Key),
			zap.Error(err),
		)
	}
	o.observer.OrderFinished(t.order, outcome)
}

func aggregate(t *tracked) (idempotency.Outcome, string) {
	counts := make(map[State]int, 4)
	notes := make([]string, 0, len(t.subs))
	for name, s := range t.subs {
		counts[s.State]++
		if s.State != StateAcked {
			notes = append(notes, fmt.Sprintf("%s=%s: %s", name, s.State, s.LastError))
		}
	}
	sort.Strings(notes)
	detail := strings.Join(notes, "; ")

	n := len(t.subs)
	switch {
	case counts[StateAcked] == n:
		return idempotency.OutcomeAllAcked, ""
	case counts[StateAcked] > 0:
		return idempotency.OutcomePartialFailure, detail
	case counts[StateRejected] == n:
		return idempotency.OutcomeAllRejected, detail
	case counts[StateCancelled] > 0:
		return idempotency.OutcomeCancelled, detail
	default:
		return idempotency.OutcomeAllFailed, detail
	}
}

// Cancel 取消订单中尚未发出或正在等待重试的子投递，发送中的子投递在本次尝试后不再重试。
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	o.mu.Lock()
	t, ok := o.orders[id]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownOrder
	}
	var finished []string
	for name, s := range t.subs {
		switch s.State {
		case StateQueued, StateRetryWait:
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
			s.State = StateCancelled
			s.LastError = "操作员取消"
			finished = append(finished, name)
		case StateSending:
			s.cancelRequested = true
		}
	}
	o.mu.Unlock()

	o.logger.Warn("订单已被取消", zap.String("order_id", id.String()), zap.Strings("platforms", finished))
	for _, name := range finished {
		o.subFinished(t, name)
	}
	return nil
}

// Shutdown 停止接收新信号，处理完队列后在 ctx 期限内等待发送中的请求。
// 期限内未完成的订单保持进行中状态，不会被自动重新投递。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closeMu.Lock()
	if o.closed {
		o.closeMu.Unlock()
		return nil
	}
	o.closed = true
	close(o.intake)
	o.closeMu.Unlock()

	o.workers.Wait()

	o.mu.Lock()
	o.draining = true
	for _, t := range o.orders {
		for _, s := range t.subs {
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
		}
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.sends.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("dispatch: 等待发送中请求超时: %w", ctx.Err())
	}
	o.runCancel()
	<-done

	o.mu.Lock()
	unfinished := len(o.orders)
	o.mu.Unlock()
	if unfinished > 0 {
		o.logger.Warn("停机时仍有未完成订单，已保留为进行中", zap.Int("orders", unfinished))
	}
	return err
}
