package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-relay/internal/config"
	"trades-relay/internal/idempotency"
	"trades-relay/internal/order"
	"trades-relay/internal/platform"
	"trades-relay/internal/risk"
	"trades-relay/internal/signal"
)

type scriptedAdapter struct {
	name    string
	mu      sync.Mutex
	script  []platform.Outcome
	calls   atomic.Int32
	block   chan struct{}
	lastQty int64
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Submit(ctx context.Context, o order.Order) platform.Result {
	n := int(a.calls.Add(1))
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return platform.Result{Outcome: platform.OutcomeTransportError, Reason: ctx.Err().Error()}
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastQty = o.AdjustedQuantity
	outcome := platform.OutcomeAck
	if n-1 < len(a.script) {
		outcome = a.script[n-1]
	} else if len(a.script) > 0 {
		outcome = a.script[len(a.script)-1]
	}
	res := platform.Result{Outcome: outcome, StatusCode: 200}
	if outcome == platform.OutcomeAck {
		res.PlatformOrderID = a.name + "-oid"
	} else {
		res.Reason = string(outcome)
	}
	return res
}

type recorder struct {
	NopObserver
	mu         sync.Mutex
	duplicates int
	rejected   []*risk.Rejection
	attempts   map[string][]Attempt
	subs       map[string]SubDispatch
	finished   chan idempotency.Outcome
}

func newRecorder() *recorder {
	return &recorder{
		attempts: make(map[string][]Attempt),
		subs:     make(map[string]SubDispatch),
		finished: make(chan idempotency.Outcome, 64),
	}
}

func (r *recorder) SignalDuplicate(signal.Signal) {
	r.mu.Lock()
	r.duplicates++
	r.mu.Unlock()
}

func (r *recorder) SignalRejected(_ signal.Signal, rej *risk.Rejection) {
	r.mu.Lock()
	r.rejected = append(r.rejected, rej)
	r.mu.Unlock()
	r.finished <- idempotency.OutcomeValidationRejected
}

func (r *recorder) AttemptFinished(_ order.Order, name string, a Attempt) {
	r.mu.Lock()
	r.attempts[name] = append(r.attempts[name], a)
	r.mu.Unlock()
}

func (r *recorder) SubDispatchFinished(_ order.Order, sub SubDispatch) {
	r.mu.Lock()
	r.subs[sub.Platform] = sub
	r.mu.Unlock()
}

func (r *recorder) OrderFinished(_ order.Order, outcome idempotency.Outcome) {
	r.finished <- outcome
}

func (r *recorder) wait(t *testing.T) idempotency.Outcome {
	t.Helper()
	select {
	case outcome := <-r.finished:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatalf("order did not finish in time")
		return ""
	}
}

func fastRetry(maxAttempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: maxAttempts,
		MinDelay:    2 * time.Millisecond,
		MaxDelay:    time.Second,
		Factor:      2,
		Jitter:      0.2,
	}
}

type harness struct {
	orch     *Orchestrator
	store    idempotency.Store
	rec      *recorder
	adapters map[string]*scriptedAdapter
}

func newHarness(t *testing.T, retry config.RetryConfig, adapters ...*scriptedAdapter) *harness {
	t.Helper()

	names := make([]string, 0, len(adapters))
	platforms := make(map[string]config.PlatformConfig, len(adapters))
	snap := &Snapshot{Adapters: map[string]platform.Adapter{}, Retry: map[string]config.RetryConfig{}}
	byName := make(map[string]*scriptedAdapter, len(adapters))
	for _, a := range adapters {
		names = append(names, a.name)
		platforms[a.name] = config.PlatformConfig{}
		snap.Adapters[a.name] = a
		snap.Retry[a.name] = retry
		byName[a.name] = a
	}

	v, err := risk.NewValidator(&config.Config{
		Platforms: platforms,
		Strategies: map[string]config.StrategyConfig{
			"strategy_a": {
				Multiplier: 2,
				Rounding:   config.RoundDown,
				Timezone:   "UTC",
				Weekdays:   []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"},
				Sessions:   []string{"00:00-23:59"},
				Platforms:  names,
				Symbols:    map[string]config.SymbolConfig{"nifty": {LotSize: 50}},
			},
		},
	})
	require.NoError(t, err)
	snap.Validator = v

	store := idempotency.NewMemory()
	rec := newRecorder()
	orch, err := New(Options{Workers: 2, QueueCapacity: 8, MaxInFlight: 8}, store, func() *Snapshot { return snap }, rec, nil)
	require.NoError(t, err)
	orch.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &harness{orch: orch, store: store, rec: rec, adapters: byName}
}

func testSignal(offset int64) signal.Signal {
	return signal.Signal{
		Timestamp: time.Date(2024, 1, 15, 9, 20, 0, 0, time.UTC),
		Symbol:    "NIFTY",
		Action:    signal.ActionBuy,
		Quantity:  100,
		Price:     decimal.NewNullDecimal(decimal.RequireFromString("21500.50")),
		Strategy:  "strategy_a",
		Source:    "logs/a.csv",
		Offset:    offset,
	}
}

func TestDispatch_TimeoutsThenAck(t *testing.T) {
	tt := &scriptedAdapter{name: "tradetron", script: []platform.Outcome{
		platform.OutcomeTimeout, platform.OutcomeTimeout, platform.OutcomeTimeout, platform.OutcomeAck,
	}}
	h := newHarness(t, fastRetry(4), tt)

	require.NoError(t, h.orch.Submit(context.Background(), testSignal(0)))
	assert.Equal(t, idempotency.OutcomeAllAcked, h.rec.wait(t))

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()

	sub := h.rec.subs["tradetron"]
	assert.Equal(t, StateAcked, sub.State)
	assert.Equal(t, 4, sub.AttemptCount())
	assert.Equal(t, "tradetron-oid", sub.PlatformOrderID)
	assert.Equal(t, int64(200), tt.lastQty)

	attempts := h.rec.attempts["tradetron"]
	require.Len(t, attempts, 4)
	for i := 1; i < 3; i++ {
		assert.Greater(t, attempts[i].Wait, attempts[i-1].Wait, "waits must increase")
		assert.True(t, attempts[i].NextRetryAt.After(attempts[i-1].NextRetryAt))
	}
	assert.Zero(t, attempts[3].Wait)

	e, err := h.store.Get(context.Background(), testSignal(0).Key())
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeAllAcked, e.Outcome)
}

func TestDispatch_RejectedIsNeverRetried(t *testing.T) {
	tt := &scriptedAdapter{name: "tradetron", script: []platform.Outcome{platform.OutcomeRejected}}
	h := newHarness(t, fastRetry(5), tt)

	require.NoError(t, h.orch.Submit(context.Background(), testSignal(0)))
	assert.Equal(t, idempotency.OutcomeAllRejected, h.rec.wait(t))
	assert.Equal(t, int32(1), tt.calls.Load())
}

func TestDispatch_ExhaustsExactlyMaxAttempts(t *testing.T) {
	tt := &scriptedAdapter{name: "tradetron", script: []platform.Outcome{platform.OutcomeTransportError}}
	h := newHarness(t, fastRetry(3), tt)

	require.NoError(t, h.orch.Submit(context.Background(), testSignal(0)))
	assert.Equal(t, idempotency.OutcomeAllFailed, h.rec.wait(t))
	assert.Equal(t, int32(3), tt.calls.Load())

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	sub := h.rec.subs["tradetron"]
	assert.Equal(t, StateFailed, sub.State)
	assert.Contains(t, sub.LastError, ErrExhausted.Error())
}

func TestDispatch_ConcurrentDuplicatesProduceOneOrder(t *testing.T) {
	tt := &scriptedAdapter{name: "tradetron"}
	h := newHarness(t, fastRetry(1), tt)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.orch.Submit(context.Background(), testSignal(0)))
		}()
	}
	wg.Wait()

	assert.Equal(t, idempotency.OutcomeAllAcked, h.rec.wait(t))
	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.duplicates == 19
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), tt.calls.Load())
}

func TestDispatch_PlatformsAreIndependent(t *testing.T) {
	slow := &scriptedAdapter{name: "algotest", block: make(chan struct{}), script: []platform.Outcome{platform.OutcomeRejected}}
	fast := &scriptedAdapter{name: "tradetron"}
	h := newHarness(t, fastRetry(1), slow, fast)

	require.NoError(t, h.orch.Submit(context.Background(), testSignal(0)))

	// 慢平台阻塞期间，另一平台已完成确认
	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.subs["tradetron"].State == StateAcked
	}, 2*time.Second, 5*time.Millisecond)

	pending := h.orch.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, StateSending, pending[0].Subs["algotest"].State)

	close(slow.block)
	assert.Equal(t, idempotency.OutcomePartialFailure, h.rec.wait(t))
}

func TestDispatch_ValidationRejectionIsTerminal(t *testing.T) {
	tt := &scriptedAdapter{name: "tradetron"}
	h := newHarness(t, fastRetry(1), tt)

	sig := testSignal(0)
	sig.Quantity = 10 // 2 × 10 不足一手
	require.NoError(t, h.orch.Submit(context.Background(), sig))
	assert.Equal(t, idempotency.OutcomeValidationRejected, h.rec.wait(t))

	e, err := h.store.Get(context.Background(), sig.Key())
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeValidationRejected, e.Outcome)
	assert.Zero(t, tt.calls.Load())

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.rejected, 1)
	assert.Equal(t, risk.RuleLotSize, h.rec.rejected[0].Rule)
}

func TestDispatch_CancelStopsPendingRetry(t *testing.T) {
	tt := &scriptedAdapter{name: "tradetron", script: []platform.Outcome{platform.OutcomeTimeout}}
	retry := fastRetry(5)
	retry.MinDelay = time.Hour
	retry.MaxDelay = 4 * time.Hour
	h := newHarness(t, retry, tt)

	require.NoError(t, h.orch.Submit(context.Background(), testSignal(0)))
	require.Eventually(t, func() bool {
		p := h.orch.Pending()
		return len(p) == 1 && p[0].Subs["tradetron"].State == StateRetryWait
	}, 2*time.Second, 5*time.Millisecond)

	id := h.orch.Pending()[0].Order.ID
	require.NoError(t, h.orch.Cancel(id))
	assert.Equal(t, idempotency.OutcomeCancelled, h.rec.wait(t))
	assert.ErrorIs(t, h.orch.Cancel(id), ErrUnknownOrder)
	assert.Equal(t, int32(1), tt.calls.Load())
}

func TestDispatch_ShutdownKeepsRetryingOrdersInFlight(t *testing.T) {
	tt := &scriptedAdapter{name: "tradetron", script: []platform.Outcome{platform.OutcomeTimeout}}
	retry := fastRetry(5)
	retry.MinDelay = time.Hour
	retry.MaxDelay = 4 * time.Hour
	h := newHarness(t, retry, tt)

	require.NoError(t, h.orch.Submit(context.Background(), testSignal(0)))
	require.Eventually(t, func() bool { return tt.calls.Load() == 1 && len(h.orch.Pending()) == 1 },
		2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	assert.ErrorIs(t, h.orch.Submit(context.Background(), testSignal(1)), ErrClosed)

	inflight, err := h.store.InFlight(context.Background())
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, testSignal(0).Key(), inflight[0].Key)
}

func TestDispatch_ShutdownCutSendStaysInFlight(t *testing.T) {
	tt := &scriptedAdapter{name: "tradetron", block: make(chan struct{})}
	h := newHarness(t, fastRetry(1), tt)

	require.NoError(t, h.orch.Submit(context.Background(), testSignal(0)))
	require.Eventually(t, func() bool { return tt.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.orch.Shutdown(ctx), context.DeadlineExceeded)

	entry, err := h.store.Get(context.Background(), testSignal(0).Key())
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeInFlight, entry.Outcome, "interrupted send must not be finalized as exhausted")

	select {
	case outcome := <-h.rec.finished:
		t.Fatalf("order finalized during shutdown with %s", outcome)
	default:
	}

	pending := h.orch.Pending()
	require.Len(t, pending, 1)
	sub := pending[0].Subs["tradetron"]
	assert.Equal(t, StateRetryWait, sub.State)
	assert.Contains(t, sub.LastError, "停机中断")
}

func TestSubmit_BlocksWhenQueueFull(t *testing.T) {
	store := idempotency.NewMemory()
	orch, err := New(Options{Workers: 1, QueueCapacity: 1, MaxInFlight: 1}, store,
		func() *Snapshot { return &Snapshot{} }, nil, nil)
	require.NoError(t, err)
	// 未启动工作协程，队列只能容纳一条
	require.NoError(t, orch.Submit(context.Background(), testSignal(0)))
	assert.Equal(t, 1, orch.QueueDepth())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, orch.Submit(ctx, testSignal(1)), context.DeadlineExceeded)
}
