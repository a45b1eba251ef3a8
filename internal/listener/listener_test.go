package listener

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-relay/internal/config"
	"trades-relay/internal/signal"
	"trades-relay/internal/store"
)

type chanSink struct {
	ch chan signal.Signal
}

func (s *chanSink) Submit(ctx context.Context, sig signal.Signal) error {
	select {
	case s.ch <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type eventLog struct {
	mu          sync.Mutex
	parseErrors int
	rotations   []string
	halted      map[string]error
}

func (e *eventLog) LineParsed(string, signal.Signal) {}

func (e *eventLog) ParseFailed(string, *signal.ParseError) {
	e.mu.Lock()
	e.parseErrors++
	e.mu.Unlock()
}

func (e *eventLog) Rotated(_ string, reason string) {
	e.mu.Lock()
	e.rotations = append(e.rotations, reason)
	e.mu.Unlock()
}

func (e *eventLog) Halted(path string, err error) {
	e.mu.Lock()
	if e.halted == nil {
		e.halted = make(map[string]error)
	}
	e.halted[path] = err
	e.mu.Unlock()
}

type running struct {
	sink   *chanSink
	events *eventLog
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func start(t *testing.T, dir string, offsets OffsetStore) *running {
	t.Helper()
	sink := &chanSink{ch: make(chan signal.Signal, 64)}
	events := &eventLog{}
	l, err := New(config.ListenerConfig{
		Paths:        []string{filepath.Join(dir, "*.csv")},
		PollInterval: 10 * time.Millisecond,
	}, signal.NewParser(time.UTC), sink, offsets, events, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	r := &running{sink: sink, events: events, cancel: cancel, done: done}
	t.Cleanup(r.stop)
	return r
}

func (r *running) stop() {
	r.once.Do(func() {
		r.cancel()
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
		}
	})
}

func (r *running) next(t *testing.T) signal.Signal {
	t.Helper()
	select {
	case sig := <-r.sink.ch:
		return sig
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for signal")
		return signal.Signal{}
	}
}

func (r *running) none(t *testing.T) {
	t.Helper()
	select {
	case sig := <-r.sink.ch:
		t.Fatalf("unexpected signal %+v", sig)
	case <-time.After(100 * time.Millisecond):
	}
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

const (
	line1 = "2024-01-15T09:20:00,NIFTY,BUY,100,21500.50,strategy_a\n"
	line2 = "2024-01-15T09:21:00,BANKNIFTY,SELL,15,,strategy_b\r\n"
)

func TestListener_ReadsOnlyCompleteLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.csv")
	offsets := NewMemoryOffsets()
	appendTo(t, path, line1+"2024-01-15T09:21:00,BANK")

	r := start(t, dir, offsets)

	sig := r.next(t)
	assert.Equal(t, "NIFTY", sig.Symbol)
	assert.Equal(t, int64(0), sig.Offset)
	r.none(t)

	appendTo(t, path, "NIFTY,SELL,15,,strategy_b\r\n")
	sig = r.next(t)
	assert.Equal(t, "BANKNIFTY", sig.Symbol)
	assert.Equal(t, int64(len(line1)), sig.Offset)

	require.Eventually(t, func() bool {
		cp, _, _ := offsets.Load(context.Background(), path)
		return cp.Offset == int64(len(line1)+len(line2))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListener_ResumesFromDurableOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.csv")

	st, err := store.NewSQLite(config.DatabaseConfig{Path: filepath.Join(dir, "state.db"), MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	defer st.Close()
	offsets, err := NewSQLiteOffsets(context.Background(), st)
	require.NoError(t, err)

	appendTo(t, path, line1)
	first := start(t, dir, offsets)
	first.next(t)
	first.stop()

	appendTo(t, path, line2)
	second := start(t, dir, offsets)
	sig := second.next(t)
	assert.Equal(t, "BANKNIFTY", sig.Symbol, "already handed-off lines must not be re-read")
	second.none(t)
}

func TestListener_ReplacedWhileStoppedIsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.csv")

	st, err := store.NewSQLite(config.DatabaseConfig{Path: filepath.Join(dir, "state.db"), MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	defer st.Close()
	offsets, err := NewSQLiteOffsets(context.Background(), st)
	require.NoError(t, err)

	appendTo(t, path, line1)
	first := start(t, dir, offsets)
	first.next(t)
	first.stop()

	// 停机期间换成内容不同且不短于旧偏移的新文件
	replacement := "2024-01-16T09:15:00,BANKNIFTY,SELL,15,,strategy_b\n" + line1
	require.Greater(t, len(replacement), len(line1))
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte(replacement), 0o644))

	second := start(t, dir, offsets)
	sig := second.next(t)
	assert.Equal(t, "BANKNIFTY", sig.Symbol)
	assert.Equal(t, int64(0), sig.Offset)
	assert.Equal(t, "NIFTY", second.next(t).Symbol)

	second.events.mu.Lock()
	defer second.events.mu.Unlock()
	assert.Equal(t, []string{"replaced"}, second.events.rotations)
}

func TestListener_UnchangedFileKeepsCheckpointAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.csv")
	offsets := NewMemoryOffsets()

	appendTo(t, path, line1+line1)
	first := start(t, dir, offsets)
	first.next(t)
	first.next(t)
	first.stop()

	cp, ok, err := offsets.Load(context.Background(), path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2*len(line1)), cp.Offset)
	assert.Equal(t, fingerprint([]byte(line1+line1)[:headSize]), cp.Head)

	appendTo(t, path, line2)
	second := start(t, dir, offsets)
	assert.Equal(t, "BANKNIFTY", second.next(t).Symbol)
	second.none(t)

	second.events.mu.Lock()
	defer second.events.mu.Unlock()
	assert.Empty(t, second.events.rotations)
}

func TestListener_TruncationResetsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.csv")
	appendTo(t, path, line1+line1)

	r := start(t, dir, NewMemoryOffsets())
	r.next(t)
	r.next(t)

	require.NoError(t, os.WriteFile(path, []byte(line2), 0o644))
	sig := r.next(t)
	assert.Equal(t, "BANKNIFTY", sig.Symbol)
	assert.Equal(t, int64(0), sig.Offset)

	r.events.mu.Lock()
	defer r.events.mu.Unlock()
	assert.Equal(t, []string{"truncated"}, r.events.rotations)
}

func TestListener_ReplacementIsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.csv")
	appendTo(t, path, line1)

	r := start(t, dir, NewMemoryOffsets())
	r.next(t)

	// 新文件比旧偏移更长，只能依靠文件标识识别
	tmp := filepath.Join(dir, "next.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(line2+line2), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.Equal(t, int64(0), r.next(t).Offset)
	assert.Equal(t, int64(len(line2)), r.next(t).Offset)

	r.events.mu.Lock()
	defer r.events.mu.Unlock()
	assert.Contains(t, r.events.rotations, "replaced")
}

func TestListener_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.csv")
	appendTo(t, path, "# header\n2024-01-15T09:20:00,NIFTY,HOLD,100,,strategy_a\n"+line1)

	r := start(t, dir, NewMemoryOffsets())
	sig := r.next(t)
	assert.Equal(t, signal.ActionBuy, sig.Action)

	r.events.mu.Lock()
	defer r.events.mu.Unlock()
	assert.Equal(t, 1, r.events.parseErrors, "comment lines are not parse errors")
}

func TestListener_HaltsOnlyBrokenFile(t *testing.T) {
	dir := t.TempDir()
	// 自引用的符号链接使 stat 返回 ELOOP
	broken := filepath.Join(dir, "broken.csv")
	require.NoError(t, os.Symlink(broken, broken))
	good := filepath.Join(dir, "good.csv")
	appendTo(t, good, line1)

	r := start(t, dir, NewMemoryOffsets())
	assert.Equal(t, "NIFTY", r.next(t).Symbol)

	require.Eventually(t, func() bool {
		r.events.mu.Lock()
		defer r.events.mu.Unlock()
		_, ok := r.events.halted[broken]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	appendTo(t, good, line2)
	assert.Equal(t, "BANKNIFTY", r.next(t).Symbol)
}
