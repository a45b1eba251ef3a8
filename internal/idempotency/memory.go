package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory 为进程内实现，重启后丢失。
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory 创建内存去重存储。
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) CheckAndReserve(_ context.Context, key string, now time.Time) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return Duplicate, nil
	}
	m.entries[key] = Entry{Key: key, Outcome: OutcomeInFlight, ReservedAt: now}
	return Fresh, nil
}

func (m *Memory) Finalize(_ context.Context, key string, outcome Outcome, detail string, now time.Time) error {
	if !outcome.Terminal() {
		return ErrNotTerminal
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	if e.Outcome.Terminal() {
		return ErrAlreadyFinal
	}
	e.Outcome = outcome
	e.Detail = detail
	e.FinalizedAt = now
	m.entries[key] = e
	return nil
}

func (m *Memory) Evict(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if !e.Outcome.Terminal() {
			continue
		}
		if !e.FinalizedAt.Add(retention).After(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) InFlight(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if !e.Outcome.Terminal() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out, nil
}
