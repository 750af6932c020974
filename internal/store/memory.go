package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mbrock/botfleet/internal/worker"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]worker.Record

	failWrites atomic.Bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]worker.Record)}
}

// FailWrites makes UpdateStatus return an error while on is set.
func (m *Memory) FailWrites(on bool) { m.failWrites.Store(on) }

func (m *Memory) Get(ctx context.Context, id string) (worker.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return worker.Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (m *Memory) List(ctx context.Context) ([]worker.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]worker.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Create(ctx context.Context, rec worker.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%s: %w", rec.ID, ErrExists)
	}
	for _, other := range m.records {
		if other.Token == rec.Token {
			return fmt.Errorf("token in use by %s: %w", other.ID, ErrExists)
		}
	}
	if rec.Status == "" {
		rec.Status = worker.StatusStopped
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id string, patch worker.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites.Load() {
		return fmt.Errorf("memory store: writes disabled")
	}
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	patch.ApplyTo(&rec)
	m.records[id] = rec
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneRecord(rec worker.Record) worker.Record {
	if rec.PinnedError != nil {
		msg := *rec.PinnedError
		rec.PinnedError = &msg
	}
	if rec.PinnedAt != nil {
		at := *rec.PinnedAt
		rec.PinnedAt = &at
	}
	return rec
}
