package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbrock/botfleet/internal/store"
	"github.com/mbrock/botfleet/internal/worker"
)

// Reconciler serializes status and pinned-error updates per worker. Its
// in-memory view is authoritative; every accepted update is written
// through to the store, and store failures are logged, never returned.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*recEntry
}

type recEntry struct {
	mu     sync.Mutex
	loaded bool
	rec    worker.Record
}

// NewReconciler returns a Reconciler writing through to st.
func NewReconciler(st store.Store, logger *slog.Logger, now func() time.Time) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:   st,
		logger:  logger,
		now:     now,
		entries: make(map[string]*recEntry),
	}
}

func (r *Reconciler) entry(id string) *recEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &recEntry{rec: worker.Record{ID: id}}
		r.entries[id] = e
	}
	return e
}

// load fills the cache from the store on first touch. Called with e.mu held.
func (r *Reconciler) load(ctx context.Context, id string, e *recEntry) {
	if e.loaded {
		return
	}
	rec, err := r.store.Get(ctx, id)
	switch {
	case err == nil:
		e.rec = rec
		e.loaded = true
	case errors.Is(err, store.ErrNotFound):
		e.loaded = true
	default:
		r.logger.Warn("loading worker record", "worker", id, "error", err)
	}
}

// State returns the current view of the worker's record.
func (r *Reconciler) State(ctx context.Context, id string) worker.Record {
	e := r.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	r.load(ctx, id, e)
	return cloneRecord(e.rec)
}

// Apply records u unconditionally and returns the resulting record.
func (r *Reconciler) Apply(ctx context.Context, id string, u worker.Update) worker.Record {
	rec, _ := r.Reconcile(ctx, id, func(worker.Record) (worker.Update, bool) {
		return u, true
	})
	return rec
}

// Reconcile calls decide with the current record while holding the
// worker's lock. If decide returns true its update is applied. decide may
// take the supervisor's live-table lock but must not call back into the
// Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, id string, decide func(cur worker.Record) (worker.Update, bool)) (worker.Record, bool) {
	e := r.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	r.load(ctx, id, e)

	u, ok := decide(cloneRecord(e.rec))
	if !ok {
		return cloneRecord(e.rec), false
	}

	patch := worker.Patch{Update: u, At: r.now()}
	patch.ApplyTo(&e.rec)
	// A later load must not replace state that only lives in memory.
	e.loaded = true
	r.logger.Debug("worker status", "worker", id, "status", u.Status, "message", u.Message, "pinned", u.Pinned)

	if err := r.store.UpdateStatus(ctx, id, patch); err != nil {
		r.logger.Warn("persisting worker status", "worker", id, "status", u.Status, "error", err)
	}
	return cloneRecord(e.rec), true
}

// Forget drops the cached view of id, for use after the record is deleted.
func (r *Reconciler) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

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
