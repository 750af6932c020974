package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbrock/botfleet/internal/store"
	"github.com/mbrock/botfleet/internal/worker"
)

// flakyStore fails reads while failReads is set.
type flakyStore struct {
	*store.Memory
	failReads atomic.Bool
}

func (f *flakyStore) Get(ctx context.Context, id string) (worker.Record, error) {
	if f.failReads.Load() {
		return worker.Record{}, errors.New("database is locked")
	}
	return f.Memory.Get(ctx, id)
}

func TestReconciler_MemoryWinsOverStaleStore(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: store.NewMemory()}
	if err := st.Create(ctx, worker.Record{ID: "w1", Status: worker.StatusStopped, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	r := NewReconciler(st, nil, nil)

	st.failReads.Store(true)
	st.FailWrites(true)
	r.Apply(ctx, "w1", worker.Update{Status: worker.StatusRunning, Message: "up"})

	st.failReads.Store(false)
	rec := r.State(ctx, "w1")
	if rec.Status != worker.StatusRunning || rec.LastMessage != "up" {
		t.Errorf("State = %s (%q), want running from memory", rec.Status, rec.LastMessage)
	}
}

func TestReconciler_LoadsFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	pinned := "boom"
	if err := st.Create(ctx, worker.Record{ID: "w1", Status: worker.StatusError, PinnedError: &pinned, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	r := NewReconciler(st, nil, nil)

	_, applied := r.Reconcile(ctx, "w1", func(cur worker.Record) (worker.Update, bool) {
		if cur.Pinned() != "boom" {
			t.Errorf("decide saw pinned %q, want the stored one", cur.Pinned())
		}
		return worker.Update{}, false
	})
	if applied {
		t.Error("declined update was applied")
	}
}

func TestKeyedMutex_SharedUntilReleased(t *testing.T) {
	var k keyedMutex
	unlock := k.lock("w1")

	acquired := make(chan func())
	go func() { acquired <- k.lock("w1") }()

	// A second waiter arriving after the first must queue on the same mutex.
	time.Sleep(10 * time.Millisecond)
	acquired2 := make(chan func())
	go func() { acquired2 <- k.lock("w1") }()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-acquired2:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	var next func()
	select {
	case next = <-acquired:
	case next = <-acquired2:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	select {
	case <-acquired:
		t.Fatal("two holders at once")
	case <-acquired2:
		t.Fatal("two holders at once")
	case <-time.After(20 * time.Millisecond):
	}
	next()

	select {
	case last := <-acquired:
		last()
	case last := <-acquired2:
		last()
	case <-time.After(time.Second):
		t.Fatal("last waiter never acquired the lock")
	}

	k.mu.Lock()
	n := len(k.locks)
	k.mu.Unlock()
	if n != 0 {
		t.Errorf("%d lock entries left after release", n)
	}
}
