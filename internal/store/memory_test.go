package store

import (
	"context"
	"errors"
	"testing"

	"github.com/mbrock/botfleet/internal/worker"
)

func TestMemory_RecordsAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Create(ctx, worker.Record{ID: "a1", Token: "t"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.UpdateStatus(ctx, "a1", worker.Patch{Update: worker.Update{
		Status: worker.StatusError, Pinned: worker.SetPinned("boom"),
	}}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	rec, _ := m.Get(ctx, "a1")
	*rec.PinnedError = "mutated"

	again, _ := m.Get(ctx, "a1")
	if again.Pinned() != "boom" {
		t.Errorf("stored record was mutated through a returned copy: %q", again.Pinned())
	}
}

func TestMemory_FailWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Create(ctx, worker.Record{ID: "a1", Token: "t"})
	m.FailWrites(true)
	if err := m.UpdateStatus(ctx, "a1", worker.Patch{}); err == nil {
		t.Fatal("expected error with FailWrites")
	}
	if _, err := m.Get(ctx, "zz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
