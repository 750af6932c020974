// Package store persists worker records. The supervisor treats it as a
// best-effort durable mirror of its in-memory state.
package store

import (
	"context"
	"errors"

	"github.com/mbrock/botfleet/internal/worker"
)

var (
	ErrNotFound = errors.New("worker record not found")
	ErrExists   = errors.New("worker record already exists")
)

// Store is the per-worker record store.
type Store interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (worker.Record, error)

	// List returns all records, newest first.
	List(ctx context.Context) ([]worker.Record, error)

	// Create inserts rec. Returns ErrExists if the id or token is taken.
	Create(ctx context.Context, rec worker.Record) error

	// UpdateStatus applies a status patch to the record for id.
	UpdateStatus(ctx context.Context, id string, patch worker.Patch) error

	// Delete removes the record for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	Close() error
}
