// Package control defines how operator tools reach a running botfleet
// supervisor. The D-Bus and HTTP transports in the subpackages both
// implement Plane, so the CLI does not care which one it talks to.
package control

import (
	"context"
	"errors"

	"github.com/mbrock/botfleet/internal/fleet"
	"github.com/mbrock/botfleet/internal/logview"
	"github.com/mbrock/botfleet/internal/store"
	"github.com/mbrock/botfleet/internal/supervisor"
	"github.com/mbrock/botfleet/internal/worker"
)

// Operator is the set of fleet operations exposed to remote clients.
// *fleet.Manager implements it.
type Operator interface {
	List(ctx context.Context) ([]fleet.Entry, error)
	Inspect(ctx context.Context, id string) (fleet.Inspection, error)
	Add(ctx context.Context, req fleet.AddRequest) (worker.Record, error)
	Delete(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	ClearError(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, limit int64) (logview.Tail, error)
}

var _ Operator = (*fleet.Manager)(nil)

// Plane is an Operator reached over a connection that must be closed.
type Plane interface {
	Operator
	Close() error
}

// Error codes carried across transports.
const (
	CodeNotFound        = "NotFound"
	CodeExists          = "Exists"
	CodeInvalidConfig   = "InvalidConfig"
	CodeScriptNotFound  = "ScriptNotFound"
	CodeTemplateMissing = "TemplateMissing"
	CodeShuttingDown    = "ShuttingDown"
	CodeFailed          = "Failed"
)

var sentinels = map[string]error{
	CodeNotFound:        store.ErrNotFound,
	CodeExists:          store.ErrExists,
	CodeInvalidConfig:   worker.ErrInvalidConfig,
	CodeScriptNotFound:  worker.ErrScriptNotFound,
	CodeTemplateMissing: fleet.ErrTemplateMissing,
	CodeShuttingDown:    supervisor.ErrShuttingDown,
}

// Code classifies err for transport.
func Code(err error) string {
	for code, target := range sentinels {
		if errors.Is(err, target) {
			return code
		}
	}
	return CodeFailed
}

// RemoteError is an error returned by the supervisor on the other end of
// a transport. It matches the sentinel its code names under errors.Is.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// Remote rebuilds a transported error.
func Remote(code, message string) error {
	if code == "" {
		code = CodeFailed
	}
	return &RemoteError{Code: code, Message: message}
}
