// Package botctl is the worker side of the botfleet control channel.
//
// A worker process started by the supervisor finds its configuration in
// the environment and reports its lifecycle over an inherited socket:
//
//	env, err := botctl.LoadEnv()
//	r, err := botctl.Dial(env)
//	defer r.Close()
//	r.Running()
//	...
//	r.Error("telegram rejected the token")
//
// Once a terminal status is reported the supervisor stops tracking the
// process, so a worker should exit soon after calling Error or Stopped.
package botctl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/mbrock/botfleet/internal/protocol"
	"github.com/mbrock/botfleet/internal/worker"
)

// ErrNoControl means the process was not started with a control channel.
var ErrNoControl = errors.New("no control channel in environment")

// Env is the launch configuration the supervisor passes to a worker.
type Env struct {
	ID        string
	Token     string
	Trigger   string
	ControlFD int
}

// LoadEnv reads the worker environment. ControlFD is -1 when the
// process runs outside the supervisor.
func LoadEnv() (Env, error) {
	env := Env{
		ID:        os.Getenv(worker.EnvInternalID),
		Token:     os.Getenv(worker.EnvToken),
		Trigger:   os.Getenv(worker.EnvTrigger),
		ControlFD: -1,
	}
	if v := os.Getenv(worker.EnvControlFD); v != "" {
		fd, err := strconv.Atoi(v)
		if err != nil || fd < 0 {
			return Env{}, fmt.Errorf("%s=%q: not a file descriptor", worker.EnvControlFD, v)
		}
		env.ControlFD = fd
	}
	var missing []string
	if env.ID == "" {
		missing = append(missing, worker.EnvInternalID)
	}
	if env.Token == "" {
		missing = append(missing, worker.EnvToken)
	}
	if len(missing) > 0 {
		return env, &worker.ConfigError{Missing: missing}
	}
	return env, nil
}

// Reporter sends status records to the supervisor.
type Reporter struct {
	id string

	mu sync.Mutex
	w  io.WriteCloser
}

// Dial opens the control channel named by env.
func Dial(env Env) (*Reporter, error) {
	if env.ControlFD < 0 {
		return nil, ErrNoControl
	}
	f := os.NewFile(uintptr(env.ControlFD), "botfleet-control")
	if f == nil {
		return nil, fmt.Errorf("control fd %d: %w", env.ControlFD, ErrNoControl)
	}
	return NewReporter(env.ID, f), nil
}

// NewReporter reports for worker id on w.
func NewReporter(id string, w io.WriteCloser) *Reporter {
	return &Reporter{id: id, w: w}
}

// Report sends one status record.
func (r *Reporter) Report(status worker.Status, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return ErrNoControl
	}
	return protocol.WriteEvent(r.w, worker.Event{
		Type:     worker.EventTypeStatus,
		WorkerID: r.id,
		Status:   status,
		Message:  message,
	})
}

// Running reports that the worker is up. It clears any pinned error.
func (r *Reporter) Running() error {
	return r.Report(worker.StatusRunning, "")
}

// Error reports a fatal problem. The message is pinned for the operator.
func (r *Reporter) Error(message string) error {
	return r.Report(worker.StatusError, message)
}

// Stopped reports a deliberate shutdown.
func (r *Reporter) Stopped(message string) error {
	return r.Report(worker.StatusStopped, message)
}

func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := r.w.Close()
	r.w = nil
	return err
}
