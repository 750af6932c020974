package worker

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidConfig means a launch was attempted with missing fields.
	ErrInvalidConfig = errors.New("invalid worker config")
	// ErrScriptNotFound means the worker's source file does not exist.
	ErrScriptNotFound = errors.New("worker script not found")
	// ErrSpawnFailure means the OS refused to start the process.
	ErrSpawnFailure = errors.New("spawning worker process")
	// ErrWorkerReported marks an error the worker sent over its control channel.
	ErrWorkerReported = errors.New("worker reported error")
	// ErrUnexpectedExit marks a process that died without reporting.
	ErrUnexpectedExit = errors.New("worker exited unexpectedly")
	// ErrStopTimeout is logged when SIGTERM did not stop a worker in time.
	ErrStopTimeout = errors.New("worker did not stop in time")
)

// Pinned error texts shown to operators.
const (
	PinnedInvalidConfig = "Invalid launch data for the worker."
)

// ConfigError lists the fields missing from a Config.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "invalid worker config: missing " + strings.Join(e.Missing, ", ")
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}
