// Package logsink appends a worker's output and supervisor lifecycle
// markers to a per-worker plain-text log file.
//
// Each line is tagged: "[OUT] " and "[ERR] " for the worker's stdout and
// stderr, and bracketed or dashed markers with an RFC 3339 timestamp for
// events the supervisor generates. Files are never truncated here.
package logsink

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// Journal field names for mirrored lifecycle markers.
const (
	FieldWorker = "BOTFLEET_WORKER"
	FieldEvent  = "BOTFLEET_EVENT"
)

// Lifecycle event names carried in FieldEvent.
const (
	EventStarting       = "starting"
	EventRunning        = "running"
	EventReportedError  = "reported-error"
	EventForkError      = "fork-error"
	EventUnexpectedExit = "unexpected-exit"
	EventExit           = "exit"
	EventStopping       = "stopping"
)

// FileName returns the log file name for a worker id.
func FileName(id string) string {
	return "logs-" + id + ".txt"
}

// Path returns the log file path for a worker id inside dir.
func Path(dir, id string) string {
	return filepath.Join(dir, FileName(id))
}

// Remove deletes a worker's log file. A missing file is not an error.
func Remove(dir, id string) error {
	err := os.Remove(Path(dir, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Options configures a Sink.
type Options struct {
	// Journal mirrors lifecycle markers to journald when it is reachable.
	Journal bool

	// JournalSocket overrides the journald socket path.
	JournalSocket string

	Logger *slog.Logger

	// Now is used for marker timestamps; defaults to time.Now.
	Now func() time.Time
}

// Sink is an open per-worker log file. It is safe for concurrent use by
// the stdout, stderr and control readers of one process.
type Sink struct {
	mu      sync.Mutex
	f       *os.File
	id      string
	journal bool
	logger  *slog.Logger
	now     func() time.Time
}

var journalSocketOnce sync.Once

// Open opens (creating if needed) the log file for id in append mode.
func Open(dir, id string, opts Options) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(Path(dir, id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log for %s: %w", id, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.JournalSocket != "" {
		journalSocketOnce.Do(func() { journal.SetSocketPath(opts.JournalSocket) })
	}

	return &Sink{
		f:       f,
		id:      id,
		journal: opts.Journal && journal.Enabled(),
		logger:  logger,
		now:     now,
	}, nil
}

// Out appends a line of the worker's standard output.
func (s *Sink) Out(line string) { s.writeLine("[OUT] " + line) }

// Err appends a line of the worker's standard error.
func (s *Sink) Err(line string) { s.writeLine("[ERR] " + line) }

// Starting marks a new process lifetime. A blank line separates it from
// the previous run.
func (s *Sink) Starting() {
	ts := s.timestamp()
	s.writeLine("\n--- process starting: " + ts + " ---")
	s.mirror(EventStarting, "process starting", journal.PriInfo)
}

// Running marks the worker's first "running" report, which clears any
// pinned error.
func (s *Sink) Running() {
	s.writeLine("--- worker reported running, pinned error cleared: " + s.timestamp() + " ---")
	s.mirror(EventRunning, "worker reported running", journal.PriInfo)
}

// ReportedError records an error the worker sent on its control channel.
func (s *Sink) ReportedError(msg string) {
	s.writeLine(fmt.Sprintf("[WORKER_REPORTED_ERROR] %s at %s", msg, s.timestamp()))
	s.mirror(EventReportedError, msg, journal.PriErr)
}

// ForkError records a failure to spawn the worker process.
func (s *Sink) ForkError(msg string) {
	s.writeLine(fmt.Sprintf("[CRITICAL_FORK_ERROR] %s at %s", msg, s.timestamp()))
	s.mirror(EventForkError, msg, journal.PriCrit)
}

// UnexpectedExit records a synthesized error for a process that died
// without reporting.
func (s *Sink) UnexpectedExit(msg string) {
	s.writeLine(fmt.Sprintf("[UNEXPECTED_EXIT_ERROR] %s at %s", msg, s.timestamp()))
	s.mirror(EventUnexpectedExit, msg, journal.PriErr)
}

// Exit records process termination. signal is "N/A" when the process
// exited on its own.
func (s *Sink) Exit(code int, signal string) {
	msg := fmt.Sprintf("process exited with code %d (signal: %s)", code, signal)
	s.writeLine(fmt.Sprintf("[EXIT] %s at %s", msg, s.timestamp()))
	s.mirror(EventExit, msg, journal.PriInfo)
}

// Stopping records that the supervisor asked the process to terminate.
func (s *Sink) Stopping() {
	s.writeLine("--- stop requested by supervisor: " + s.timestamp() + " ---")
	s.mirror(EventStopping, "stop requested", journal.PriInfo)
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *Sink) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Sink) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	if _, err := s.f.WriteString(line + "\n"); err != nil {
		s.logger.Warn("log write failed", "worker", s.id, "error", err)
	}
}

func (s *Sink) mirror(event, message string, pri journal.Priority) {
	if !s.journal {
		return
	}
	err := journal.Send(message, pri, map[string]string{
		FieldWorker: s.id,
		FieldEvent:  event,
	})
	if err != nil {
		s.logger.Debug("journal send failed", "worker", s.id, "event", event, "error", err)
	}
}
