// Package fleet implements operator-level worker management on top of the
// supervisor: creating a worker from the script template, deleting it
// with its files, and describing its process state.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbrock/botfleet/internal/logsink"
	"github.com/mbrock/botfleet/internal/logview"
	"github.com/mbrock/botfleet/internal/store"
	"github.com/mbrock/botfleet/internal/supervisor"
	"github.com/mbrock/botfleet/internal/worker"
)

// ErrTemplateMissing means the worker script template does not exist.
var ErrTemplateMissing = errors.New("worker template not found")

// Config wires a Manager.
type Config struct {
	Store      store.Store
	Supervisor *supervisor.Supervisor
	Logger     *slog.Logger

	// Root is the directory record script paths are relative to.
	Root     string
	AppsDir  string
	LogsDir  string
	Template string

	// NewID overrides id generation in tests.
	NewID func() string
}

// Manager adds, deletes and describes workers.
type Manager struct {
	store    store.Store
	sup      *supervisor.Supervisor
	logger   *slog.Logger
	root     string
	appsDir  string
	logsDir  string
	template string
	newID    func() string
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	newID := cfg.NewID
	if newID == nil {
		newID = NewID
	}
	return &Manager{
		store:    cfg.Store,
		sup:      cfg.Supervisor,
		logger:   logger,
		root:     cfg.Root,
		appsDir:  cfg.AppsDir,
		logsDir:  cfg.LogsDir,
		template: cfg.Template,
		newID:    newID,
	}
}

// NewID returns a fresh worker id: a random UUID without dashes.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// AddRequest is the operator input for a new worker.
type AddRequest struct {
	Token   string `json:"token"`
	Trigger string `json:"statusCheckCommand"`
}

// Add copies the template into a new script, creates the worker record
// and starts it. The record is returned even when starting fails.
func (m *Manager) Add(ctx context.Context, req AddRequest) (worker.Record, error) {
	req.Token = strings.TrimSpace(req.Token)
	req.Trigger = worker.NormalizeTrigger(req.Trigger)
	var missing []string
	if req.Token == "" {
		missing = append(missing, "token")
	}
	if req.Trigger == "" {
		missing = append(missing, "trigger")
	}
	if len(missing) > 0 {
		return worker.Record{}, &worker.ConfigError{Missing: missing}
	}

	if _, err := os.Stat(m.template); err != nil {
		return worker.Record{}, fmt.Errorf("%s: %w", m.template, ErrTemplateMissing)
	}

	id := m.newID()
	script := filepath.Join(m.appsDir, "bot-"+id+".js")
	if err := copyFile(m.template, script); err != nil {
		return worker.Record{}, fmt.Errorf("creating script for %s: %w", id, err)
	}

	rec := worker.Record{
		ID:         id,
		Token:      req.Token,
		Trigger:    req.Trigger,
		ScriptPath: m.relative(script),
		Status:     worker.StatusStopped,
		CreatedAt:  time.Now(),
	}
	if err := m.store.Create(ctx, rec); err != nil {
		os.Remove(script)
		return worker.Record{}, err
	}
	m.logger.Info("worker added", "worker", id, "script", rec.ScriptPath)

	if err := m.sup.Start(ctx, rec.Config()); err != nil {
		return rec, err
	}
	return rec, nil
}

// Delete stops the worker and removes its script, log and record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.sup.Stop(ctx, id); err != nil {
		return fmt.Errorf("stopping %s: %w", id, err)
	}

	script := m.sup.ScriptPath(rec.ScriptPath)
	if err := os.Remove(script); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing script for %s: %w", id, err)
	}
	if err := logsink.Remove(m.logsDir, id); err != nil {
		return fmt.Errorf("removing log for %s: %w", id, err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.sup.Forget(id)
	m.logger.Info("worker deleted", "worker", id)
	return nil
}

// Process states reported by Inspect.
const (
	ProcessRunning = "running"
	ProcessStale   = "stale"
	ProcessError   = "error"
	ProcessStopped = "stopped"
)

// Inspection compares the recorded status with the live table.
type Inspection struct {
	ID          string        `json:"id"`
	Process     string        `json:"status"`
	Message     string        `json:"message"`
	Status      worker.Status `json:"dbStatus"`
	LastMessage string        `json:"lastMessageFromDB"`
	PinnedError *string       `json:"pinnedError"`
	PinnedAt    *time.Time    `json:"lastPinnedErrorTime"`
	PID         int           `json:"pid,omitempty"`
}

// Inspect describes id's process state.
func (m *Manager) Inspect(ctx context.Context, id string) (Inspection, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return Inspection{}, err
	}
	info, live := m.sup.Lookup(id)
	return inspect(rec, info, live), nil
}

func inspect(rec worker.Record, info supervisor.LiveInfo, live bool) Inspection {
	in := Inspection{
		ID:          rec.ID,
		Status:      rec.Status,
		LastMessage: rec.LastMessage,
		PinnedError: rec.PinnedError,
		PinnedAt:    rec.PinnedAt,
	}
	switch {
	case live && info.Connected:
		in.Process = ProcessRunning
		in.PID = info.PID
		in.Message = fmt.Sprintf("process active (PID %d), recorded status %s", info.PID, rec.Status)
	case rec.Status.Active():
		in.Process = ProcessStale
		in.Message = fmt.Sprintf("process not tracked but recorded status is %s; it may have stopped unexpectedly", rec.Status)
	case rec.Status == worker.StatusError:
		in.Process = ProcessError
		detail := rec.LastMessage
		if detail == "" {
			detail = "no details"
		}
		in.Message = "process inactive, recorded error: " + detail
	default:
		in.Process = ProcessStopped
		in.Message = fmt.Sprintf("process inactive, recorded status %s", rec.Status)
	}
	return in
}

// Entry is one row of List.
type Entry struct {
	worker.Record
	Live *supervisor.LiveInfo `json:"live,omitempty"`
}

// List returns all workers, newest first, with live process details.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		e := Entry{Record: rec}
		if info, ok := m.sup.Lookup(rec.ID); ok {
			e.Live = &info
		}
		out = append(out, e)
	}
	return out, nil
}

// Get returns the worker record for id.
func (m *Manager) Get(ctx context.Context, id string) (worker.Record, error) {
	return m.store.Get(ctx, id)
}

// Logs returns the tail of id's log file. A worker without a log yet
// yields an empty tail.
func (m *Manager) Logs(ctx context.Context, id string, limit int64) (logview.Tail, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return logview.Tail{}, err
	}
	tail, err := logview.ReadTail(m.LogPath(id), limit)
	if errors.Is(err, logview.ErrNoLog) {
		return logview.Tail{}, nil
	}
	return tail, err
}

// LogPath returns the log file path for id.
func (m *Manager) LogPath(id string) string {
	return logsink.Path(m.logsDir, id)
}

// Start, Stop, Restart and ClearError forward to the supervisor after
// checking the record exists.

func (m *Manager) Start(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.sup.Start(ctx, rec.Config())
}

func (m *Manager) Stop(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	return m.sup.Stop(ctx, id)
}

func (m *Manager) Restart(ctx context.Context, id string) error {
	return m.sup.Restart(ctx, id)
}

func (m *Manager) ClearError(ctx context.Context, id string) error {
	return m.sup.ClearError(ctx, id)
}

func (m *Manager) relative(path string) string {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	// Keep the template's mode so executable templates stay executable.
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
