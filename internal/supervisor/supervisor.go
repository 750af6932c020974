// Package supervisor runs worker processes: it starts, stops and restarts
// them, folds their control-channel reports and exits into persisted
// status, and drains them on shutdown.
//
// Locking: per-worker operations (Start, Stop, Restart) are serialized by
// an operation lock keyed by worker id. Status writes go through the
// Reconciler's per-worker lock. The live table has its own mutex, which is
// only ever taken inside a Reconciler lock, never the other way around.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mbrock/botfleet/internal/executor"
	"github.com/mbrock/botfleet/internal/logsink"
	"github.com/mbrock/botfleet/internal/store"
	"github.com/mbrock/botfleet/internal/worker"
)

// ErrShuttingDown is returned by Start and Restart once Shutdown began.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// Default timeouts.
const (
	DefaultStopTimeout  = 2 * time.Second
	DefaultKillGrace    = 3 * time.Second
	DefaultDrainTimeout = time.Second
)

// Config holds the supervisor's collaborators and tunables.
type Config struct {
	Store    store.Store
	Executor executor.Executor
	Logger   *slog.Logger

	// LogsDir holds one logs-<id>.txt per worker.
	LogsDir string

	// ScriptRoot resolves relative worker script paths.
	ScriptRoot string

	// Interpreter is prepended to the script path. Empty runs the script
	// directly.
	Interpreter []string

	// Journal mirrors log markers to journald.
	Journal       bool
	JournalSocket string

	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration
	// KillGrace bounds the wait after SIGKILL.
	KillGrace time.Duration
	// DrainTimeout bounds how long an exit waits for buffered reports.
	DrainTimeout time.Duration

	Now func() time.Time
}

// Supervisor owns the live table of worker processes.
type Supervisor struct {
	store       store.Store
	exec        executor.Executor
	logger      *slog.Logger
	logsDir     string
	scriptRoot  string
	interpreter []string
	journal     bool
	journalSock string

	stopTimeout  time.Duration
	killGrace    time.Duration
	drainTimeout time.Duration
	now          func() time.Time

	reconciler *Reconciler
	ops        keyedMutex

	mu      sync.Mutex
	live    map[string]*handle
	retired map[string]*handle
	closing bool
}

// New creates a Supervisor. Store and Executor are required.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	exec := cfg.Executor
	if exec == nil {
		exec = executor.Default()
	}
	s := &Supervisor{
		store:        cfg.Store,
		exec:         exec,
		logger:       logger,
		logsDir:      cfg.LogsDir,
		scriptRoot:   cfg.ScriptRoot,
		interpreter:  cfg.Interpreter,
		journal:      cfg.Journal,
		journalSock:  cfg.JournalSocket,
		stopTimeout:  orDefault(cfg.StopTimeout, DefaultStopTimeout),
		killGrace:    orDefault(cfg.KillGrace, DefaultKillGrace),
		drainTimeout: orDefault(cfg.DrainTimeout, DefaultDrainTimeout),
		now:          now,
		reconciler:   NewReconciler(cfg.Store, logger, now),
		live:         make(map[string]*handle),
		retired:      make(map[string]*handle),
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Reconciler returns the status reconciler, for read-side views.
func (s *Supervisor) Reconciler() *Reconciler { return s.reconciler }

// ScriptPath resolves a record's script path against the script root.
func (s *Supervisor) ScriptPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.scriptRoot, p)
}

// Start launches the worker described by cfg, stopping any live instance
// first. It returns once the process is spawned; the worker reports
// running on its own. Invalid configs and missing scripts are returned
// as errors; spawn failures are recorded on the worker and return nil.
func (s *Supervisor) Start(ctx context.Context, cfg worker.Config) error {
	if err := s.validate(ctx, cfg); err != nil {
		return err
	}
	if s.isClosing() {
		return ErrShuttingDown
	}
	unlock := s.ops.lock(cfg.ID)
	defer unlock()
	return s.startLocked(ctx, cfg)
}

// Stop terminates the worker's live process, if any, and records it as
// stopped. A tracked-but-dead worker is marked stopped.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	unlock := s.ops.lock(id)
	defer unlock()
	s.stopLocked(ctx, id)
	return nil
}

// Restart stops the worker and starts it again with its stored config.
// The pinned error is carried over until the worker reports running.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.isClosing() {
		return ErrShuttingDown
	}
	unlock := s.ops.lock(id)
	defer unlock()

	s.stopLocked(ctx, id)
	cfg := rec.Config()
	if err := s.validate(ctx, cfg); err != nil {
		return err
	}
	return s.startLocked(ctx, cfg)
}

// ClearError drops the worker's pinned error without touching its status.
func (s *Supervisor) ClearError(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	s.reconciler.Reconcile(ctx, id, func(cur worker.Record) (worker.Update, bool) {
		if cur.PinnedError == nil {
			return worker.Update{}, false
		}
		return worker.Update{Status: cur.Status, Message: cur.LastMessage, Pinned: worker.ClearPinned()}, true
	})
	return nil
}

// Lookup returns the live process for id.
func (s *Supervisor) Lookup(id string) (LiveInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.live[id]
	if !ok {
		return LiveInfo{}, false
	}
	return h.info(), true
}

// Live lists all live processes ordered by worker id.
func (s *Supervisor) Live() []LiveInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LiveInfo, 0, len(s.live))
	for _, h := range s.live {
		out = append(out, h.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget drops the cached record of id after it was deleted. The worker
// must be stopped first.
func (s *Supervisor) Forget(id string) {
	s.reconciler.Forget(id)
}

func (s *Supervisor) validate(ctx context.Context, cfg worker.Config) error {
	err := cfg.Validate()
	if err == nil {
		return nil
	}
	if cfg.ID != "" {
		s.reconciler.Apply(ctx, cfg.ID, worker.Update{
			Status:  worker.StatusError,
			Message: "invalid launch data",
			Pinned:  worker.SetPinned(worker.PinnedInvalidConfig),
		})
	}
	s.logger.Warn("refusing to start worker", "worker", cfg.ID, "error", err)
	return fmt.Errorf("starting worker %q: %w", cfg.ID, err)
}

func (s *Supervisor) startLocked(ctx context.Context, cfg worker.Config) error {
	id := cfg.ID
	if s.lookupLive(id) != nil {
		s.logger.Info("worker already live, stopping before start", "worker", id)
		s.stopLocked(ctx, id)
	}
	s.reapRetired(id)

	s.reconciler.Apply(ctx, id, worker.Update{Status: worker.StatusStarting, Message: "process starting"})

	script := s.ScriptPath(cfg.ScriptPath)
	if _, err := os.Stat(script); err != nil {
		msg := fmt.Sprintf("worker script %s not found", script)
		s.reconciler.Apply(ctx, id, worker.Update{
			Status:  worker.StatusError,
			Message: "script not found: " + cfg.ScriptPath,
			Pinned:  worker.SetPinned(msg),
		})
		s.logger.Error("cannot start worker", "worker", id, "script", script, "error", worker.ErrScriptNotFound)
		return fmt.Errorf("%s: %w", script, worker.ErrScriptNotFound)
	}

	sink, err := logsink.Open(s.logsDir, id, logsink.Options{
		Journal:       s.journal,
		JournalSocket: s.journalSock,
		Logger:        s.logger,
		Now:           s.now,
	})
	if err != nil {
		s.reconciler.Apply(ctx, id, worker.Update{
			Status:  worker.StatusError,
			Message: "cannot open log file",
			Pinned:  worker.SetPinned(err.Error()),
		})
		return fmt.Errorf("starting worker %s: %w", id, err)
	}
	sink.Starting()

	command := append(slices.Clone(s.interpreter), script)
	proc, err := s.exec.Start(executor.Spec{
		WorkerID: id,
		Command:  command,
		Env:      cfg.Env(),
		Dir:      filepath.Dir(script),
	})
	if err != nil {
		msg := fmt.Sprintf("critical error in worker process: %v", err)
		sink.ForkError(msg)
		sink.Close()
		s.reconciler.Apply(ctx, id, worker.Update{
			Status:  worker.StatusError,
			Message: err.Error(),
			Pinned:  worker.SetPinned(msg),
		})
		s.logger.Error("spawning worker", "worker", id, "command", command, "error", fmt.Errorf("%w: %w", worker.ErrSpawnFailure, err))
		return nil
	}

	h := newHandle(cfg, proc, sink, s.now())
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		go s.watch(h)
		s.terminate(h)
		s.reconciler.Apply(ctx, id, worker.Update{Status: worker.StatusStopped, Message: "supervisor shutting down"})
		return ErrShuttingDown
	}
	s.live[id] = h
	s.mu.Unlock()

	go s.watch(h)
	s.logger.Info("worker started", "worker", id, "pid", proc.PID(), "command", command)
	return nil
}

func (s *Supervisor) stopLocked(ctx context.Context, id string) {
	h := s.lookupLive(id)
	if h == nil {
		s.reapRetired(id)
		s.reconciler.Reconcile(ctx, id, func(cur worker.Record) (worker.Update, bool) {
			if !cur.Status.Active() {
				return worker.Update{}, false
			}
			return worker.Update{Status: worker.StatusStopped, Message: "process not tracked, marked as stopped"}, true
		})
		return
	}

	s.logger.Info("stopping worker", "worker", id, "pid", h.proc.PID())
	s.terminate(h)
	s.reconciler.Reconcile(ctx, id, func(worker.Record) (worker.Update, bool) {
		s.mu.Lock()
		if s.live[id] == h {
			delete(s.live, id)
		}
		s.mu.Unlock()
		return worker.Update{Status: worker.StatusStopped, Message: "process stopped by supervisor"}, true
	})
}

// terminate sends SIGTERM, escalates to SIGKILL after the stop timeout
// and reports whether the process exit was observed.
func (s *Supervisor) terminate(h *handle) bool {
	h.killed.Store(true)
	h.sink.Stopping()
	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("sending SIGTERM", "worker", h.id, "pid", h.proc.PID(), "error", err)
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-h.exited:
		return true
	case <-timer.C:
	}

	s.logger.Warn("sending SIGKILL", "worker", h.id, "pid", h.proc.PID(), "error", worker.ErrStopTimeout)
	if err := h.proc.Signal(syscall.SIGKILL); err != nil {
		s.logger.Warn("sending SIGKILL", "worker", h.id, "pid", h.proc.PID(), "error", err)
	}

	timer.Reset(s.killGrace)
	select {
	case <-h.exited:
		return true
	case <-timer.C:
		s.logger.Error("worker did not exit after SIGKILL", "worker", h.id, "pid", h.proc.PID())
		return false
	}
}

// reapRetired terminates a process that reported a terminal status but
// kept running. Its exit has no effect on the worker's status.
func (s *Supervisor) reapRetired(id string) {
	s.mu.Lock()
	h := s.retired[id]
	delete(s.retired, id)
	s.mu.Unlock()
	if h == nil || h.hasExited() {
		return
	}
	s.logger.Info("terminating retired worker process", "worker", id, "pid", h.proc.PID())
	s.terminate(h)
}

func (s *Supervisor) lookupLive(id string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

func (s *Supervisor) isLive(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[h.id] == h
}

// retire moves h out of the live table while its process may still run.
func (s *Supervisor) retire(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[h.id] == h {
		delete(s.live, h.id)
		s.retired[h.id] = h
	}
}

func (s *Supervisor) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// keyedMutex hands out one mutex per key. An entry lives while anyone
// holds or waits for it, so every caller for a key shares one mutex.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
