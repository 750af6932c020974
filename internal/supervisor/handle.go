package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbrock/botfleet/internal/executor"
	"github.com/mbrock/botfleet/internal/logsink"
	"github.com/mbrock/botfleet/internal/protocol"
	"github.com/mbrock/botfleet/internal/worker"
)

// handle owns one running worker process and its three streams.
type handle struct {
	id      string
	proc    executor.Process
	sink    *logsink.Sink
	started time.Time

	// connected is true while the control channel is open.
	connected atomic.Bool
	// killed is set once the supervisor asked the process to terminate.
	killed atomic.Bool

	// exited is closed after the exit has been reconciled.
	exited chan struct{}
}

func newHandle(cfg worker.Config, proc executor.Process, sink *logsink.Sink, started time.Time) *handle {
	return &handle{
		id:      cfg.ID,
		proc:    proc,
		sink:    sink,
		started: started,
		exited:  make(chan struct{}),
	}
}

func (h *handle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// LiveInfo describes a live worker process.
type LiveInfo struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Connected bool      `json:"connected"`
}

func (h *handle) info() LiveInfo {
	return LiveInfo{
		ID:        h.id,
		PID:       h.proc.PID(),
		StartedAt: h.started,
		Connected: h.connected.Load(),
	}
}

// watch drains the process streams, waits for it to exit and reconciles
// the exit. It runs in its own goroutine for the lifetime of h.
func (s *Supervisor) watch(h *handle) {
	var output sync.WaitGroup
	output.Add(2)
	go func() {
		defer output.Done()
		protocol.ReadLines(h.proc.Stdout(), h.sink.Out)
	}()
	go func() {
		defer output.Done()
		protocol.ReadLines(h.proc.Stderr(), h.sink.Err)
	}()

	controlDone := make(chan struct{})
	h.connected.Store(true)
	go func() {
		defer close(controlDone)
		defer h.connected.Store(false)
		err := protocol.ReadEvents(h.proc.Control(), func(ev worker.Event) {
			s.handleEvent(h, ev)
		}, func(line string, err error) {
			s.logger.Warn("malformed control record", "worker", h.id, "line", line, "error", err)
		})
		if err != nil {
			s.logger.Debug("control channel closed", "worker", h.id, "error", err)
		}
	}()

	status, err := h.proc.Wait()
	if err != nil {
		s.logger.Warn("waiting for worker", "worker", h.id, "error", err)
	}

	// Status reports written just before exit must be folded in before
	// the exit itself is reconciled.
	drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	select {
	case <-controlDone:
	case <-drainCtx.Done():
		s.logger.Warn("control channel still open after exit", "worker", h.id)
	}
	outputDone := make(chan struct{})
	go func() {
		output.Wait()
		close(outputDone)
	}()
	select {
	case <-outputDone:
	case <-drainCtx.Done():
	}

	s.reconcileExit(h, status)
	h.sink.Close()
	close(h.exited)
}

// handleEvent folds one control-channel record into the worker's status.
func (s *Supervisor) handleEvent(h *handle, ev worker.Event) {
	if ev.Type != worker.EventTypeStatus || ev.WorkerID != h.id {
		s.logger.Debug("ignoring control record", "worker", h.id, "type", ev.Type, "botId", ev.WorkerID)
		return
	}

	s.reconciler.Reconcile(context.Background(), h.id, func(worker.Record) (worker.Update, bool) {
		if h.killed.Load() || !s.isLive(h) {
			return worker.Update{}, false
		}
		u := worker.Update{Status: ev.Status, Message: ev.Message}
		switch {
		case ev.Status == worker.StatusRunning:
			u.Pinned = worker.ClearPinned()
			h.sink.Running()
		case ev.Status == worker.StatusError && ev.Message != "":
			u.Pinned = worker.SetPinned(ev.Message)
			h.sink.ReportedError(ev.Message)
			s.logger.Warn("worker reported error", "worker", h.id, "error", fmt.Errorf("%w: %s", worker.ErrWorkerReported, ev.Message))
		}
		if ev.Status.Terminal() {
			s.retire(h)
		}
		return u, true
	})
}

// reconcileExit applies the status implied by a process exit, but only
// if h was still the live handle and no terminal status was recorded.
func (s *Supervisor) reconcileExit(h *handle, status executor.ExitStatus) {
	sig := executor.SignalName(status.Signal)
	h.sink.Exit(status.Code, sig)
	s.logger.Info("worker exited", "worker", h.id, "pid", h.proc.PID(), "code", status.Code, "signal", sig)

	s.reconciler.Reconcile(context.Background(), h.id, func(cur worker.Record) (worker.Update, bool) {
		s.mu.Lock()
		if s.retired[h.id] == h {
			delete(s.retired, h.id)
		}
		current := s.live[h.id] == h
		if current {
			delete(s.live, h.id)
		}
		s.mu.Unlock()

		if !current || !cur.Status.Active() {
			return worker.Update{}, false
		}

		switch {
		case h.killed.Load():
			return worker.Update{
				Status:  worker.StatusStopped,
				Message: "stopped by supervisor (" + status.String() + ")",
			}, true
		case status.Signaled():
			msg := fmt.Sprintf("worker unexpectedly stopped (signal %s), check the logs", sig)
			h.sink.UnexpectedExit(msg)
			s.logger.Warn("worker killed", "worker", h.id, "error", fmt.Errorf("%w: %s", worker.ErrUnexpectedExit, status))
			return worker.Update{
				Status:  worker.StatusError,
				Message: "killed by signal " + sig,
				Pinned:  worker.SetPinned(msg),
			}, true
		case status.Code != 0:
			msg := fmt.Sprintf("worker unexpectedly stopped (exit code %d), check the logs", status.Code)
			h.sink.UnexpectedExit(msg)
			s.logger.Warn("worker crashed", "worker", h.id, "error", fmt.Errorf("%w: %s", worker.ErrUnexpectedExit, status))
			return worker.Update{
				Status:  worker.StatusError,
				Message: fmt.Sprintf("exited with code %d", status.Code),
				Pinned:  worker.SetPinned(msg),
			}, true
		default:
			return worker.Update{
				Status:  worker.StatusStopped,
				Message: "exited normally (code 0)",
			}, true
		}
	})
}
