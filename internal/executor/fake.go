package executor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"syscall"

	"github.com/mbrock/botfleet/internal/worker"
)

// FakeCommand simulates a worker process. It writes to the three streams
// and returns an exit code. The context is cancelled when the process is
// told to stop.
type FakeCommand func(ctx context.Context, env map[string]string, stdout, stderr, control io.Writer) int

// FakeOption tunes how a fake process reacts to signals.
type FakeOption func(*fakeBehavior)

type fakeBehavior struct {
	trapTerm   bool
	ignoreTerm bool
	ignoreKill bool
}

// TrapTerm lets the command observe SIGTERM through its context and
// exit with its own code instead of dying by the signal.
func TrapTerm() FakeOption { return func(b *fakeBehavior) { b.trapTerm = true } }

// IgnoreTerm makes SIGTERM a no-op.
func IgnoreTerm() FakeOption { return func(b *fakeBehavior) { b.ignoreTerm = true } }

// IgnoreKill makes even SIGKILL a no-op, for a process stuck in the kernel.
func IgnoreKill() FakeOption { return func(b *fakeBehavior) { b.ignoreKill = true } }

type fakeEntry struct {
	run      FakeCommand
	behavior fakeBehavior
}

// FakeExecutor is a test implementation of Executor that runs registered
// fake commands in goroutines.
type FakeExecutor struct {
	mu        sync.Mutex
	commands  map[string]fakeEntry
	processes map[string][]*FakeProcess
	nextPID   int
}

// NewFakeExecutor creates a new FakeExecutor.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		commands:  make(map[string]fakeEntry),
		processes: make(map[string][]*FakeProcess),
		nextPID:   1000,
	}
}

// RegisterCommand registers a fake command implementation.
// The name should match the first element of the command slice.
func (e *FakeExecutor) RegisterCommand(name string, run FakeCommand, opts ...FakeOption) {
	var b fakeBehavior
	for _, opt := range opts {
		opt(&b)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = fakeEntry{run: run, behavior: b}
}

// Process returns the most recent process started for workerID.
func (e *FakeExecutor) Process(workerID string) *FakeProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	procs := e.processes[workerID]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

// Processes returns every process started for workerID, oldest first.
func (e *FakeExecutor) Processes(workerID string) []*FakeProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeProcess(nil), e.processes[workerID]...)
}

// Starts returns how many processes were started for workerID.
func (e *FakeExecutor) Starts(workerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.processes[workerID])
}

// Start implements Executor.Start for FakeExecutor.
func (e *FakeExecutor) Start(spec Spec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	e.mu.Lock()
	entry, ok := e.commands[spec.Command[0]]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("executable %q not found", spec.Command[0])
	}
	e.nextPID++
	pid := e.nextPID
	e.mu.Unlock()

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env[worker.EnvControlFD] = strconv.Itoa(ControlFD)

	ctx, cancel := context.WithCancel(context.Background())
	p := &FakeProcess{
		pid:      pid,
		behavior: entry.behavior,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	p.controlR, p.controlW = io.Pipe()

	e.mu.Lock()
	e.processes[spec.WorkerID] = append(e.processes[spec.WorkerID], p)
	e.mu.Unlock()

	go func() {
		code := entry.run(ctx, env, p.stdoutW, p.stderrW, p.controlW)
		p.exit(ExitStatus{Code: code})
	}()

	return p, nil
}

// FakeProcess implements Process for FakeExecutor.
type FakeProcess struct {
	pid      int
	behavior fakeBehavior
	cancel   context.CancelFunc

	stdoutR, stderrR, controlR *io.PipeReader
	stdoutW, stderrW, controlW *io.PipeWriter

	mu      sync.Mutex
	signals []syscall.Signal

	once   sync.Once
	done   chan struct{}
	status ExitStatus
}

func (p *FakeProcess) PID() int           { return p.pid }
func (p *FakeProcess) Stdout() io.Reader  { return p.stdoutR }
func (p *FakeProcess) Stderr() io.Reader  { return p.stderrR }
func (p *FakeProcess) Control() io.Reader { return p.controlR }

func (p *FakeProcess) Signal(sig syscall.Signal) error {
	if sig == 0 {
		return nil
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	switch sig {
	case syscall.SIGTERM:
		switch {
		case p.behavior.ignoreTerm:
		case p.behavior.trapTerm:
			p.cancel()
		default:
			p.exit(ExitStatus{Code: -1, Signal: sig})
		}
	case syscall.SIGKILL:
		if !p.behavior.ignoreKill {
			p.exit(ExitStatus{Code: -1, Signal: sig})
		}
	default:
		p.exit(ExitStatus{Code: -1, Signal: sig})
	}
	return nil
}

// Signals returns the signals delivered so far, in order.
func (p *FakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// Done is closed once the process has exited.
func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Wait() (ExitStatus, error) {
	<-p.done
	return p.status, nil
}

func (p *FakeProcess) exit(status ExitStatus) {
	p.once.Do(func() {
		p.cancel()
		p.status = status
		p.stdoutW.Close()
		p.stderrW.Close()
		p.controlW.Close()
		close(p.done)
	})
}
