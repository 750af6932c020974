// Package executor provides an abstraction for starting worker processes
// with separate stdout, stderr and control-channel streams.
package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mbrock/botfleet/internal/worker"
)

// ControlFD is the descriptor number of the control channel in the child.
const ControlFD = 3

// Spec describes one process launch.
type Spec struct {
	// WorkerID identifies the worker for fakes and diagnostics.
	WorkerID string
	Command  []string
	Dir      string
	// Env is merged over the supervisor's own environment.
	Env map[string]string
}

// ExitStatus describes how a process terminated. Signal is zero when the
// process exited on its own; Code is -1 when it was killed by a signal.
type ExitStatus struct {
	Code   int
	Signal syscall.Signal
}

// Signaled reports whether the process was terminated by a signal.
func (s ExitStatus) Signaled() bool { return s.Signal != 0 }

func (s ExitStatus) String() string {
	if s.Signaled() {
		return fmt.Sprintf("signal %s", unix.SignalName(s.Signal))
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// SignalName returns "SIGTERM"-style names, or "N/A" for no signal.
func SignalName(sig syscall.Signal) string {
	if sig == 0 {
		return "N/A"
	}
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return strconv.Itoa(int(sig))
}

// Process represents a running worker process.
type Process interface {
	PID() int

	// Stdout, Stderr and Control are read by the supervisor until EOF.
	Stdout() io.Reader
	Stderr() io.Reader
	Control() io.Reader

	// Signal delivers sig to the process (and its process group).
	Signal(sig syscall.Signal) error

	// Wait blocks until the process exits. It may be called once.
	Wait() (ExitStatus, error)
}

// Executor starts processes.
type Executor interface {
	Start(spec Spec) (Process, error)
}

// ExecExecutor is the default Executor that uses os/exec.
type ExecExecutor struct{}

// Default returns the default ExecExecutor.
func Default() Executor {
	return &ExecExecutor{}
}

type execProcess struct {
	cmd     *exec.Cmd
	stdout  *os.File
	stderr  *os.File
	control *os.File

	waitOnce sync.Once
	status   ExitStatus
	waitErr  error
}

func (p *execProcess) PID() int           { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader  { return p.stdout }
func (p *execProcess) Stderr() io.Reader  { return p.stderr }
func (p *execProcess) Control() io.Reader { return p.control }

func (p *execProcess) Signal(sig syscall.Signal) error {
	pid := p.cmd.Process.Pid
	// Process group first so helpers spawned by the worker go too.
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() (ExitStatus, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		state := p.cmd.ProcessState
		if state == nil {
			p.status = ExitStatus{Code: 1}
			p.waitErr = err
			return
		}
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.status = ExitStatus{Code: -1, Signal: ws.Signal()}
			return
		}
		p.status = ExitStatus{Code: state.ExitCode()}
	})
	return p.status, p.waitErr
}

// Start implements Executor.Start using os/exec. The child gets its own
// process group and one end of a Unix socketpair as descriptor 3.
func (e *ExecExecutor) Start(spec Spec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		closeAll(stdoutRead, stdoutWrite)
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		closeAll(stdoutRead, stdoutWrite, stderrRead, stderrWrite)
		return nil, fmt.Errorf("creating control socketpair: %w", err)
	}
	controlParent := os.NewFile(uintptr(fds[0]), "control")
	controlChild := os.NewFile(uintptr(fds[1]), "control-child")

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env[worker.EnvControlFD] = strconv.Itoa(ControlFD)

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), envList(env)...)
	cmd.Stdout = stdoutWrite
	cmd.Stderr = stderrWrite
	cmd.ExtraFiles = []*os.File{controlChild}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutRead, stdoutWrite, stderrRead, stderrWrite, controlParent, controlChild)
		return nil, err
	}

	// The child owns these ends now; closing ours makes EOF observable.
	closeAll(stdoutWrite, stderrWrite, controlChild)

	return &execProcess{
		cmd:     cmd,
		stdout:  stdoutRead,
		stderr:  stderrRead,
		control: controlParent,
	}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
