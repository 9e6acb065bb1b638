//go:build linux

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// PtraceLauncher spawns targets stopped at their first instruction. The child
// is started with PTRACE_TRACEME semantics, so the kernel stops it with
// SIGTRAP right after execve; Release detaches and lets it run.
type PtraceLauncher struct {
	// Credential, when set, is applied to the child.
	Credential *syscall.Credential
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Logger     *zap.Logger
}

// NewLauncher returns a launcher wired to the current stdio.
func NewLauncher(logger *zap.Logger) *PtraceLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PtraceLauncher{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: logger,
	}
}

func (l *PtraceLauncher) Launch(path string, args []string) (Target, error) {
	t := &ptraceTarget{
		release: make(chan struct{}),
		abort:   make(chan struct{}),
		exited:  make(chan struct{}),
		logger:  l.Logger,
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	t.exitCode.Store(-1)

	cmd := exec.Command(path, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = l.Stdin, l.Stdout, l.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:     true,
		Setpgid:    true,
		Credential: l.Credential,
		Pdeathsig:  syscall.SIGKILL,
	}

	started := make(chan error, 1)
	go t.supervise(cmd, started)
	if err := <-started; err != nil {
		return nil, err
	}
	return t, nil
}

type ptraceTarget struct {
	pid      atomic.Uint32
	running  atomic.Bool
	exitCode atomic.Int32

	release     chan struct{}
	abort       chan struct{}
	exited      chan struct{}
	releaseOnce sync.Once
	abortOnce   sync.Once

	logger *zap.Logger
}

// supervise owns the child for its whole life. Ptrace requests must come from
// the thread that started the tracee, so the goroutine stays locked to it.
func (t *ptraceTarget) supervise(cmd *exec.Cmd, started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.exited)

	if err := cmd.Start(); err != nil {
		started <- fmt.Errorf("failed to start %s: %w", cmd.Path, err)
		return
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		started <- fmt.Errorf("waiting for launch stop of %d: %w", pid, err)
		return
	}
	if !ws.Stopped() {
		cmd.Wait()
		started <- fmt.Errorf("target %d did not stop after exec (status %#x)", pid, ws)
		return
	}

	t.pid.Store(uint32(pid))
	t.running.Store(true)
	started <- nil

	select {
	case <-t.release:
		if err := unix.PtraceDetach(pid); err != nil {
			t.logger.Error("Failed to detach from target, killing it",
				zap.Int("pid", pid), zap.Error(err))
			unix.Kill(-pid, unix.SIGKILL)
		}
	case <-t.abort:
		unix.Kill(-pid, unix.SIGKILL)
	}

	err := cmd.Wait()
	t.running.Store(false)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		t.exitCode.Store(0)
	case errors.As(err, &exitErr):
		t.exitCode.Store(int32(exitErr.ExitCode()))
	}
	t.logger.Debug("Target exited", zap.Int("pid", pid), zap.Int32("exit_code", t.exitCode.Load()))
}

func (t *ptraceTarget) PID() uint32 { return t.pid.Load() }

func (t *ptraceTarget) Release() error {
	t.releaseOnce.Do(func() { close(t.release) })
	return nil
}

func (t *ptraceTarget) Suspend() error { return t.signal(unix.SIGSTOP) }

func (t *ptraceTarget) Resume() error { return t.signal(unix.SIGCONT) }

func (t *ptraceTarget) Terminate() error {
	select {
	case <-t.release:
		return t.signal(unix.SIGKILL)
	default:
	}
	t.abortOnce.Do(func() { close(t.abort) })
	return nil
}

// signal delivers sig to the target's process group.
func (t *ptraceTarget) signal(sig unix.Signal) error {
	if !t.running.Load() {
		return nil
	}
	pid := int(t.pid.Load())
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %v to %d: %w", sig, pid, err)
	}
	return nil
}

func (t *ptraceTarget) Running() bool { return t.running.Load() }

func (t *ptraceTarget) Exited() <-chan struct{} { return t.exited }

func (t *ptraceTarget) ExitCode() int { return int(t.exitCode.Load()) }
