// Package ptysup owns PTY-backed child processes: spawning them with a
// sanitized environment and validated shell, streaming their output,
// accepting input/resize/signal requests, and terminating them cleanly.
package ptysup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/terminox/agent/internal/logger"
)

// State is a process handle's lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotRunning is returned by write/resize/signal operations against a
// process handle that has already terminated.
var ErrNotRunning = errors.New("ptysup: process is not running")

// ErrUnsupported is returned for signals that cannot be delivered
// reliably on the current platform (SIGSTOP/SIGCONT on some backends).
var ErrUnsupported = errors.New("ptysup: signal unsupported on this backend")

// Config describes how to spawn a single PTY-backed process.
type Config struct {
	Shell  string
	Args   []string
	Cols   int
	Rows   int
	CWD    string
	Env    map[string]string
	Policy EnvPolicy
	// GracefulTerminationEnabled gates whether gracefulTerminate sends
	// SIGTERM and waits before escalating to SIGKILL.
	GracefulTerminationEnabled bool
	// OnOutput is called with each chunk read from the PTY master.
	OnOutput func([]byte)
	// OnExit is called once, when the process has fully exited.
	OnExit func(exitCode int)
}

const (
	minCols = 1
	maxCols = 1000
	minRows = 1
	maxRows = 500
)

func validateDimensions(cols, rows int) error {
	if cols < minCols || cols > maxCols {
		return fmt.Errorf("ptysup: cols %d out of range [%d, %d]", cols, minCols, maxCols)
	}
	if rows < minRows || rows > maxRows {
		return fmt.Errorf("ptysup: rows %d out of range [%d, %d]", rows, minRows, maxRows)
	}
	return nil
}

func validateCWD(cwd string, allowed []string) error {
	if cwd == "" {
		return nil
	}
	info, err := os.Stat(cwd)
	if err != nil {
		return fmt.Errorf("ptysup: working directory %q does not exist: %w", cwd, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ptysup: working directory %q is not a directory", cwd)
	}
	if len(allowed) == 0 {
		return nil
	}
	canon, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		return fmt.Errorf("ptysup: canonicalize working directory: %w", err)
	}
	for _, a := range allowed {
		ca, err := filepath.EvalSymlinks(a)
		if err != nil {
			continue
		}
		if canon == ca || filepathHasPrefix(canon, ca) {
			return nil
		}
	}
	return fmt.Errorf("ptysup: working directory %q is not under an allowed root", cwd)
}

func filepathHasPrefix(path, prefix string) bool {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return rel == "." || (len(rel) > 0 && rel[0] != '.' && !filepath.IsAbs(rel))
}

// Handle is a live PTY-backed process: the owner of exactly one
// child, created by Spawn and driven to completion by gracefulTerminate
// or natural process exit.
type Handle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	terminating atomic.Bool
	mu          sync.Mutex
	state       State
	exitCode    int
	exitCh      chan struct{}

	lastIOMu sync.Mutex
	lastIO   time.Time

	startedAt time.Time

	onExit func(int)
}

// Spawn validates cfg, sanitizes its environment, and starts a PTY-backed
// child process.
func Spawn(cfg Config) (*Handle, error) {
	if err := validateDimensions(cfg.Cols, cfg.Rows); err != nil {
		return nil, err
	}
	if err := validateCWD(cfg.CWD, cfg.Policy.AllowedWorkingDirs); err != nil {
		return nil, err
	}
	shell, err := ValidateShell(cfg.Shell, cfg.Policy.AllowedShells)
	if err != nil {
		return nil, err
	}
	env, err := BuildEnv(cfg.Env, cfg.Policy)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(shell, cfg.Args...)
	cmd.Env = env
	if cfg.CWD != "" {
		cmd.Dir = cfg.CWD
	}
	// Graceful termination: Cancel is invoked on ctx cancellation, but we
	// drive termination explicitly through gracefulTerminate instead, so
	// this only backstops abrupt process-wide shutdown.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	size := &pty.Winsize{Cols: uint16(cfg.Cols), Rows: uint16(cfg.Rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("ptysup: start pty: %w", err)
	}

	h := &Handle{
		cmd:       cmd,
		ptmx:      ptmx,
		state:     StateRunning,
		exitCh:    make(chan struct{}),
		startedAt: time.Now(),
		onExit:    cfg.OnExit,
	}
	h.touchIO()

	go h.readLoop(cfg.OnOutput)
	go h.waitLoop()

	return h, nil
}

func (h *Handle) touchIO() {
	h.lastIOMu.Lock()
	h.lastIO = time.Now()
	h.lastIOMu.Unlock()
}

// LastIO returns the timestamp of the most recent read or write.
func (h *Handle) LastIO() time.Time {
	h.lastIOMu.Lock()
	defer h.lastIOMu.Unlock()
	return h.lastIO
}

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// PID returns the child process's PID.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) readLoop(onOutput func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			h.touchIO()
			if onOutput != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onOutput(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) waitLoop() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.state = StateTerminated
	h.exitCode = code
	h.mu.Unlock()
	close(h.exitCh)

	if h.onExit != nil {
		h.onExit(code)
	}
}

// Write sends bytes to the child's stdin (the PTY master).
func (h *Handle) Write(data []byte) error {
	if h.State() == StateTerminated {
		return ErrNotRunning
	}
	h.touchIO()
	_, err := h.ptmx.Write(data)
	return err
}

// Resize changes the PTY's dimensions.
func (h *Handle) Resize(cols, rows int) error {
	if h.State() == StateTerminated {
		return ErrNotRunning
	}
	if err := validateDimensions(cols, rows); err != nil {
		return err
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// SignalName is the supported set of signal names a client may request.
type SignalName string

const (
	SignalINT   SignalName = "SIGINT"
	SignalTERM  SignalName = "SIGTERM"
	SignalKILL  SignalName = "SIGKILL"
	SignalHUP   SignalName = "SIGHUP"
	SignalWINCH SignalName = "SIGWINCH"
	SignalSTOP  SignalName = "SIGSTOP"
	SignalCONT  SignalName = "SIGCONT"
)

// Signal delivers a signal to the child. SIGINT is delivered as the
// interrupt byte (0x03) written to the PTY, matching real terminal
// behavior; SIGSTOP/SIGCONT are best-effort and may return
// ErrUnsupported on platforms or backends that cannot reliably honor
// them — callers must treat that as a legitimate outcome, not a failure.
func (h *Handle) Signal(name SignalName) error {
	if h.State() == StateTerminated {
		return ErrNotRunning
	}
	switch name {
	case SignalINT:
		_, err := h.ptmx.Write([]byte{0x03})
		return err
	case SignalTERM:
		return h.cmd.Process.Signal(syscall.SIGTERM)
	case SignalKILL:
		return h.cmd.Process.Signal(syscall.SIGKILL)
	case SignalHUP:
		return h.cmd.Process.Signal(syscall.SIGHUP)
	case SignalWINCH:
		return h.cmd.Process.Signal(syscall.SIGWINCH)
	case SignalSTOP:
		if err := h.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
			return ErrUnsupported
		}
		return nil
	case SignalCONT:
		if err := h.cmd.Process.Signal(syscall.SIGCONT); err != nil {
			return ErrUnsupported
		}
		return nil
	default:
		return fmt.Errorf("ptysup: unknown signal %q", name)
	}
}

// Terminate is gracefulTerminate(0): no grace period, immediate SIGKILL
// escalation path.
func (h *Handle) Terminate() error {
	return h.GracefulTerminate(0)
}

// GracefulTerminate drives the child to TERMINATED: a check-and-set
// guards against re-entry, SIGTERM is sent and polled for with
// exponential backoff (50ms base, factor 1.5, capped at 500ms) within
// graceMs, then SIGKILL is sent if the process is still alive.
func (h *Handle) GracefulTerminate(graceMs int) error {
	if !h.terminating.CompareAndSwap(false, true) {
		<-h.exitCh
		return nil
	}

	if h.State() == StateTerminated {
		return nil
	}

	if graceMs > 0 {
		h.cmd.Process.Signal(syscall.SIGTERM)

		deadline := time.Now().Add(time.Duration(graceMs) * time.Millisecond)
		backoff := 50 * time.Millisecond
		for time.Now().Before(deadline) {
			select {
			case <-h.exitCh:
				return nil
			case <-time.After(minDuration(backoff, time.Until(deadline))):
			}
			backoff = time.Duration(float64(backoff) * 1.5)
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}

	// Still alive (or no grace period granted): escalate.
	h.cmd.Process.Signal(syscall.SIGKILL)

	select {
	case <-h.exitCh:
	case <-time.After(2 * time.Second):
		logger.Log.Warn("ptysup: SIGKILL confirmation timed out", "pid", h.PID())
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// WaitFor blocks until the process has exited and returns its exit code.
func (h *Handle) WaitFor(ctx context.Context) (int, error) {
	select {
	case <-h.exitCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
