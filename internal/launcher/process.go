//go:build unix

package launcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/loykin/svcplane/internal/transport"
)

// DefaultStopTimeout is how long Kill waits after SIGTERM before SIGKILL.
const DefaultStopTimeout = 3 * time.Second

// Process runs each unit as a child process executing Path with Args followed
// by the worker flags. Units connect back over tcp://.
type Process struct {
	// Path of the binary, defaults to the running executable.
	Path string
	// Args precede the worker flags, defaults to ["worker"].
	Args []string
	// Env is the complete child environment. Nil inherits os.Environ().
	Env         []string
	Logger      *slog.Logger
	StopTimeout time.Duration
}

func (p *Process) Spawn(_ context.Context, spec Spec) (Handle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	scheme, _, err := transport.SplitAddr(spec.Addr)
	if err != nil {
		return nil, err
	}
	if scheme != transport.SchemeTCP {
		return nil, fmt.Errorf("%w: %s", ErrInprocAddress, spec.Addr)
	}

	path := p.Path
	if path == "" {
		if path, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("launcher: resolve executable: %w", err)
		}
	}
	args := p.Args
	if args == nil {
		args = []string{"worker"}
	}
	args = append(append([]string(nil), args...), workerArgs(spec).Args()...)

	cmd := exec.Command(path, args...)
	if p.Env != nil {
		cmd.Env = p.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var pidFile string
	if spec.PIDDir != "" {
		pidFile = filepath.Join(spec.PIDDir, spec.Name+".pid")
		if pid, alive := pidFileOwner(pidFile); alive {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrStillRunning, spec.Name, pid)
		}
	}

	if spec.Log.File.Dir != "" {
		if err := os.MkdirAll(spec.Log.File.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("launcher: log dir for %s: %w", spec.Name, err)
		}
	}
	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("launcher: log writers for %s: %w", spec.Name, err)
	}
	var closers []io.Closer
	cmd.Stdout, closers = sink(outW, closers)
	cmd.Stderr, closers = sink(errW, closers)

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("launcher: start %s: %w", spec.Name, err)
	}

	h := &processHandle{
		name:        spec.Name,
		cmd:         cmd,
		closers:     closers,
		done:        make(chan struct{}),
		stopTimeout: p.StopTimeout,
	}
	if h.stopTimeout <= 0 {
		h.stopTimeout = DefaultStopTimeout
	}
	if pidFile != "" {
		if err := writePIDFile(pidFile, cmd.Process.Pid); err != nil {
			loggerOr(p.Logger).Warn("failed to write pid file", "unit", spec.Name, "path", pidFile, "err", err)
		} else {
			h.pidFile = pidFile
		}
	}
	loggerOr(p.Logger).Info("unit process started", "unit", spec.Name, "pid", cmd.Process.Pid)
	go h.monitor()
	return h, nil
}

// sink returns w, or /dev/null when w is nil.
func sink(w io.WriteCloser, closers []io.Closer) (io.Writer, []io.Closer) {
	if w == nil {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return io.Discard, closers
		}
		return null, append(closers, null)
	}
	return w, append(closers, w)
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

type processHandle struct {
	name        string
	cmd         *exec.Cmd
	closers     []io.Closer
	pidFile     string
	stopTimeout time.Duration

	done chan struct{}
	err  error // written before done is closed
}

// monitor is the only caller of cmd.Wait.
func (h *processHandle) monitor() {
	err := h.cmd.Wait()
	closeAll(h.closers)
	if h.pidFile != "" {
		_ = os.Remove(h.pidFile)
	}
	if err != nil {
		h.err = fmt.Errorf("unit %s: %w", h.name, err)
	}
	close(h.done)
}

func (h *processHandle) PID() int { return h.cmd.Process.Pid }

// IsAlive probes the child with signal 0. On Linux an exited but unreaped
// child is a zombie and counts as dead.
func (h *processHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	pid := h.cmd.Process.Pid
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (h *processHandle) Wait() error {
	<-h.done
	return h.err
}

// Kill sends SIGTERM to the unit's process group, which the worker turns into
// a graceful stop, and escalates to SIGKILL after the stop timeout.
func (h *processHandle) Kill() error {
	if !h.IsAlive() {
		return nil
	}
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("launcher: signal %s: %w", h.name, err)
	}
	t := time.NewTimer(h.stopTimeout)
	defer t.Stop()
	select {
	case <-h.done:
		return nil
	case <-t.C:
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-h.done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return nil
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
