//go:build unix

package launcher

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcplane/internal/env"
	"github.com/loykin/svcplane/internal/envelope"
	"github.com/loykin/svcplane/internal/kinds"
	"github.com/loykin/svcplane/internal/logger"
	"github.com/loykin/svcplane/internal/unit"
)

const helperEnv = "SVCPLANE_HELPER_WORKER"

// TestHelperWorker is not a real test: it is the worker entry point of the
// child processes started by the tests below.
func TestHelperWorker(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	var wa WorkerArgs
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	wa.Bind(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := RunWorker(ctx, wa, kinds.Default(), nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func helperLauncher() *Process {
	return &Process{
		Path:        os.Args[0],
		Args:        []string{"-test.run=^TestHelperWorker$", "--"},
		Env:         append(os.Environ(), helperEnv+"=1"),
		StopTimeout: 5 * time.Second,
	}
}

func TestProcessRejectsInproc(t *testing.T) {
	_, err := helperLauncher().Spawn(context.Background(), Spec{Name: "p", Kind: kinds.Echo, Addr: "inproc://x"})
	assert.ErrorIs(t, err, ErrInprocAddress)
}

func TestProcessLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	b := listen(t, "tcp://127.0.0.1:0")
	dir := t.TempDir()
	spec := Spec{
		Name:     "p1",
		Kind:     kinds.Ticker,
		Addr:     b.Addr(),
		Interval: 10 * time.Millisecond,
		Log:      logger.Config{File: logger.FileConfig{Dir: filepath.Join(dir, "logs")}},
		PIDDir:   filepath.Join(dir, "run"),
	}
	h, err := helperLauncher().Spawn(context.Background(), spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Kill() })

	assert.Equal(t, unit.StateActive, recvState(t, b, "p1", 10*time.Second))
	assert.True(t, h.IsAlive())

	pidFile := filepath.Join(dir, "run", "p1.pid")
	pid, _, err := readPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, h.(*processHandle).PID(), pid)

	require.NoError(t, b.Send("p1", envelope.StopFrames()...))
	assert.NoError(t, wait(t, h))
	assert.False(t, h.IsAlive())
	assert.NoFileExists(t, pidFile)
	assert.FileExists(t, filepath.Join(dir, "logs", "p1.stderr.log"))
}

func TestProcessKillIsGraceful(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	b := listen(t, "tcp://127.0.0.1:0")
	h, err := helperLauncher().Spawn(context.Background(), Spec{Name: "p2", Kind: kinds.Echo, Addr: b.Addr(), Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, unit.StateActive, recvState(t, b, "p2", 10*time.Second))

	require.NoError(t, h.Kill())
	assert.NoError(t, wait(t, h))
	assert.Equal(t, unit.StateInitial, recvState(t, b, "p2", 5*time.Second))
}

func TestProcessFaultExitsNonZero(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	b := listen(t, "tcp://127.0.0.1:0")
	h, err := helperLauncher().Spawn(context.Background(), Spec{
		Name:     "p3",
		Kind:     kinds.Faulty,
		Addr:     b.Addr(),
		Interval: 10 * time.Millisecond,
		Params:   map[string]string{"after": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, unit.StateActive, recvState(t, b, "p3", 10*time.Second))

	err = wait(t, h)
	assert.Error(t, err)
	assert.False(t, h.IsAlive())
}

func TestProcessEnvReplacesEnvironment(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	t.Setenv("SVCPLANE_PARENT_ONLY", "leaked")
	out := filepath.Join(t.TempDir(), "env.txt")
	p := &Process{
		Path: "/bin/sh",
		Args: []string{"-c", "env > " + out},
		Env:  env.New().Merge([]string{"ONLY=me"}),
	}
	h, err := p.Spawn(context.Background(), Spec{Name: "envcheck", Kind: kinds.Echo, Addr: "tcp://127.0.0.1:1"})
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ONLY=me")
	assert.NotContains(t, string(raw), "SVCPLANE_PARENT_ONLY")
}

func TestProcessUnwritableLogDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	p := &Process{Path: "/bin/true"}
	_, err := p.Spawn(context.Background(), Spec{
		Name: "nolog",
		Kind: kinds.Echo,
		Addr: "tcp://127.0.0.1:1",
		Log:  logger.Config{File: logger.FileConfig{Dir: filepath.Join(blocker, "logs")}},
	})
	assert.Error(t, err)
}
