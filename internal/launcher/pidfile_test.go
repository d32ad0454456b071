//go:build unix

package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPIDFileOwner(t *testing.T) {
	dir := t.TempDir()
	self := filepath.Join(dir, "self.pid")
	if err := writePIDFile(self, os.Getpid()); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, start, err := readPIDFile(self)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("read back %d %v", pid, err)
	}
	if pid, alive := pidFileOwner(self); !alive || pid != os.Getpid() {
		t.Fatalf("own pid should be alive, got %d %v", pid, alive)
	}

	if start > 0 {
		reused := filepath.Join(dir, "reused.pid")
		data := strconv.Itoa(os.Getpid()) + "\n{\"start_unix\":" + strconv.FormatInt(start-3600, 10) + "}\n"
		if err := os.WriteFile(reused, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, alive := pidFileOwner(reused); alive {
			t.Fatal("start time mismatch should count as a reused pid")
		}
	}

	garbage := filepath.Join(dir, "garbage.pid")
	if err := os.WriteFile(garbage, []byte("not a pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, alive := pidFileOwner(garbage); alive {
		t.Fatal("garbage pid file should be free")
	}
	if _, alive := pidFileOwner(filepath.Join(dir, "missing.pid")); alive {
		t.Fatal("missing pid file should be free")
	}
}

func TestProcessRefusesLiveWorker(t *testing.T) {
	dir := t.TempDir()
	if err := writePIDFile(filepath.Join(dir, "w1.pid"), os.Getpid()); err != nil {
		t.Fatal(err)
	}
	p := &Process{Path: "/bin/false"}
	_, err := p.Spawn(context.Background(), Spec{Name: "w1", Kind: "echo", Addr: "tcp://127.0.0.1:1", PIDDir: dir})
	if !errors.Is(err, ErrStillRunning) {
		t.Fatalf("expected ErrStillRunning, got %v", err)
	}
}
