//go:build unix

package launcher

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/renameio/v2"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// A PID file holds the pid on the first line and, when it could be read,
// the process start time as JSON on the second, so a reused pid is not
// mistaken for the worker.
type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n"
	if start := procStartUnix(pid); start > 0 {
		meta, _ := json.Marshal(pidMeta{StartUnix: start})
		data += string(meta) + "\n"
	}
	return renameio.WriteFile(path, []byte(data), 0o600)
}

func readPIDFile(path string) (pid int, start int64, err error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if len(lines) > 1 {
		var m pidMeta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			start = m.StartUnix
		}
	}
	return pid, start, nil
}

// pidFileOwner reports the pid recorded at path and whether that process is
// still the one that wrote it. Missing or unreadable files count as free.
func pidFileOwner(path string) (int, bool) {
	pid, start, err := readPIDFile(path)
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return pid, false
	}
	if start > 0 {
		if cur := procStartUnix(pid); cur > 0 && cur != start {
			return pid, false
		}
	}
	return pid, true
}

// procStartUnix returns the start time of pid in Unix seconds, or 0.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return procStartUnixLinux(pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// procStartUnixLinux reads starttime, field 22 of /proc/<pid>/stat, in clock
// ticks since boot.
func procStartUnixLinux(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(line[end+2:])
	if len(parts) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	btime := bootTimeLinux()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + ticks/clk
}

func bootTimeLinux() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return bt
			}
		}
	}
	return 0
}
