package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU and memory reading of a unit process.
type ResourceSample struct {
	Unit       string    `json:"unit"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for unit resource sampling.
type ResourceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	HistorySize int           `mapstructure:"history_size"`
}

// ring is a fixed-size circular buffer of samples.
type ring struct {
	buf   []ResourceSample
	start int
	count int
}

func (r *ring) add(s ResourceSample) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) latest() ResourceSample {
	return r.buf[(r.start+r.count-1)%len(r.buf)]
}

func (r *ring) ordered() []ResourceSample {
	out := make([]ResourceSample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// ResourceCollector samples the processes of process-mode units with gopsutil
// and exports them as gauges labelled by unit.
type ResourceCollector struct {
	enabled     bool
	interval    time.Duration
	historySize int

	mu      sync.RWMutex
	history map[string]*ring

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	size := cfg.HistorySize
	if size <= 0 {
		size = 60
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "unit",
			Name:      name,
			Help:      help,
		}, []string{"unit"})
	}
	return &ResourceCollector{
		enabled:     cfg.Enabled,
		interval:    interval,
		historySize: size,
		history:     make(map[string]*ring),
		stopCh:      make(chan struct{}),
		cpuPercent:  gauge("cpu_percent", "CPU usage percentage of process units."),
		memoryRSS:   gauge("memory_rss_bytes", "Resident memory of process units."),
		numThreads:  gauge("num_threads", "Number of threads of process units."),
		numFDs:      gauge("num_fds", "Open file descriptors of process units (Unix only)."),
	}
}

func (c *ResourceCollector) Enabled() bool { return c.enabled }

// RegisterMetrics registers the gauges with r.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every unit in pids and forgets units that are
// no longer listed.
func (c *ResourceCollector) Collect(pids map[string]int32) {
	now := time.Now()
	samples := make([]ResourceSample, 0, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := sample(name, pid, now)
		if err != nil {
			slog.Debug("failed to sample unit process", "unit", name, "pid", pid, "err", err)
			continue
		}
		samples = append(samples, s)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range samples {
		c.cpuPercent.WithLabelValues(s.Unit).Set(s.CPUPercent)
		c.memoryRSS.WithLabelValues(s.Unit).Set(float64(s.MemoryRSS))
		c.numThreads.WithLabelValues(s.Unit).Set(float64(s.NumThreads))
		if runtime.GOOS != "windows" && s.NumFDs > 0 {
			c.numFDs.WithLabelValues(s.Unit).Set(float64(s.NumFDs))
		}
		r, ok := c.history[s.Unit]
		if !ok {
			r = &ring{buf: make([]ResourceSample, c.historySize)}
			c.history[s.Unit] = r
		}
		r.add(s)
	}
	for name := range c.history {
		if _, ok := pids[name]; ok {
			continue
		}
		delete(c.history, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryRSS.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
}

func sample(name string, pid int32, at time.Time) (ResourceSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	s := ResourceSample{
		Unit:      name,
		PID:       pid,
		MemoryRSS: mem.RSS,
		MemoryVMS: mem.VMS,
		Timestamp: at,
	}
	// CPUPercent and NumThreads degrade to zero rather than dropping the sample
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}

// Latest returns the most recent sample of unit.
func (c *ResourceCollector) Latest(unit string) (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.history[unit]
	if !ok || r.count == 0 {
		return ResourceSample{}, false
	}
	return r.latest(), true
}

// History returns the retained samples of unit, oldest first.
func (c *ResourceCollector) History(unit string) []ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.history[unit]
	if !ok {
		return nil
	}
	return r.ordered()
}
