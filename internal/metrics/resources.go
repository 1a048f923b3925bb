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

	tvproc "github.com/loykin/tracevisor/internal/process"
)

// ResourceSample is one observation of the supervised process tree.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds"`
	TreeSize   int       `json:"tree_size"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceCollector periodically samples CPU and memory of the supervised
// server and its descendants.
type ResourceCollector struct {
	interval time.Duration

	mu     sync.RWMutex
	last   ResourceSample
	ok     bool
	cancel context.CancelFunc
	done   chan struct{}

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
	treeSize   prometheus.Gauge
}

func NewResourceCollector(interval time.Duration) *ResourceCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceCollector{
		interval: interval,
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cpu_percent", Help: "CPU usage of the supervised server process.",
		}, []string{"pid"}),
		memoryRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "memory_rss_bytes", Help: "Resident memory of the supervised server process.",
		}, []string{"pid"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "threads", Help: "Thread count of the supervised server process.",
		}, []string{"pid"}),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "open_fds", Help: "Open file descriptors of the supervised server process.",
		}, []string{"pid"}),
		treeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "process_tree_size", Help: "Number of processes in the supervised tree, root included.",
		}),
	}
}

// RegisterMetrics registers the resource gauges.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads, c.numFDs, c.treeSize} {
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

// Start samples pid() every interval until ctx is done or Stop is called.
// pid returns a non-positive value when no server is owned.
func (c *ResourceCollector) Start(ctx context.Context, pid func() int) {
	cctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			c.collect(pid())
			select {
			case <-cctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}

// Stop ends sampling and waits for the sampling goroutine.
func (c *ResourceCollector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Last returns the latest sample, if any.
func (c *ResourceCollector) Last() (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.ok
}

func (c *ResourceCollector) collect(pid int) {
	if pid <= 0 {
		c.reset()
		return
	}
	s, err := Sample(int32(pid))
	if err != nil {
		slog.Debug("Failed to sample server resources", "pid", pid, "error", err)
		c.reset()
		return
	}
	label := fmt.Sprint(pid)
	c.cpuPercent.Reset()
	c.memoryRSS.Reset()
	c.numThreads.Reset()
	c.numFDs.Reset()
	c.cpuPercent.WithLabelValues(label).Set(s.CPUPercent)
	c.memoryRSS.WithLabelValues(label).Set(float64(s.MemoryRSS))
	c.numThreads.WithLabelValues(label).Set(float64(s.NumThreads))
	if runtime.GOOS != "windows" && s.NumFDs > 0 {
		c.numFDs.WithLabelValues(label).Set(float64(s.NumFDs))
	}
	c.treeSize.Set(float64(s.TreeSize))

	c.mu.Lock()
	c.last, c.ok = s, true
	c.mu.Unlock()
}

func (c *ResourceCollector) reset() {
	c.cpuPercent.Reset()
	c.memoryRSS.Reset()
	c.numThreads.Reset()
	c.numFDs.Reset()
	c.treeSize.Set(0)
	c.mu.Lock()
	c.ok = false
	c.mu.Unlock()
}

// Sample reads resource usage of pid, counting its descendants in TreeSize.
func Sample(pid int32) (ResourceSample, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	s := ResourceSample{PID: pid, MemoryRSS: mem.RSS, Timestamp: time.Now(), TreeSize: 1}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	s.TreeSize += len(tvproc.Descendants(int(pid)))
	return s, nil
}
