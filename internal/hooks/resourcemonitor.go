// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hooks

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSample is one host/process snapshot, attached to report.json
// under a resource_usage key.
type ResourceSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	RSSBytes      uint64  `json:"rss_bytes"`
	Goroutines    int     `json:"goroutines"`
	SampledAt     string  `json:"sampled_at"`
}

// ResourceMonitor periodically samples this process's CPU/RSS and the
// host's memory pressure, generalized from the teacher's
// agent/monitor.go SystemMonitor (which samples CPU/mem/disk/load for
// throttling decisions) into a pure observability feed with no bearing on
// backpressure or scheduling here.
type ResourceMonitor struct {
	logger *slog.Logger
	proc   *process.Process

	mu     sync.RWMutex
	latest ResourceSample

	close chan struct{}
	wg    sync.WaitGroup
}

// NewResourceMonitor creates a monitor for the current process.
func NewResourceMonitor(logger *slog.Logger) (*ResourceMonitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := process.NewProcess(int32(currentPID()))
	if err != nil {
		return nil, err
	}
	return &ResourceMonitor{
		logger: logger.With("component", "resource_monitor"),
		proc:   p,
		close:  make(chan struct{}),
	}, nil
}

// Start begins periodic sampling on the given interval.
func (r *ResourceMonitor) Start(interval time.Duration) {
	r.wg.Add(1)
	go r.run(interval)
}

// Stop halts sampling.
func (r *ResourceMonitor) Stop() {
	close(r.close)
	r.wg.Wait()
}

// Latest returns the most recently collected sample.
func (r *ResourceMonitor) Latest() ResourceSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

func (r *ResourceMonitor) run(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.collect()
	for {
		select {
		case <-r.close:
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

func (r *ResourceMonitor) collect() {
	sample := ResourceSample{SampledAt: time.Now().UTC().Format(time.RFC3339)}

	if pct, err := r.proc.CPUPercent(); err == nil {
		sample.CPUPercent = pct
	} else {
		r.logger.Debug("failed to collect process cpu", "error", err)
	}

	if info, err := r.proc.MemoryInfo(); err == nil && info != nil {
		sample.RSSBytes = info.RSS
	} else {
		r.logger.Debug("failed to collect process memory", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = v.UsedPercent
	} else {
		r.logger.Debug("failed to collect host memory", "error", err)
	}

	sample.Goroutines = numGoroutine()

	r.mu.Lock()
	r.latest = sample
	r.mu.Unlock()
}

// AsUsageMetrics renders a sample into the same shape an operator's
// ReportUsage would, so it can be folded into a stats hook alongside
// operator-reported metrics under a distinct node id.
func (s ResourceSample) AsUsageMetrics() map[string]any {
	return map[string]any{
		"cpu_percent":    s.CPUPercent,
		"memory_percent": s.MemoryPercent,
		"rss_bytes":      float64(s.RSSBytes),
		"goroutines":     float64(s.Goroutines),
	}
}

func currentPID() int { return os.Getpid() }

func numGoroutine() int { return runtime.NumGoroutine() }
