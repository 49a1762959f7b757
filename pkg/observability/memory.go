package observability

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// MemoryMonitor periodically samples the process's resident set size while a
// batch runs. It backs the engine's bounded-memory guarantee with observable
// evidence: the peak sample is reported in the batch log and every sample
// lands in the resident memory gauge.
type MemoryMonitor struct {
	proc     *process.Process
	interval time.Duration
	logger   *zap.Logger

	peak atomic.Uint64
	done chan struct{}
}

// NewMemoryMonitor creates a monitor sampling at the given interval.
func NewMemoryMonitor(interval time.Duration, logger *zap.Logger) *MemoryMonitor {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &MemoryMonitor{
		proc:     proc,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins sampling until the context is cancelled or Stop is called.
func (m *MemoryMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

// Stop ends sampling and logs the peak observed RSS.
func (m *MemoryMonitor) Stop() {
	close(m.done)
	m.sample()
	m.logger.Info("memory monitor stopped", zap.Uint64("peak_rss_bytes", m.peak.Load()))
}

// PeakRSS returns the largest resident set size sampled so far.
func (m *MemoryMonitor) PeakRSS() uint64 {
	return m.peak.Load()
}

func (m *MemoryMonitor) sample() {
	if m.proc == nil {
		return
	}
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return
	}
	RecordResidentMemory(info.RSS)
	for {
		prev := m.peak.Load()
		if info.RSS <= prev || m.peak.CompareAndSwap(prev, info.RSS) {
			break
		}
	}
}
