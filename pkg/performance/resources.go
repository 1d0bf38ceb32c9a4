// Package performance samples process resource usage during a coalescing run.
package performance

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/ajitpratap0/coalesce/pkg/errors"
)

// allocationTracker is implemented by arrow allocators that count live bytes,
// such as memory.CheckedAllocator.
type allocationTracker interface {
	CurrentAlloc() int
}

// ResourceUsage contains resource usage information
type ResourceUsage struct {
	CPUPercent            float64 `json:"cpu_percent"`
	MemoryRSS             uint64  `json:"memory_rss_bytes"`
	MemoryVMS             uint64  `json:"memory_vms_bytes"`
	PeakRSS               uint64  `json:"peak_rss_bytes"`
	SystemMemoryPercent   float64 `json:"system_memory_percent"`
	SystemMemoryAvailable uint64  `json:"system_memory_available_bytes"`
	ArrowAllocatedBytes   int64   `json:"arrow_allocated_bytes,omitempty"`
	GoroutineCount        int     `json:"goroutines"`
	ThreadCount           int32   `json:"threads"`
}

// ResourceMonitor monitors the resources of the current process
type ResourceMonitor struct {
	process      *process.Process
	tracker      allocationTracker
	startCPUTime float64
	startTime    time.Time

	mu      sync.Mutex
	peakRSS uint64
}

// MonitorOption configures a ResourceMonitor.
type MonitorOption func(*ResourceMonitor)

// WithAllocator reports live bytes of alloc when it tracks them.
func WithAllocator(alloc any) MonitorOption {
	return func(rm *ResourceMonitor) {
		if t, ok := alloc.(allocationTracker); ok {
			rm.tracker = t
		}
	}
}

// NewResourceMonitor creates a resource monitor for this process
func NewResourceMonitor(opts ...MonitorOption) (*ResourceMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to inspect current process")
	}

	rm := &ResourceMonitor{
		process:   proc,
		startTime: time.Now(),
	}
	if cpuTime, err := proc.Times(); err == nil {
		rm.startCPUTime = cpuTime.Total()
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm, nil
}

// Usage returns current resource usage. Fields that cannot be read on this
// platform are left zero.
func (rm *ResourceMonitor) Usage() ResourceUsage {
	var usage ResourceUsage

	if cpuTime, err := rm.process.Times(); err == nil {
		if elapsed := time.Since(rm.startTime).Seconds(); elapsed > 0 {
			usage.CPUPercent = ((cpuTime.Total() - rm.startCPUTime) / elapsed) * 100
		}
	}

	if memInfo, err := rm.process.MemoryInfo(); err == nil {
		usage.MemoryRSS = memInfo.RSS
		usage.MemoryVMS = memInfo.VMS
	}
	usage.PeakRSS = rm.observePeak(usage.MemoryRSS)

	if vmStat, err := mem.VirtualMemory(); err == nil {
		usage.SystemMemoryPercent = vmStat.UsedPercent
		usage.SystemMemoryAvailable = vmStat.Available
	}

	if rm.tracker != nil {
		usage.ArrowAllocatedBytes = int64(rm.tracker.CurrentAlloc())
	}
	usage.GoroutineCount = runtime.NumGoroutine()
	usage.ThreadCount, _ = rm.process.NumThreads()
	return usage
}

func (rm *ResourceMonitor) observePeak(rss uint64) uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rss > rm.peakRSS {
		rm.peakRSS = rss
	}
	return rm.peakRSS
}

// Sample polls Usage every interval until ctx is done so that PeakRSS
// reflects the whole run.
func (rm *ResourceMonitor) Sample(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.Usage()
		}
	}
}
