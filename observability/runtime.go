package observability

import (
	"context"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int     `json:"goroutines"`
	MemoryAllocMB   float64 `json:"memory_alloc_mb"`
	MemorySysMB     float64 `json:"memory_sys_mb"`
	GCCount         uint32  `json:"gc_count"`
}

// CollectRuntimeMetrics reads the current runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// RecordRuntime records one sample of the runtime metrics into mm.
func RecordRuntime(mm *MetricsManager) {
	m := CollectRuntimeMetrics()
	now := time.Now()
	mm.Record(&Metric{Name: MetricGoroutinesCount, Timestamp: now, Value: float64(m.GoroutinesCount), Unit: "count"})
	mm.Record(&Metric{Name: MetricMemoryAllocMB, Timestamp: now, Value: m.MemoryAllocMB, Unit: "megabytes"})
	mm.Record(&Metric{Name: MetricGCCount, Timestamp: now, Value: float64(m.GCCount), Unit: "count"})
}

// SampleRuntime records a runtime sample immediately and then every
// interval until ctx is done.
func SampleRuntime(ctx context.Context, mm *MetricsManager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	RecordRuntime(mm)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RecordRuntime(mm)
		}
	}
}
