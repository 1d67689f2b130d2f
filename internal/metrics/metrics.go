// Package metrics samples host CPU and memory usage for the frame overlay.
package metrics

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sampler reports CPU and RAM usage as percentages.
type Sampler interface {
	Sample(ctx context.Context) (cpuPct, memPct float64)
}

// Collector samples the host through gopsutil. Readings are best effort: a failed reading is 0.
// The CPU figure is the utilisation since the previous call, so the first sample may be 0.
type Collector struct {
	once sync.Once
}

// NewCollector returns a host Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Sample returns the current CPU and RAM utilisation.
func (c *Collector) Sample(ctx context.Context) (float64, float64) {
	var cpuPct, memPct float64

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	} else if err != nil {
		c.warn("cpu", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	} else {
		c.warn("mem", err)
	}
	return cpuPct, memPct
}

func (c *Collector) warn(what string, err error) {
	c.once.Do(func() {
		slog.Warn("host metrics unavailable, reporting 0", "metric", what, "error", err)
	})
}

// Static reports fixed values.
type Static struct {
	CPU float64
	Mem float64
}

// Sample returns the fixed values.
func (s Static) Sample(context.Context) (float64, float64) {
	return s.CPU, s.Mem
}
