// Package sysstat samples host resource usage for the periodic pipeline
// report.
package sysstat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/baxromumarov/dataplane/errs"
)

// Snapshot is one host resource sample.
type Snapshot struct {
	CPUPercent    float64
	MemUsedMB     float64
	MemUsedPct    float64
	MemTotalMB    float64
	SampledAt     time.Time
	CPUSampleTime time.Duration
}

// Sample measures host CPU usage over window and reads virtual memory.
// A window of 0 compares against the previous call.
func Sample(ctx context.Context, window time.Duration) (Snapshot, error) {
	snap := Snapshot{SampledAt: time.Now(), CPUSampleTime: window}

	pcts, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return snap, errs.Platform("cpu.Percent", err)
	}
	if len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, errs.Platform("mem.VirtualMemory", err)
	}
	snap.MemUsedMB = float64(vmem.Used) / 1024 / 1024
	snap.MemTotalMB = float64(vmem.Total) / 1024 / 1024
	snap.MemUsedPct = vmem.UsedPercent
	return snap, nil
}

// MarshalZerologObject lets a snapshot be logged with Object.
func (s Snapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Float64("cpu_pct", s.CPUPercent).
		Float64("mem_used_mb", s.MemUsedMB).
		Float64("mem_used_pct", s.MemUsedPct).
		Float64("mem_total_mb", s.MemTotalMB)
}
