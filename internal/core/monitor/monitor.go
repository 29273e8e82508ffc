// Package monitor samples CPU and memory usage for supervised processes and
// writes them back onto the process table so status queries can report
// live resource figures alongside FSM state.
package monitor

import (
	"context"
	"math"

	"github.com/shirou/gopsutil/v4/process"
)

// Stats holds a single resource usage sample for one PID.
type Stats struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// Sampler reads resource usage for a running process.
type Sampler interface {
	Sample(ctx context.Context, pid int) (Stats, error)
}

type gopsutilSampler struct{}

// NewSampler creates a Sampler backed by gopsutil.
func NewSampler() Sampler {
	return &gopsutilSampler{}
}

func (s *gopsutilSampler) Sample(ctx context.Context, pid int) (Stats, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return Stats{}, nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- PID range checked above
	if err != nil {
		return Stats{}, err
	}

	var stats Stats

	cpuPercent, err := proc.CPUPercentWithContext(ctx)
	if err == nil {
		stats.CPUPercent = cpuPercent
	}

	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err == nil {
		stats.MemoryBytes = memInfo.RSS
	}

	return stats, nil
}
