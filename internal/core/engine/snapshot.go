package engine

import (
	"time"

	"overseer/internal/core/configreg"
	"overseer/internal/core/table"
)

// Snapshot is the read-only view of one process handed to control adapters;
// it never aliases the table's own Entry so an adapter can't mutate state
// outside a command.
type Snapshot struct {
	Project     string
	Name        string
	ServiceID   string
	State       string
	PID         int
	StartedAt   time.Time
	ExitCode    int
	LastErr     error
	CPUPercent  float64
	MemoryBytes uint64
	AutoRestart bool
}

func snapshotOf(entry *table.Entry, svc *configreg.Service) Snapshot {
	cpu, mem := entry.Stats()

	s := Snapshot{
		Project:     entry.Key.Project,
		Name:        entry.Key.Name,
		ServiceID:   entry.ServiceID,
		State:       entry.State(),
		PID:         entry.PID,
		StartedAt:   entry.StartedAt,
		ExitCode:    entry.ExitCode,
		LastErr:     entry.LastErr,
		CPUPercent:  cpu,
		MemoryBytes: mem,
	}

	if svc != nil {
		s.AutoRestart = svc.AutoRestart
	}

	return s
}
