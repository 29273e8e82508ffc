// Package rpc implements the request/response control adapter (C7): a
// newline-delimited JSON protocol over a Unix domain socket, driving the
// supervisor engine's command surface the way internal/app/logs/server.go
// drives its own socket-based protocol, generalized from one-way log
// broadcast to full request/response.
package rpc

import (
	"time"

	"overseer/internal/core/engine"
)

// Method names, matching the external interface table.
const (
	MethodLoadConfig   = "LoadConfig"
	MethodStart        = "Start"
	MethodStop         = "Stop"
	MethodRestart      = "Restart"
	MethodStatus       = "Status"
	MethodList         = "List"
	MethodListRunning  = "ListRunning"
	MethodCreateEnvVar = "CreateEnvVar"
	MethodUpdateEnvVar = "UpdateEnvVar"
	MethodDeleteEnvVar = "DeleteEnvVar"
)

// Request is one client call. Fields not used by Method are left zero.
type Request struct {
	Method string `json:"method"`
	Path   string `json:"path,omitempty"`
	Name   string `json:"name,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Response is the reply to one Request.
type Response struct {
	Error     string     `json:"error,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Snapshot  *Snapshot  `json:"snapshot,omitempty"`
	Snapshots []Snapshot `json:"snapshots,omitempty"`
}

// Snapshot is the wire form of engine.Snapshot: error values don't survive
// JSON round-trips, so LastErr becomes a plain string.
type Snapshot struct {
	Project     string    `json:"project"`
	Name        string    `json:"name"`
	ServiceID   string    `json:"service_id"`
	State       string    `json:"state"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	ExitCode    int       `json:"exit_code"`
	LastErr     string    `json:"last_err,omitempty"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	AutoRestart bool      `json:"auto_restart"`
}

func snapshotToWire(s engine.Snapshot) Snapshot {
	w := Snapshot{
		Project:     s.Project,
		Name:        s.Name,
		ServiceID:   s.ServiceID,
		State:       s.State,
		PID:         s.PID,
		StartedAt:   s.StartedAt,
		ExitCode:    s.ExitCode,
		CPUPercent:  s.CPUPercent,
		MemoryBytes: s.MemoryBytes,
		AutoRestart: s.AutoRestart,
	}

	if s.LastErr != nil {
		w.LastErr = s.LastErr.Error()
	}

	return w
}
