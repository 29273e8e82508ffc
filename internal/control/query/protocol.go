// Package query implements the read/subscribe control adapter (C7): status
// and list queries plus six lifecycle event streams, served over
// gorilla/websocket and fanned out through a Hub grounded on
// internal/app/logs/hub.go's register/unregister/broadcast actor loop,
// generalized from one-way log-line broadcast to typed lifecycle events.
package query

import (
	"time"

	"overseer/internal/core/bus"
	"overseer/internal/core/engine"
)

// Stream names, matching spec §6's subscription surface.
const (
	StreamOnStart      = "onStart"
	StreamOnStop       = "onStop"
	StreamOnRestart    = "onRestart"
	StreamOnStartAll   = "onStartAll"
	StreamOnStopAll    = "onStopAll"
	StreamOnRestartAll = "onRestartAll"
)

// streamKinds maps each stream to the bus.Kind that completes it: onStart
// fires once a service reaches Running, onStop once it reaches Stopped,
// onRestart once a restart's respawn succeeds (ServiceRestarted) — the
// "after" event, not the "in progress" ServiceStarting/ServiceRestarting
// ones a client would see mid-transition.
var streamKinds = map[string]bus.Kind{
	StreamOnStart:      bus.ServiceRunning,
	StreamOnStop:       bus.ServiceStopped,
	StreamOnRestart:    bus.ServiceRestarted,
	StreamOnStartAll:   bus.AllStarted,
	StreamOnStopAll:    bus.AllStopped,
	StreamOnRestartAll: bus.AllRestarted,
}

func kindToStream(k bus.Kind) (string, bool) {
	for stream, kind := range streamKinds {
		if kind == k {
			return stream, true
		}
	}

	return "", false
}

// Query methods a client may issue over the same connection as a
// subscription.
const (
	MethodStatus      = "Status"
	MethodList        = "List"
	MethodListRunning = "ListRunning"
)

// ClientMessage is sent by a websocket client: either a stream subscription
// or a one-shot read query.
type ClientMessage struct {
	Type    string   `json:"type"` // "subscribe" | "query"
	Streams []string `json:"streams,omitempty"`
	Method  string   `json:"method,omitempty"`
	Path    string   `json:"path,omitempty"`
	Name    string   `json:"name,omitempty"`
}

// ServerMessage is sent by the server in reply to a query or as a stream
// event.
type ServerMessage struct {
	Type      string     `json:"type"` // "event" | "result" | "error"
	Stream    string     `json:"stream,omitempty"`
	Event     *EventData `json:"event_data,omitempty"`
	Snapshot  *Snapshot  `json:"snapshot,omitempty"`
	Snapshots []Snapshot `json:"snapshots,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// EventData is the wire form of a bus.Event delivered on a stream.
type EventData struct {
	Name      string    `json:"name,omitempty"`
	Project   string    `json:"project,omitempty"`
	ServiceID string    `json:"service_id,omitempty"`
	Services  []string  `json:"services,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func eventToWire(evt bus.Event) EventData {
	return EventData{
		Name:      evt.Name,
		Project:   evt.Project,
		ServiceID: evt.ServiceID,
		Services:  evt.Services,
		Timestamp: evt.Timestamp,
	}
}

// Snapshot is the wire form of engine.Snapshot.
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
