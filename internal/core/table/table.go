// Package table implements the process table (C2): the single shared record
// of every known process, its current state, and its state machine.
package table

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// State names, matching the supervisor engine's state diagram.
const (
	StateLoaded     = "loaded"
	StateStarting   = "starting"
	StateRunning    = "running"
	StateStopping   = "stopping"
	StateStopped    = "stopped"
	StateRestarting = "restarting"
	StateFailed     = "failed"
)

// FSM event names.
const (
	EventStart    = "start"
	EventRunning  = "running"
	EventStop     = "stop"
	EventStopped  = "stopped"
	EventRestart  = "restart"
	EventFail     = "fail"
	EventReset    = "reset"
)

// Key identifies a process uniquely: a service name scoped to a project (a
// configuration path). Two configurations may declare services with the
// same name without colliding.
type Key struct {
	Project string
	Name    string
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.Project, k.Name) }

// Entry is the process table's record for one service.
type Entry struct {
	Key         Key
	ServiceID   string
	PID         int
	StartedAt   time.Time
	ExitCode    int
	LastErr     error
	CPUPercent  float64
	MemoryBytes uint64

	mu  sync.Mutex
	fsm *fsm.FSM
}

// State returns the entry's current FSM state.
func (e *Entry) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.fsm.Current()
}

// Fire drives the entry's state machine under the entry's mutex, the same
// lock State and the monitor goroutine's SetStats take.
func (e *Entry) Fire(ctx context.Context, event string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.fsm.Event(ctx, event)
}

// Stats returns the entry's last-sampled resource usage.
func (e *Entry) Stats() (cpuPercent float64, memoryBytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.CPUPercent, e.MemoryBytes
}

// SetStats records a resource usage sample taken by the monitor poller,
// which runs on its own goroutine independent of the engine's command loop.
func (e *Entry) SetStats(cpuPercent float64, memoryBytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.CPUPercent = cpuPercent
	e.MemoryBytes = memoryBytes
}

func newEntry(key Key, serviceID string) *Entry {
	e := &Entry{Key: key, ServiceID: serviceID}

	e.fsm = fsm.NewFSM(
		StateLoaded,
		fsm.Events{
			{Name: EventStart, Src: []string{StateLoaded, StateStopped, StateFailed, StateRunning, StateRestarting}, Dst: StateStarting},
			{Name: EventRunning, Src: []string{StateStarting}, Dst: StateRunning},
			{Name: EventStop, Src: []string{StateRunning, StateStarting}, Dst: StateStopping},
			{Name: EventStopped, Src: []string{StateStopping, StateRestarting}, Dst: StateStopped},
			{Name: EventRestart, Src: []string{StateRunning, StateFailed, StateStopped}, Dst: StateRestarting},
			{Name: EventFail, Src: []string{StateStarting, StateRunning, StateRestarting}, Dst: StateFailed},
			{Name: EventReset, Src: []string{StateFailed, StateStopped}, Dst: StateLoaded},
		},
		fsm.Callbacks{},
	)

	return e
}

// Table is the process table contract used by the engine and by read-only
// control adapters.
type Table interface {
	// Put registers a new entry for key if one doesn't already exist, or
	// returns the existing one. Used when a configuration is (re)loaded.
	Put(key Key, serviceID string) *Entry
	Get(key Key) (*Entry, bool)
	Remove(key Key)
	// Snapshot returns a new slice of every entry, ordered by key, that the
	// caller can range over without holding the table's lock. The slice is a
	// copy; the *Entry values in it are the table's live records.
	Snapshot() []*Entry
	// SnapshotReverse returns entries ordered by StartedAt descending, used
	// to shut services down in reverse start order.
	SnapshotReverse() []*Entry
}

type table struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

// New creates an empty process table.
func New() Table {
	return &table{entries: make(map[Key]*Entry)}
}

func (t *table) Put(key Key, serviceID string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		return e
	}

	e := newEntry(key, serviceID)
	t.entries[key] = e

	return e
}

func (t *table) Get(key Key) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[key]
	return e, ok
}

func (t *table) Remove(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, key)
}

func (t *table) Snapshot() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})

	return out
}

func (t *table) SnapshotReverse() []*Entry {
	out := t.Snapshot()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	return out
}
