// Package session provides stale-session orphan cleanup: a small on-disk
// record of every PID the engine has spawned, consulted once at startup to
// SIGTERM any process group left behind by an unclean prior shutdown. It is
// janitorial, not a source of truth — the process table is rebuilt fresh
// from configuration on every run.
package session

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"overseer/internal/config"
	"overseer/internal/config/logger"
)

const pidTimeTolerance = 2 * time.Second

// Entry records one spawned process, enough to verify it's still the same
// process (and not a PID recycled by something unrelated) before killing it.
type Entry struct {
	Project   string    `json:"project"`
	Name      string    `json:"name"`
	ServiceID string    `json:"service_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

func (e Entry) key() string { return e.Project + "/" + e.Name }

// State is the on-disk session record.
type State struct {
	StartedAt time.Time `json:"started_at"`
	Entries   []Entry   `json:"entries"`
}

// Session tracks spawned PIDs across a daemon's lifetime.
type Session interface {
	Load() (*State, error)
	Delete() error
	Add(entry Entry) error
	Remove(project, name string) error
}

type session struct {
	mu   sync.Mutex
	path string
}

// NewSession creates a Session backed by a file under the OS temp dir.
func NewSession() Session {
	return &session{path: filepath.Join(os.TempDir(), config.AppName+"-session.json")}
}

func (s *session) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load()
}

func (s *session) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}

	return nil
}

func (s *session) Add(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		state = &State{StartedAt: time.Now()}
	}

	replaced := false

	for i, e := range state.Entries {
		if e.key() == entry.key() {
			state.Entries[i] = entry
			replaced = true

			break
		}
	}

	if !replaced {
		state.Entries = append(state.Entries, entry)
	}

	return s.save(state)
}

func (s *session) Remove(project, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil
	}

	target := Entry{Project: project, Name: name}.key()

	filtered := make([]Entry, 0, len(state.Entries))

	for _, e := range state.Entries {
		if e.key() != target {
			filtered = append(filtered, e)
		}
	}

	state.Entries = filtered

	return s.save(state)
}

func (s *session) save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}

	return nil
}

func (s *session) load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}

	return &state, nil
}

// VerifyPID reports whether entry's PID is still running the same process
// (its start time matches within tolerance, guarding against PID reuse).
func VerifyPID(entry Entry) bool {
	proc, err := process.NewProcess(int32(entry.PID)) //nolint:gosec // PIDs fit int32
	if err != nil {
		return false
	}

	createTime, err := proc.CreateTime()
	if err != nil {
		return false
	}

	procStart := time.UnixMilli(createTime)
	diff := math.Abs(float64(procStart.Sub(entry.StartedAt).Milliseconds()))

	return diff <= float64(pidTimeTolerance.Milliseconds())
}

// KillOrphans SIGTERMs the process group of every entry that verifies as
// still running, returning the number signaled.
func KillOrphans(state *State, log logger.Logger) int {
	killed := 0

	for _, entry := range state.Entries {
		if !VerifyPID(entry) {
			continue
		}

		log.Warn().Str("service", entry.Name).Int("pid", entry.PID).Msg("killing orphaned process from prior run")

		if err := syscall.Kill(-entry.PID, syscall.SIGTERM); err != nil {
			log.Warn().Str("service", entry.Name).Err(err).Msg("failed to signal orphan process group")

			continue
		}

		killed++
	}

	return killed
}
