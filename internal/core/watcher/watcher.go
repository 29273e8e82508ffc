// Package watcher implements the directory watcher (C5): one debounced
// fsnotify watch per service, emitting a restart command when a watched
// file changes. Grounded on internal/app/watcher/watcher.go, generalized
// from a bus publisher to a command source per SPEC_FULL §4.5 — instead of
// publishing a bus message, a triggered watch calls CommandSink.Restart,
// which the supervisor engine implements to forward onto its own command
// channel (spec §4.6's "the directory watcher ... feed events back into the
// engine by emitting the same SupervisorCommand variants").
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	"overseer/internal/core/table"
)

// CommandSink receives a restart request for key once its debounce window
// elapses. The engine implements this; watcher never imports engine.
type CommandSink interface {
	Restart(key table.Key)
}

// Manager is the contract the engine drives to arm/disarm per-service
// watches.
type Manager interface {
	// Watch arms (or re-arms, replacing any prior watch) a debounced watch
	// on dir for key. watchCfg may be nil, in which case every file under
	// dir is watched with the default debounce.
	Watch(key table.Key, dir string, watchCfg *config.Watch) error
	// Unwatch disarms key's watch, if any.
	Unwatch(key table.Key)
	Close()
}

type watch struct {
	key       table.Key
	dir       string
	matcher   Matcher
	debouncer Debouncer
	dirs      []string
	cancel    context.CancelFunc
}

type manager struct {
	sink      CommandSink
	fsWatcher *fsnotify.Watcher
	watches   map[table.Key]*watch
	mu        sync.RWMutex
	closed    bool
	log       logger.Logger
}

// New creates a Manager. sink is told Restart(key) once a watch's debounce
// window elapses with at least one matched change.
func New(sink CommandSink, log logger.Logger) (Manager, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	m := &manager{
		sink:      sink,
		fsWatcher: fsw,
		watches:   make(map[table.Key]*watch),
		log:       log.WithComponent("WATCHER"),
	}

	go m.processEvents()

	return m, nil
}

func (m *manager) Watch(key table.Key, dir string, watchCfg *config.Watch) error {
	m.Unwatch(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	var include, ignore []string

	debounce := config.WatchDebounce

	if watchCfg != nil {
		include = watchCfg.Include
		ignore = watchCfg.Ignore

		if watchCfg.Debounce > 0 {
			debounce = watchCfg.Debounce
		}
	}

	matcher, err := NewMatcher(include, ignore)
	if err != nil {
		m.log.Warn().Err(err).Str("service", key.Name).Msg("failed to build watch matcher")
		return err
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		m.log.Warn().Err(err).Str("service", key.Name).Msg("failed to resolve watch directory")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &watch{key: key, dir: absDir, matcher: matcher, cancel: cancel}
	w.debouncer = NewDebouncer(debounce, func([]string) {
		m.sink.Restart(key)
	})

	dirs, err := m.addDirRecursive(absDir, matcher)
	if err != nil {
		cancel()
		m.log.Warn().Err(err).Str("service", key.Name).Msg("failed to install watch")

		return err
	}

	w.dirs = dirs
	m.watches[key] = w

	if watchCfg != nil {
		for _, shared := range watchCfg.Shared {
			absShared, err := filepath.Abs(normalizeSharedPath(shared))
			if err != nil {
				continue
			}

			sharedDirs, err := m.addDirRecursive(absShared, matcher)
			if err != nil {
				m.log.Warn().Err(err).Str("shared", absShared).Msg("failed to watch shared directory")
				continue
			}

			w.dirs = append(w.dirs, sharedDirs...)
		}
	}

	m.log.Info().Str("service", key.Name).Str("dir", absDir).Msg("watching for changes")

	go func() {
		<-ctx.Done()
		w.debouncer.Stop()
	}()

	return nil
}

func (m *manager) Unwatch(key table.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[key]
	if !ok {
		return
	}

	w.cancel()

	for _, dir := range w.dirs {
		_ = m.fsWatcher.Remove(dir)
	}

	delete(m.watches, key)
}

func (m *manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true

	for key, w := range m.watches {
		w.cancel()
		delete(m.watches, key)
	}

	m.fsWatcher.Close()
}

func (m *manager) processEvents() {
	for {
		select {
		case event, ok := <-m.fsWatcher.Events:
			if !ok {
				return
			}

			m.handleEvent(event)
		case err, ok := <-m.fsWatcher.Errors:
			if !ok {
				return
			}

			m.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (m *manager) handleEvent(event fsnotify.Event) {
	if !isRelevantEvent(event) {
		return
	}

	m.mu.RLock()

	var newDirPath string
	var newDirKey table.Key
	var foundNewDir bool

	for _, w := range m.watches {
		relPath, ok := relativeTo(w.dir, event.Name)
		if !ok {
			continue
		}

		if w.matcher.Match(relPath) {
			w.debouncer.Trigger(relPath)
		}
	}

	if event.Has(fsnotify.Create) {
		newDirPath, newDirKey, foundNewDir = m.findNewDirTarget(event.Name)
	}

	m.mu.RUnlock()

	if foundNewDir {
		m.addNewDir(newDirPath, newDirKey)
	}
}

func (m *manager) findNewDirTarget(path string) (string, table.Key, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", table.Key{}, false
	}

	for _, w := range m.watches {
		relPath, ok := relativeTo(w.dir, path)
		if !ok {
			continue
		}

		if w.matcher.MatchDir(relPath) {
			continue
		}

		return path, w.key, true
	}

	return "", table.Key{}, false
}

func (m *manager) addNewDir(path string, key table.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[key]
	if !ok {
		return
	}

	if err := m.fsWatcher.Add(path); err != nil {
		m.log.Warn().Err(err).Str("dir", path).Msg("failed to watch new directory")
		return
	}

	w.dirs = append(w.dirs, path)
}

func (m *manager) addDirRecursive(dir string, matcher Matcher) ([]string, error) {
	var dirs []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			return nil
		}

		if path != dir {
			relPath, relErr := filepath.Rel(dir, path)
			if relErr == nil && matcher.MatchDir(relPath) {
				return filepath.SkipDir
			}
		}

		if err := m.fsWatcher.Add(path); err != nil {
			m.log.Warn().Err(err).Str("dir", path).Msg("failed to watch directory")
		} else {
			dirs = append(dirs, path)
		}

		return nil
	})

	return dirs, err
}

func relativeTo(base, path string) (string, bool) {
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}

	return rel, true
}

func isRelevantEvent(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) ||
		event.Has(fsnotify.Rename)
}

func normalizeSharedPath(path string) string {
	for {
		switch {
		case strings.HasSuffix(path, "/**"):
			path = strings.TrimSuffix(path, "/**")
		case strings.HasSuffix(path, "**"):
			path = strings.TrimSuffix(path, "**")
		case strings.HasSuffix(path, "/"):
			path = strings.TrimSuffix(path, "/")
		default:
			return path
		}
	}
}
