// Package engine implements the supervisor engine (C6): the single
// consumer of every command that mutates a process's lifecycle. Grounded on
// internal/app/runtime/commands.go (command shape, generalized from
// pub/sub fan-out to a single-consumer work queue) and
// internal/app/runner/resolver.go (dependency ordering).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	"overseer/internal/core/bus"
	"overseer/internal/core/configreg"
	coreerrors "overseer/internal/core/errors"
	"overseer/internal/core/executor"
	"overseer/internal/core/process"
	"overseer/internal/core/session"
	"overseer/internal/core/table"
	"overseer/internal/core/watcher"
)

type kind int

const (
	kindLoadConfig kind = iota
	kindLoad
	kindStart
	kindStop
	kindRestart
	kindStatus
	kindList
	kindListRunning
	kindCreateEnvVar
	kindUpdateEnvVar
	kindDeleteEnvVar
	kindChildExited
	kindWatchRestart
)

// command carries one request plus the channel its result is delivered on.
// A nil reply marks a fire-and-forget internal command (ChildExited, a
// watcher-triggered restart) that nothing is awaiting.
type command struct {
	kind      kind
	path      string
	name      string
	data      []byte
	envKey    string
	envValue  string
	serviceID string
	exitCode  int
	waitErr   error
	reply     chan result
}

type result struct {
	err       error
	snapshot  Snapshot
	snapshots []Snapshot
}

// Engine is the command-driven contract every control adapter drives. All
// methods block until the engine's single consumer has processed the
// command (or ctx is cancelled), per spec §5's "commands submitted by a
// single client are processed in submission order".
type Engine interface {
	LoadConfig(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path, name string) error
	// Start starts name, or every service in path's configuration in
	// dependency order if name is empty.
	Start(ctx context.Context, path, name string) error
	Stop(ctx context.Context, path, name string) error
	Restart(ctx context.Context, path, name string) error
	Status(ctx context.Context, path, name string) (Snapshot, error)
	List(ctx context.Context, path string) ([]Snapshot, error)
	ListRunning(ctx context.Context) ([]Snapshot, error)
	CreateEnvVar(ctx context.Context, path, name, key, value string) error
	UpdateEnvVar(ctx context.Context, path, name, key, value string) error
	DeleteEnvVar(ctx context.Context, path, name, key string) error
	Close()
}

type engine struct {
	tbl      table.Table
	registry configreg.Registry
	exec     executor.Executor
	watch    watcher.Manager
	sess     session.Session
	bus      bus.Bus
	log      logger.Logger
	grace    time.Duration

	guard    *guard
	handles  map[table.Key]*process.Handle
	byServID map[string]table.Key

	cmdCh chan *command
	done  chan struct{}
	wg    sync.WaitGroup
}

// New creates an Engine. exec and w may be bound later via bind (used by
// fx wiring to break the engine<->executor<->watcher construction cycle).
// A nil watcher is skipped; the executor is used without a nil check, so it
// must be bound before any command that spawns or signals a child.
func New(tbl table.Table, registry configreg.Registry, sess session.Session, b bus.Bus, log logger.Logger) *engine {
	return &engine{
		tbl:      tbl,
		registry: registry,
		sess:     sess,
		bus:      b,
		log:      log.WithComponent("ENGINE"),
		grace:    config.StopGrace,
		guard:    newGuard(),
		handles:  make(map[table.Key]*process.Handle),
		byServID: make(map[string]table.Key),
		cmdCh:    make(chan *command, 64),
		done:     make(chan struct{}),
	}
}

// bind attaches the executor and watcher the engine drives. Called once,
// before start, by the fx wiring in module.go.
func (e *engine) bind(exec executor.Executor, w watcher.Manager) {
	e.exec = exec
	e.watch = w
}

func (e *engine) start() {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		for cmd := range e.cmdCh {
			e.dispatch(cmd)
		}
	}()
}

func (e *engine) Close() {
	select {
	case <-e.done:
		return
	default:
		close(e.done)
	}

	close(e.cmdCh)
	e.wg.Wait()

	if e.watch != nil {
		e.watch.Close()
	}
}

func (e *engine) submit(ctx context.Context, cmd *command) (result, error) {
	cmd.reply = make(chan result, 1)

	select {
	case e.cmdCh <- cmd:
	case <-e.done:
		return result{}, coreerrors.ErrEngineStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (e *engine) enqueue(cmd *command) {
	select {
	case e.cmdCh <- cmd:
	case <-e.done:
	}
}

// ChildExited implements executor.ExitNotifier.
func (e *engine) ChildExited(serviceID, project string, exitCode int, waitErr error) {
	e.enqueue(&command{kind: kindChildExited, path: project, serviceID: serviceID, exitCode: exitCode, waitErr: waitErr})
}

// watchRestart is invoked by the commandSink adapter (watcher.CommandSink)
// on a debounced file change; nothing awaits its result.
func (e *engine) watchRestart(key table.Key) {
	e.enqueue(&command{kind: kindWatchRestart, path: key.Project, name: key.Name})
}

func (e *engine) LoadConfig(ctx context.Context, path string, data []byte) error {
	_, err := e.submit(ctx, &command{kind: kindLoadConfig, path: path, data: data})
	return err
}

func (e *engine) Load(ctx context.Context, path, name string) error {
	_, err := e.submit(ctx, &command{kind: kindLoad, path: path, name: name})
	return err
}

func (e *engine) Start(ctx context.Context, path, name string) error {
	_, err := e.submit(ctx, &command{kind: kindStart, path: path, name: name})
	return err
}

func (e *engine) Stop(ctx context.Context, path, name string) error {
	_, err := e.submit(ctx, &command{kind: kindStop, path: path, name: name})
	return err
}

func (e *engine) Restart(ctx context.Context, path, name string) error {
	_, err := e.submit(ctx, &command{kind: kindRestart, path: path, name: name})
	return err
}

func (e *engine) Status(ctx context.Context, path, name string) (Snapshot, error) {
	r, err := e.submit(ctx, &command{kind: kindStatus, path: path, name: name})
	return r.snapshot, err
}

func (e *engine) List(ctx context.Context, path string) ([]Snapshot, error) {
	r, err := e.submit(ctx, &command{kind: kindList, path: path})
	return r.snapshots, err
}

func (e *engine) ListRunning(ctx context.Context) ([]Snapshot, error) {
	r, err := e.submit(ctx, &command{kind: kindListRunning})
	return r.snapshots, err
}

func (e *engine) CreateEnvVar(ctx context.Context, path, name, key, value string) error {
	_, err := e.submit(ctx, &command{kind: kindCreateEnvVar, path: path, name: name, envKey: key, envValue: value})
	return err
}

func (e *engine) UpdateEnvVar(ctx context.Context, path, name, key, value string) error {
	_, err := e.submit(ctx, &command{kind: kindUpdateEnvVar, path: path, name: name, envKey: key, envValue: value})
	return err
}

func (e *engine) DeleteEnvVar(ctx context.Context, path, name, key string) error {
	_, err := e.submit(ctx, &command{kind: kindDeleteEnvVar, path: path, name: name, envKey: key})
	return err
}

// dispatch runs on the single consumer goroutine; every state mutation in
// the engine happens here, and only here.
func (e *engine) dispatch(cmd *command) {
	var r result

	switch cmd.kind {
	case kindLoadConfig:
		r.err = e.doLoadConfig(cmd.path, cmd.data)
	case kindLoad:
		r.err = e.doLoad(cmd.path, cmd.name)
	case kindStart:
		r.err = e.doStart(cmd.path, cmd.name)
	case kindStop:
		r.err = e.doStop(cmd.path, cmd.name)
	case kindRestart:
		r.err = e.doRestart(cmd.path, cmd.name)
	case kindStatus:
		r.snapshot, r.err = e.doStatus(cmd.path, cmd.name)
	case kindList:
		r.snapshots, r.err = e.doList(cmd.path)
	case kindListRunning:
		r.snapshots = e.doListRunning()
	case kindCreateEnvVar:
		r.err = e.doSetEnvVar(cmd.path, cmd.name, cmd.envKey, cmd.envValue, true)
	case kindUpdateEnvVar:
		r.err = e.doSetEnvVar(cmd.path, cmd.name, cmd.envKey, cmd.envValue, false)
	case kindDeleteEnvVar:
		r.err = e.doDeleteEnvVar(cmd.path, cmd.name, cmd.envKey)
	case kindChildExited:
		e.doChildExited(cmd.path, cmd.serviceID, cmd.exitCode, cmd.waitErr)
	case kindWatchRestart:
		if err := e.doRestart(cmd.path, cmd.name); err != nil {
			e.log.Warn().Err(err).Str("service", cmd.name).Msg("watch-triggered restart failed")
		}
	}

	if coreerrors.Classify(r.err) == coreerrors.KindInternal && r.err != nil {
		sentry.CaptureException(r.err)
	}

	if cmd.reply != nil {
		cmd.reply <- r
	}
}

func (e *engine) doLoadConfig(path string, data []byte) error {
	cfg, err := e.registry.Load(path, data)
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(cfg.Services))

	for name, svc := range cfg.Services {
		key := table.Key{Project: path, Name: name}
		e.tbl.Put(key, svc.ID)
		live[name] = true

		if svc.Watch != nil && e.watch != nil {
			if err := e.watch.Watch(key, svc.WorkingDir, svc.Watch); err != nil {
				e.log.Warn().Err(err).Str("service", name).Msg("failed to arm watch")
			}
		}
	}

	for _, entry := range e.tbl.Snapshot() {
		if entry.Key.Project != path || live[entry.Key.Name] {
			continue
		}

		state := entry.State()
		if state == table.StateRunning || state == table.StateStarting || state == table.StateStopping {
			e.log.Warn().Str("service", entry.Key.Name).Msg("service removed from config while active; leaving it running")
			continue
		}

		if e.watch != nil {
			e.watch.Unwatch(entry.Key)
		}

		e.tbl.Remove(entry.Key)
	}

	e.bus.Publish(bus.Event{Kind: bus.ConfigLoaded, Project: path})

	return nil
}

func (e *engine) doLoad(path, name string) error {
	cfg, ok := e.registry.Get(path)
	if !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrConfigurationNotFound, path)
	}

	svc, ok := cfg.Services[name]
	if !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, name)
	}

	e.tbl.Put(table.Key{Project: path, Name: name}, svc.ID)

	return nil
}

// doStart starts name, or every service in path in dependency order if name
// is empty. It never aborts a bulk start on a single service's failure.
func (e *engine) doStart(path, name string) error {
	cfg, ok := e.registry.Get(path)
	if !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrConfigurationNotFound, path)
	}

	if name == "" {
		order, err := cfg.Order()
		if err != nil {
			return err
		}

		var firstErr error

		for _, svcName := range order {
			if err := e.startOne(path, cfg, svcName, map[string]bool{}); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		e.bus.Publish(bus.Event{Kind: bus.AllStarted, Project: path})

		return firstErr
	}

	if _, ok := cfg.Services[name]; !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, name)
	}

	return e.startOne(path, cfg, name, map[string]bool{})
}

func (e *engine) startOne(path string, cfg *configreg.Configuration, name string, visiting map[string]bool) error {
	if visiting[name] {
		return nil
	}

	visiting[name] = true

	key := table.Key{Project: path, Name: name}

	entry, ok := e.tbl.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, name)
	}

	switch entry.State() {
	case table.StateRunning, table.StateStarting:
		return nil
	}

	svc := cfg.Services[name]

	for _, dep := range svc.DependsOn {
		if err := e.startOne(path, cfg, dep, visiting); err != nil {
			return fmt.Errorf("dependency %s: %w", dep, err)
		}
	}

	return e.spawnEntry(path, entry, svc)
}

func (e *engine) spawnEntry(path string, entry *table.Entry, svc *configreg.Service) error {
	if err := entry.Fire(context.Background(), table.EventStart); err != nil {
		return err
	}

	e.bus.Publish(bus.Event{Kind: bus.ServiceStarting, Name: entry.Key.Name, Project: path, ServiceID: entry.ServiceID})

	handle, err := e.exec.Spawn(context.Background(), svc, path)
	if err != nil {
		_ = entry.Fire(context.Background(), table.EventFail)
		entry.LastErr = err

		e.bus.Publish(bus.Event{Kind: bus.ServiceFailed, Name: entry.Key.Name, Project: path, ServiceID: entry.ServiceID, Err: err})

		return err
	}

	e.handles[entry.Key] = handle
	e.byServID[entry.ServiceID] = entry.Key

	entry.PID = handle.PID()
	entry.StartedAt = handle.StartedAt()
	entry.LastErr = nil

	if err := e.sess.Add(session.Entry{
		Project:   path,
		Name:      entry.Key.Name,
		ServiceID: entry.ServiceID,
		PID:       entry.PID,
		StartedAt: entry.StartedAt,
	}); err != nil {
		e.log.Warn().Err(err).Msg("failed to record session entry")
	}

	if err := entry.Fire(context.Background(), table.EventRunning); err != nil {
		return err
	}

	e.bus.Publish(bus.Event{Kind: bus.ServiceRunning, Name: entry.Key.Name, Project: path, ServiceID: entry.ServiceID})

	return nil
}

func (e *engine) doStop(path, name string) error {
	cfg, ok := e.registry.Get(path)
	if !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrConfigurationNotFound, path)
	}

	if name == "" {
		var firstErr error

		for _, entry := range e.tbl.SnapshotReverse() {
			if entry.Key.Project != path {
				continue
			}

			if err := e.stopOne(entry.Key); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		e.bus.Publish(bus.Event{Kind: bus.AllStopped, Project: path})

		return firstErr
	}

	if _, ok := cfg.Services[name]; !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, name)
	}

	return e.stopOne(table.Key{Project: path, Name: name})
}

func (e *engine) stopOne(key table.Key) error {
	entry, ok := e.tbl.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, key.Name)
	}

	handle, running := e.handles[key]

	switch entry.State() {
	case table.StateStopped, table.StateFailed, table.StateLoaded:
		return nil
	}

	if err := entry.Fire(context.Background(), table.EventStop); err != nil {
		return err
	}

	e.bus.Publish(bus.Event{Kind: bus.ServiceStopping, Name: key.Name, Project: key.Project, ServiceID: entry.ServiceID})

	if running {
		if err := e.terminateAndReap(handle); err != nil {
			entry.LastErr = err
		}

		delete(e.handles, key)
		delete(e.byServID, entry.ServiceID)

		if err := e.sess.Remove(key.Project, key.Name); err != nil {
			e.log.Warn().Err(err).Msg("failed to clear session entry")
		}
	}

	if err := entry.Fire(context.Background(), table.EventStopped); err != nil {
		return err
	}

	e.bus.Publish(bus.Event{Kind: bus.ServiceStopped, Name: key.Name, Project: key.Project, ServiceID: entry.ServiceID})

	return nil
}

// terminateAndReap sends a termination signal and waits up to e.grace for
// the reaper to observe the exit before escalating to a kill, per spec
// §4.6's "await reap up to a configurable grace period, then force-kill".
func (e *engine) terminateAndReap(handle *process.Handle) error {
	if err := e.exec.Signal(handle, executor.SignalTerminate); err != nil {
		e.log.Warn().Err(err).Msg("failed to send termination signal")
	}

	select {
	case <-handle.Done():
		return nil
	case <-time.After(e.grace):
	}

	if err := e.exec.Signal(handle, executor.SignalKill); err != nil {
		return fmt.Errorf("%w: %w", coreerrors.ErrStopTimedOut, err)
	}

	<-handle.Done()

	return nil
}

func (e *engine) doRestart(path, name string) error {
	cfg, ok := e.registry.Get(path)
	if !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrConfigurationNotFound, path)
	}

	if name == "" {
		order, err := cfg.Order()
		if err != nil {
			return err
		}

		var firstErr error

		for _, svcName := range order {
			if err := e.restartOne(path, cfg, svcName); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		e.bus.Publish(bus.Event{Kind: bus.AllRestarted, Project: path})

		return firstErr
	}

	if _, ok := cfg.Services[name]; !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, name)
	}

	return e.restartOne(path, cfg, name)
}

func (e *engine) restartOne(path string, cfg *configreg.Configuration, name string) error {
	key := table.Key{Project: path, Name: name}

	if !e.guard.lock(key) {
		return nil
	}
	defer e.guard.unlock(key)

	entry, ok := e.tbl.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, name)
	}

	if entry.State() == table.StateLoaded {
		return e.startOne(path, cfg, name, map[string]bool{})
	}

	if err := entry.Fire(context.Background(), table.EventRestart); err != nil {
		return err
	}

	e.bus.Publish(bus.Event{Kind: bus.ServiceRestarting, Name: name, Project: path, ServiceID: entry.ServiceID})

	if handle, running := e.handles[key]; running {
		if err := e.terminateAndReap(handle); err != nil {
			entry.LastErr = err
		}

		delete(e.handles, key)
		delete(e.byServID, entry.ServiceID)
	}

	svc := cfg.Services[name]

	if err := e.spawnEntry(path, entry, svc); err != nil {
		return err
	}

	e.bus.Publish(bus.Event{Kind: bus.ServiceRestarted, Name: name, Project: path, ServiceID: entry.ServiceID})

	return nil
}

func (e *engine) doStatus(path, name string) (Snapshot, error) {
	entry, ok := e.tbl.Get(table.Key{Project: path, Name: name})
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, name)
	}

	return snapshotOf(entry, e.serviceFor(path, name)), nil
}

func (e *engine) doList(path string) ([]Snapshot, error) {
	if _, ok := e.registry.Get(path); !ok {
		return nil, fmt.Errorf("%w: %s", coreerrors.ErrConfigurationNotFound, path)
	}

	var out []Snapshot

	for _, entry := range e.tbl.Snapshot() {
		if entry.Key.Project != path {
			continue
		}

		out = append(out, snapshotOf(entry, e.serviceFor(path, entry.Key.Name)))
	}

	return out, nil
}

func (e *engine) doListRunning() []Snapshot {
	var out []Snapshot

	for _, entry := range e.tbl.Snapshot() {
		if entry.State() != table.StateRunning {
			continue
		}

		out = append(out, snapshotOf(entry, e.serviceFor(entry.Key.Project, entry.Key.Name)))
	}

	return out
}

func (e *engine) serviceFor(path, name string) *configreg.Service {
	cfg, ok := e.registry.Get(path)
	if !ok {
		return nil
	}

	return cfg.Services[name]
}

// doSetEnvVar mutates a loaded service's in-memory env map. Per spec §8
// invariant 8, it never touches state, pid, or a running child's actual
// environment — the change is only visible on the service's next spawn, and
// is never written back to the configuration file on disk.
func (e *engine) doSetEnvVar(path, name, key, value string, create bool) error {
	svc := e.serviceFor(path, name)
	if svc == nil {
		return fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, name)
	}

	if svc.Env == nil {
		svc.Env = make(map[string]string)
	}

	_, exists := svc.Env[key]
	if create && exists {
		return fmt.Errorf("%w: env var %s already set on %s", coreerrors.ErrDuplicateServiceName, key, name)
	}

	svc.Env[key] = value

	return nil
}

func (e *engine) doDeleteEnvVar(path, name, key string) error {
	svc := e.serviceFor(path, name)
	if svc == nil {
		return fmt.Errorf("%w: %s", coreerrors.ErrServiceNotFound, name)
	}

	delete(svc.Env, key)

	return nil
}

// doChildExited is executor.ExitNotifier's delivery, processed on the
// single consumer goroutine like every other command so it can never race a
// concurrent Stop/Restart of the same key.
func (e *engine) doChildExited(project, serviceID string, exitCode int, waitErr error) {
	key, ok := e.byServID[serviceID]
	if !ok {
		return
	}

	entry, ok := e.tbl.Get(key)
	if !ok {
		return
	}

	state := entry.State()
	if state == table.StateStopping {
		// Expected: stopOne is already waiting on handle.Done() and will
		// finish the transition itself.
		return
	}

	if state != table.StateRunning {
		return
	}

	delete(e.handles, key)

	entry.ExitCode = exitCode
	if waitErr != nil {
		entry.LastErr = waitErr
	}

	svc := e.serviceFor(project, key.Name)

	switch {
	case svc != nil && svc.AutoRestart:
		// Running -> Starting directly (spawnEntry fires EventStart itself);
		// the child already exited, so there's nothing to signal or await.
		if err := e.spawnEntry(project, entry, svc); err != nil {
			e.log.Error().Err(err).Str("service", key.Name).Msg("auto-restart failed")
		}
	case exitCode != 0:
		delete(e.byServID, serviceID)
		_ = e.sess.Remove(project, key.Name)
		_ = entry.Fire(context.Background(), table.EventFail)
		e.bus.Publish(bus.Event{Kind: bus.ServiceFailed, Name: key.Name, Project: project, ServiceID: serviceID, Err: waitErr})
	default:
		delete(e.byServID, serviceID)
		_ = e.sess.Remove(project, key.Name)
		_ = entry.Fire(context.Background(), table.EventStop)
		_ = entry.Fire(context.Background(), table.EventStopped)
		e.bus.Publish(bus.Event{Kind: bus.ServiceStopped, Name: key.Name, Project: project, ServiceID: serviceID})
	}
}
