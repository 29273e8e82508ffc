package engine

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	"overseer/internal/core/bus"
	"overseer/internal/core/configreg"
	coreerrors "overseer/internal/core/errors"
	"overseer/internal/core/executor"
	"overseer/internal/core/process"
	"overseer/internal/core/session"
	"overseer/internal/core/table"
)

type fakeSession struct{}

func (fakeSession) Load() (*session.State, error)    { return nil, assert.AnError }
func (fakeSession) Delete() error                    { return nil }
func (fakeSession) Add(session.Entry) error          { return nil }
func (fakeSession) Remove(project, name string) error { return nil }

type fakeExecutor struct {
	mu         sync.Mutex
	ignoreTerm bool
	spawnErr   error
	spawnCount map[string]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{spawnCount: map[string]int{}}
}

func (f *fakeExecutor) Spawn(_ context.Context, svc *configreg.Service, project string) (*process.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.spawnErr != nil {
		return nil, f.spawnErr
	}

	f.spawnCount[svc.Name]++

	h := process.New(process.Params{
		Name:      svc.Name,
		Project:   project,
		ServiceID: svc.ID,
		Cmd:       exec.Command("true"),
		StartedAt: time.Now(),
	})

	return h, nil
}

func (f *fakeExecutor) Signal(h *process.Handle, kind executor.SignalKind) error {
	if kind == executor.SignalTerminate {
		f.mu.Lock()
		ignore := f.ignoreTerm
		f.mu.Unlock()

		if ignore {
			return nil
		}
	}

	h.Reap(0, nil)

	return nil
}

func (f *fakeExecutor) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.spawnCount[name]
}

type fakeWatcher struct{}

func (fakeWatcher) Watch(table.Key, string, *config.Watch) error { return nil }
func (fakeWatcher) Unwatch(table.Key)                            {}
func (fakeWatcher) Close()                                       {}

func newTestEngine(t *testing.T, exec *fakeExecutor) (*engine, bus.Bus) {
	t.Helper()

	tbl := table.New()
	reg := configreg.New(nil)
	b := bus.New(32)

	e := New(tbl, reg, fakeSession{}, b, logger.NoopLogger{})
	e.grace = 50 * time.Millisecond
	e.bind(exec, fakeWatcher{})
	e.start()

	t.Cleanup(e.Close)

	return e, b
}

const depYAML = `version: 1
services:
  db:
    command: "./db"
  api:
    command: "./api"
    depends_on: ["db"]
`

const cycleYAML = `version: 1
services:
  a:
    command: "./a"
    depends_on: ["b"]
  b:
    command: "./b"
    depends_on: ["a"]
`

func Test_LoadConfig_CreatesLoadedEntries(t *testing.T) {
	e, _ := newTestEngine(t, newFakeExecutor())
	ctx := context.Background()

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))

	snaps, err := e.List(ctx, "proj.yaml")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	for _, s := range snaps {
		assert.Equal(t, table.StateLoaded, s.State)
	}
}

func Test_LoadConfig_CycleLeavesPriorConfigInPlace(t *testing.T) {
	e, _ := newTestEngine(t, newFakeExecutor())
	ctx := context.Background()

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))

	err := e.LoadConfig(ctx, "proj.yaml", []byte(cycleYAML))
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.KindInvalidConfig)

	snaps, err := e.List(ctx, "proj.yaml")
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func Test_Start_StartsDependenciesFirst(t *testing.T) {
	e, b := newTestEngine(t, newFakeExecutor())
	ctx := context.Background()

	ch := b.Subscribe(ctx)

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))
	require.NoError(t, e.Start(ctx, "proj.yaml", "api"))

	var order []string

	for i := 0; i < 4; i++ {
		select {
		case evt := <-ch:
			if evt.Kind == bus.ServiceRunning {
				order = append(order, evt.Name)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}

		if len(order) == 2 {
			break
		}
	}

	require.Equal(t, []string{"db", "api"}, order)

	dbStatus, err := e.Status(ctx, "proj.yaml", "db")
	require.NoError(t, err)
	assert.Equal(t, table.StateRunning, dbStatus.State)

	apiStatus, err := e.Status(ctx, "proj.yaml", "api")
	require.NoError(t, err)
	assert.Equal(t, table.StateRunning, apiStatus.State)
}

func Test_Start_IdempotentOnAlreadyRunning(t *testing.T) {
	fe := newFakeExecutor()
	e, _ := newTestEngine(t, fe)
	ctx := context.Background()

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))
	require.NoError(t, e.Start(ctx, "proj.yaml", "db"))
	require.NoError(t, e.Start(ctx, "proj.yaml", "db"))

	assert.Equal(t, 1, fe.count("db"))
}

func Test_Stop_TerminatesCleanly(t *testing.T) {
	e, b := newTestEngine(t, newFakeExecutor())
	ctx := context.Background()

	ch := b.Subscribe(ctx)

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))
	require.NoError(t, e.Start(ctx, "proj.yaml", "db"))
	drainUntil(t, ch, bus.ServiceRunning)

	require.NoError(t, e.Stop(ctx, "proj.yaml", "db"))

	status, err := e.Status(ctx, "proj.yaml", "db")
	require.NoError(t, err)
	assert.Equal(t, table.StateStopped, status.State)
}

func Test_Stop_GraceThenKillEscalates(t *testing.T) {
	fe := newFakeExecutor()
	fe.ignoreTerm = true

	e, _ := newTestEngine(t, fe)
	ctx := context.Background()

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))
	require.NoError(t, e.Start(ctx, "proj.yaml", "db"))

	start := time.Now()
	require.NoError(t, e.Stop(ctx, "proj.yaml", "db"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, e.grace)

	status, err := e.Status(ctx, "proj.yaml", "db")
	require.NoError(t, err)
	assert.Equal(t, table.StateStopped, status.State)
}

func Test_ChildExited_AutoRestartRespawnsWithSameServiceID(t *testing.T) {
	fe := newFakeExecutor()

	e, b := newTestEngine(t, fe)
	ctx := context.Background()

	ch := b.Subscribe(ctx)

	autoYAML := `version: 1
services:
  worker:
    command: "./worker"
    auto_restart: true
`

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(autoYAML)))
	require.NoError(t, e.Start(ctx, "proj.yaml", "worker"))
	drainUntil(t, ch, bus.ServiceRunning)

	status, err := e.Status(ctx, "proj.yaml", "worker")
	require.NoError(t, err)

	e.ChildExited(status.ServiceID, "proj.yaml", 1, assert.AnError)

	require.Eventually(t, func() bool {
		return fe.count("worker") == 2
	}, time.Second, 10*time.Millisecond)

	newStatus, err := e.Status(ctx, "proj.yaml", "worker")
	require.NoError(t, err)
	assert.Equal(t, status.ServiceID, newStatus.ServiceID)
	assert.Equal(t, table.StateRunning, newStatus.State)
}

func Test_ChildExited_NoAutoRestartNonZeroExitFails(t *testing.T) {
	e, b := newTestEngine(t, newFakeExecutor())
	ctx := context.Background()

	ch := b.Subscribe(ctx)

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))
	require.NoError(t, e.Start(ctx, "proj.yaml", "db"))
	drainUntil(t, ch, bus.ServiceRunning)

	status, err := e.Status(ctx, "proj.yaml", "db")
	require.NoError(t, err)

	e.ChildExited(status.ServiceID, "proj.yaml", 1, assert.AnError)

	require.Eventually(t, func() bool {
		s, _ := e.Status(ctx, "proj.yaml", "db")
		return s.State == table.StateFailed
	}, time.Second, 10*time.Millisecond)
}

func Test_EnvVar_MutationsDoNotAffectRunningState(t *testing.T) {
	e, _ := newTestEngine(t, newFakeExecutor())
	ctx := context.Background()

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))
	require.NoError(t, e.Start(ctx, "proj.yaml", "db"))

	before, err := e.Status(ctx, "proj.yaml", "db")
	require.NoError(t, err)

	require.NoError(t, e.CreateEnvVar(ctx, "proj.yaml", "db", "FOO", "bar"))
	require.NoError(t, e.UpdateEnvVar(ctx, "proj.yaml", "db", "FOO", "baz"))

	after, err := e.Status(ctx, "proj.yaml", "db")
	require.NoError(t, err)

	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.PID, after.PID)

	require.NoError(t, e.DeleteEnvVar(ctx, "proj.yaml", "db", "FOO"))
}

func Test_Restart_RunningServiceGetsNewHandleSameServiceID(t *testing.T) {
	fe := newFakeExecutor()
	e, b := newTestEngine(t, fe)
	ctx := context.Background()

	ch := b.Subscribe(ctx)

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))
	require.NoError(t, e.Start(ctx, "proj.yaml", "db"))
	drainUntil(t, ch, bus.ServiceRunning)

	before, err := e.Status(ctx, "proj.yaml", "db")
	require.NoError(t, err)

	require.NoError(t, e.Restart(ctx, "proj.yaml", "db"))
	drainUntil(t, ch, bus.ServiceRestarted)

	after, err := e.Status(ctx, "proj.yaml", "db")
	require.NoError(t, err)

	assert.Equal(t, before.ServiceID, after.ServiceID)
	assert.Equal(t, table.StateRunning, after.State)
	assert.Equal(t, 2, fe.count("db"))
}

func Test_Restart_NeverStartedServiceStartsIt(t *testing.T) {
	fe := newFakeExecutor()
	e, b := newTestEngine(t, fe)
	ctx := context.Background()

	ch := b.Subscribe(ctx)

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))
	require.NoError(t, e.Restart(ctx, "proj.yaml", "db"))
	drainUntil(t, ch, bus.ServiceRunning)

	status, err := e.Status(ctx, "proj.yaml", "db")
	require.NoError(t, err)
	assert.Equal(t, table.StateRunning, status.State)
	assert.Equal(t, 1, fe.count("db"))
}

func Test_Start_UnknownServiceReturnsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, newFakeExecutor())
	ctx := context.Background()

	require.NoError(t, e.LoadConfig(ctx, "proj.yaml", []byte(depYAML)))

	err := e.Start(ctx, "proj.yaml", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.KindNotFound)
}

func drainUntil(t *testing.T, ch <-chan bus.Event, kind bus.Kind) bus.Event {
	t.Helper()

	for i := 0; i < 10; i++ {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event kind", kind)
		}
	}

	t.Fatalf("never saw event kind %v", kind)

	return bus.Event{}
}
