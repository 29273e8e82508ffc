package readiness

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	"overseer/internal/core/configreg"
)

type fakeProcess struct {
	done  chan struct{}
	ready chan error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{}), ready: make(chan error, 1)}
}

func (f *fakeProcess) Name() string          { return "svc" }
func (f *fakeProcess) Project() string       { return "proj" }
func (f *fakeProcess) ServiceID() string     { return "id" }
func (f *fakeProcess) Cmd() *exec.Cmd        { return nil }
func (f *fakeProcess) PID() int              { return 1 }
func (f *fakeProcess) StartedAt() time.Time  { return time.Now() }
func (f *fakeProcess) Done() <-chan struct{} { return f.done }
func (f *fakeProcess) Ready() <-chan error   { return f.ready }
func (f *fakeProcess) SignalReady(err error) {
	if err != nil {
		f.ready <- err
	}
	close(f.ready)
}
func (f *fakeProcess) StdoutReader() *io.PipeReader { return nil }
func (f *fakeProcess) StderrReader() *io.PipeReader { return nil }

func Test_Check_NoReadinessSignalsImmediately(t *testing.T) {
	c := New(logger.NoopLogger{})
	proc := newFakeProcess()

	svc := &configreg.Service{Name: "demo"}
	c.Check(context.Background(), svc, proc)

	_, ok := <-proc.Ready()
	assert.False(t, ok)
}

func Test_Check_HTTP_Succeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(logger.NoopLogger{})
	proc := newFakeProcess()

	svc := &configreg.Service{Name: "demo", Readiness: &config.Readiness{
		Type: config.TypeHTTP, URL: srv.URL, Timeout: 2 * time.Second, Interval: 20 * time.Millisecond,
	}}

	c.Check(context.Background(), svc, proc)

	err, ok := <-proc.Ready()
	require.False(t, ok || err != nil)
}

func Test_Check_TCP_Succeeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	c := New(logger.NoopLogger{})
	proc := newFakeProcess()

	svc := &configreg.Service{Name: "demo", Readiness: &config.Readiness{
		Type: config.TypeTCP, Address: ln.Addr().String(), Timeout: 2 * time.Second, Interval: 20 * time.Millisecond,
	}}

	c.Check(context.Background(), svc, proc)

	_, ok := <-proc.Ready()
	assert.False(t, ok)
}

func Test_Check_Log_MatchesPattern(t *testing.T) {
	dir := t.TempDir()
	stdout := filepath.Join(dir, "out.log")
	require.NoError(t, os.WriteFile(stdout, []byte("booting\nready to serve requests\n"), 0644))

	c := New(logger.NoopLogger{})
	proc := newFakeProcess()

	svc := &configreg.Service{Name: "demo", Stdout: stdout, Stderr: filepath.Join(dir, "err.log"), Readiness: &config.Readiness{
		Type: config.TypeLog, Pattern: "ready to serve", Timeout: 2 * time.Second,
	}}

	c.Check(context.Background(), svc, proc)

	_, ok := <-proc.Ready()
	assert.False(t, ok)
}

func Test_Check_UnknownTypeSignalsError(t *testing.T) {
	c := New(logger.NoopLogger{})
	proc := newFakeProcess()

	svc := &configreg.Service{Name: "demo", Readiness: &config.Readiness{Type: "bogus"}}

	c.Check(context.Background(), svc, proc)

	err, ok := <-proc.Ready()
	require.True(t, ok)
	assert.Error(t, err)
}

func Test_NoOp_SignalsReadyImmediately(t *testing.T) {
	proc := newFakeProcess()
	NoOp().Check(context.Background(), &configreg.Service{}, proc)

	_, ok := <-proc.Ready()
	assert.False(t, ok)
}
