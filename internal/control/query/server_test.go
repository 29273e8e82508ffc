package query

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/config/logger"
	"overseer/internal/core/bus"
	"overseer/internal/core/engine"
)

type fakeEngine struct {
	status    engine.Snapshot
	statusErr error
	list      []engine.Snapshot
	listErr   error
}

func (f *fakeEngine) LoadConfig(context.Context, string, []byte) error { return nil }
func (f *fakeEngine) Load(context.Context, string, string) error      { return nil }
func (f *fakeEngine) Start(context.Context, string, string) error     { return nil }
func (f *fakeEngine) Stop(context.Context, string, string) error      { return nil }
func (f *fakeEngine) Restart(context.Context, string, string) error   { return nil }

func (f *fakeEngine) Status(context.Context, string, string) (engine.Snapshot, error) {
	return f.status, f.statusErr
}

func (f *fakeEngine) List(context.Context, string) ([]engine.Snapshot, error) {
	return f.list, f.listErr
}

func (f *fakeEngine) ListRunning(context.Context) ([]engine.Snapshot, error) {
	return f.list, f.listErr
}

func (f *fakeEngine) CreateEnvVar(context.Context, string, string, string, string) error { return nil }
func (f *fakeEngine) UpdateEnvVar(context.Context, string, string, string, string) error { return nil }
func (f *fakeEngine) DeleteEnvVar(context.Context, string, string, string) error         { return nil }
func (f *fakeEngine) Close()                                                            {}

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return addr
}

func newTestServer(t *testing.T, fe *fakeEngine, b bus.Bus) (*server, string) {
	t.Helper()

	addr := freeAddr(t)
	s := &server{
		addr:   addr,
		engine: fe,
		bus:    b,
		hub:    NewHub(8),
		log:    logger.NoopLogger{},
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	// give the listener goroutine a moment to actually be accepting.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}

		_ = conn.Close()

		return true
	}, time.Second, 5*time.Millisecond)

	return s, addr
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s/ws", addr)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestServer_QueryStatus_ReturnsSnapshot(t *testing.T) {
	fe := &fakeEngine{status: engine.Snapshot{Name: "db", State: "running", PID: 7}}
	_, addr := newTestServer(t, fe, bus.New(8))

	conn := dialWS(t, addr)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "query", Method: MethodStatus, Path: "proj.yaml", Name: "db"}))

	var resp ServerMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "result", resp.Type)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, "db", resp.Snapshot.Name)
	assert.Equal(t, 7, resp.Snapshot.PID)
}

func TestServer_QueryList_ReturnsSnapshots(t *testing.T) {
	fe := &fakeEngine{list: []engine.Snapshot{{Name: "a"}, {Name: "b"}}}
	_, addr := newTestServer(t, fe, bus.New(8))

	conn := dialWS(t, addr)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "query", Method: MethodList, Path: "proj.yaml"}))

	var resp ServerMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "result", resp.Type)
	assert.Len(t, resp.Snapshots, 2)
}

func TestServer_QueryUnknownMethod_ReturnsError(t *testing.T) {
	_, addr := newTestServer(t, &fakeEngine{}, bus.New(8))

	conn := dialWS(t, addr)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "query", Method: "Bogus"}))

	var resp ServerMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Error, "Bogus")
}

func TestServer_Subscribe_ReceivesOnlyMatchingStream(t *testing.T) {
	b := bus.New(8)
	_, addr := newTestServer(t, &fakeEngine{}, b)

	conn := dialWS(t, addr)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Streams: []string{StreamOnStop}}))

	// let the subscription register with the hub before publishing.
	time.Sleep(50 * time.Millisecond)

	b.Publish(bus.Event{Kind: bus.ServiceRunning, Name: "ignored"})
	b.Publish(bus.Event{Kind: bus.ServiceStopped, Name: "api"})

	var resp ServerMessage
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "event", resp.Type)
	assert.Equal(t, StreamOnStop, resp.Stream)
	require.NotNil(t, resp.Event)
	assert.Equal(t, "api", resp.Event.Name)
}

func TestServer_Stop_ClosesListener(t *testing.T) {
	s, addr := newTestServer(t, &fakeEngine{}, bus.New(8))

	require.NoError(t, s.Stop(context.Background()))

	_, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	assert.Error(t, err)
}
