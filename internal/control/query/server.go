package query

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	"overseer/internal/core/bus"
	"overseer/internal/core/engine"
)

// Server serves the read/subscribe control surface over websockets.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Addr() string
}

type server struct {
	addr      string
	engine    engine.Engine
	bus       bus.Bus
	hub       Hub
	http      *http.Server
	upgrade   websocket.Upgrader
	connID    atomic.Int64
	cancelHub context.CancelFunc
	log       logger.Logger
}

// NewServer creates a Server listening on config.QueryListenAddr once started.
func NewServer(e engine.Engine, b bus.Bus, log logger.Logger) Server {
	return &server{
		addr:   config.QueryListenAddr,
		engine: e,
		bus:    b,
		hub:    NewHub(config.EventBusBuffer),
		log:    log.WithComponent("QUERY"),
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *server) Addr() string { return s.addr }

func (s *server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.http = &http.Server{Addr: s.addr, Handler: mux}

	hubCtx, cancel := context.WithCancel(ctx)

	go s.hub.Run(hubCtx, s.bus)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("query server stopped unexpectedly")
		}
	}()

	s.log.Info().Str("addr", s.addr).Msg("query server listening")
	s.cancelHub = cancel

	return nil
}

func (s *server) Stop(ctx context.Context) error {
	if s.cancelHub != nil {
		s.cancelHub()
	}

	if s.http == nil {
		return nil
	}

	return s.http.Shutdown(ctx)
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	defer conn.Close()

	id := s.connID.Add(1)
	client := NewClient(clientID(id), config.EventBusBuffer, nil)

	s.hub.Register(client)
	defer s.hub.Unregister(client)

	done := make(chan struct{})

	go s.writeLoop(conn, client, done)
	s.readLoop(conn, client)
	close(done)
}

func (s *server) writeLoop(conn *websocket.Conn, client *Client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-client.Send:
			if !ok {
				return
			}

			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (s *server) readLoop(conn *websocket.Conn, client *Client) {
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			client.SetStreams(msg.Streams)
		case "query":
			s.handleQuery(conn, msg)
		}
	}
}

func (s *server) handleQuery(conn *websocket.Conn, msg ClientMessage) {
	ctx := context.Background()

	var resp ServerMessage

	switch msg.Method {
	case MethodStatus:
		snap, err := s.engine.Status(ctx, msg.Path, msg.Name)
		resp = queryResult(&snap, nil, err)
	case MethodList:
		snaps, err := s.engine.List(ctx, msg.Path)
		resp = queryResult(nil, snaps, err)
	case MethodListRunning:
		snaps, err := s.engine.ListRunning(ctx)
		resp = queryResult(nil, snaps, err)
	default:
		resp = ServerMessage{Type: "error", Error: "unknown method: " + msg.Method}
	}

	if err := conn.WriteJSON(resp); err != nil {
		s.log.Debug().Err(err).Msg("failed to write query result")
	}
}

func queryResult(snap *engine.Snapshot, snaps []engine.Snapshot, err error) ServerMessage {
	if err != nil {
		return ServerMessage{Type: "error", Error: err.Error()}
	}

	resp := ServerMessage{Type: "result"}

	if snap != nil {
		wire := snapshotToWire(*snap)
		resp.Snapshot = &wire
	}

	if snaps != nil {
		wire := make([]Snapshot, len(snaps))
		for i, sn := range snaps {
			wire[i] = snapshotToWire(sn)
		}

		resp.Snapshots = wire
	}

	return resp
}

func clientID(n int64) string {
	return "client-" + strconv.FormatInt(n, 10)
}
