package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	coreerrors "overseer/internal/core/errors"
	"overseer/internal/core/engine"
)

// Server is the request/response control adapter: it owns a Unix socket
// and translates each incoming line of JSON into an engine.Engine call.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	SocketPath() string
}

type server struct {
	socketPath string
	engine     engine.Engine
	listener   net.Listener
	running    atomic.Bool
	wg         sync.WaitGroup
	connID     atomic.Int64
	cancel     context.CancelFunc
	log        logger.Logger
}

// NewServer creates a Server bound to the default daemon socket path.
func NewServer(e engine.Engine, log logger.Logger) Server {
	return &server{
		socketPath: DefaultSocketPath(),
		engine:     e,
		log:        log.WithComponent("RPC"),
	}
}

// DefaultSocketPath is the single daemon-wide control socket; unlike the
// teacher's per-profile sockets, one engine here multiplexes every loaded
// project, so there is exactly one.
func DefaultSocketPath() string {
	return filepath.Join(config.SocketDir, config.SocketPrefix+config.Default+config.SocketSuffix)
}

func (s *server) SocketPath() string { return s.socketPath }

func (s *server) Start(ctx context.Context) error {
	if err := s.cleanupStaleSocket(); err != nil {
		return fmt.Errorf("cleanup stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	s.listener = listener
	s.running.Store(true)
	s.log.Info().Str("socket", s.socketPath).Msg("rpc server listening")

	serverCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.acceptConnections(serverCtx)
	}()

	return nil
}

func (s *server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Msg("failed to remove socket file")
	}

	s.log.Info().Msg("rpc server stopped")

	return nil
}

func (s *server) cleanupStaleSocket() error {
	if _, err := os.Stat(s.socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, config.SocketDialTimeout)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s already in use", s.socketPath)
	}

	s.log.Info().Str("socket", s.socketPath).Msg("removing stale socket")

	return os.Remove(s.socketPath)
}

func (s *server) acceptConnections(ctx context.Context) {
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.log.Error().Err(err).Msg("accept failed")
			}

			return
		}

		s.wg.Add(1)

		connID := s.connID.Add(1)

		go func(c net.Conn, id int64) {
			defer s.wg.Done()
			s.handleConnection(ctx, c, id)
		}(conn, connID)
	}
}

func (s *server) handleConnection(ctx context.Context, conn net.Conn, id int64) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(conn, id, Response{Error: err.Error(), ErrorKind: "invalid_config"})
			continue
		}

		resp := s.dispatch(ctx, req)
		s.writeResponse(conn, id, resp)
	}
}

func (s *server) writeResponse(conn net.Conn, id int64, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Int("conn", int(id)).Msg("failed to marshal response")
		return
	}

	data = append(data, '\n')

	if _, err := conn.Write(data); err != nil {
		s.log.Debug().Err(err).Int("conn", int(id)).Msg("client disconnected")
	}
}

func (s *server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodLoadConfig:
		return toResponse(nil, s.engine.LoadConfig(ctx, req.Path, req.Data))
	case MethodStart:
		return toResponse(nil, s.engine.Start(ctx, req.Path, req.Name))
	case MethodStop:
		return toResponse(nil, s.engine.Stop(ctx, req.Path, req.Name))
	case MethodRestart:
		return toResponse(nil, s.engine.Restart(ctx, req.Path, req.Name))
	case MethodStatus:
		snap, err := s.engine.Status(ctx, req.Path, req.Name)
		return toResponse(&snap, err)
	case MethodList:
		snaps, err := s.engine.List(ctx, req.Path)
		return toListResponse(snaps, err)
	case MethodListRunning:
		snaps, err := s.engine.ListRunning(ctx)
		return toListResponse(snaps, err)
	case MethodCreateEnvVar:
		return toResponse(nil, s.engine.CreateEnvVar(ctx, req.Path, req.Name, req.Key, req.Value))
	case MethodUpdateEnvVar:
		return toResponse(nil, s.engine.UpdateEnvVar(ctx, req.Path, req.Name, req.Key, req.Value))
	case MethodDeleteEnvVar:
		return toResponse(nil, s.engine.DeleteEnvVar(ctx, req.Path, req.Name, req.Key))
	default:
		return Response{Error: fmt.Sprintf("unknown method %q", req.Method), ErrorKind: "invalid_config"}
	}
}

func toResponse(snap *engine.Snapshot, err error) Response {
	if err != nil {
		return errResponse(err)
	}

	resp := Response{}
	if snap != nil {
		wire := snapshotToWire(*snap)
		resp.Snapshot = &wire
	}

	return resp
}

func toListResponse(snaps []engine.Snapshot, err error) Response {
	if err != nil {
		return errResponse(err)
	}

	wire := make([]Snapshot, len(snaps))
	for i, s := range snaps {
		wire[i] = snapshotToWire(s)
	}

	return Response{Snapshots: wire}
}

func errResponse(err error) Response {
	kind := coreerrors.Classify(err)

	label := "internal"

	switch {
	case coreerrors.Is(kind, coreerrors.KindNotFound):
		label = "not_found"
	case coreerrors.Is(kind, coreerrors.KindInvalidConfig):
		label = "invalid_config"
	}

	return Response{Error: err.Error(), ErrorKind: label}
}
