package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	"overseer/internal/core/bus"
	"overseer/internal/core/engine"
)

// Server exposes /metrics and /healthz over chi, grounded on cartographus's
// chi_router.go wiring but trimmed to the two routes a process supervisor's
// ambient observability surface needs.
type Server struct {
	addr      string
	engine    engine.Engine
	recorder  *Recorder
	http      *http.Server
	startedAt time.Time
	log       logger.Logger
}

// NewServer creates a Server listening on config.MetricsListenAddr once
// started.
func NewServer(e engine.Engine, b bus.Bus, log logger.Logger) *Server {
	return &Server{
		addr:     config.MetricsListenAddr,
		engine:   e,
		recorder: NewRecorder(e, b),
		log:      log.WithComponent("METRICS"),
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.recorder.Start(ctx)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)

	s.http = &http.Server{Addr: s.addr, Handler: r}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.recorder.Stop()
		return err
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	s.log.Info().Str("addr", s.addr).Msg("metrics server listening")

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.recorder.Stop()

	if s.http == nil {
		return nil
	}

	return s.http.Shutdown(ctx)
}

// handleHealthz is a liveness probe: it answers 200 as long as the process
// is scheduling goroutines, independent of whether any service is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	uptime := strconv.FormatFloat(time.Since(s.startedAt).Seconds(), 'f', 3, 64)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":` + uptime + `}`))
}
