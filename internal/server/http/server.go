// Package http exposes the orchestrator, the registry, the scheduler and the
// message bus over a gin HTTP API with a websocket event stream.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"edgeai/internal/bus"
	"edgeai/internal/domain/agent"
	"edgeai/internal/domain/task"
	"edgeai/internal/logging"
	"edgeai/internal/observability"
	"edgeai/internal/registry"
	"edgeai/internal/scheduler"
)

// TaskService is the orchestrator surface the API forwards to.
type TaskService interface {
	Submit(ctx context.Context, t task.Task) (string, error)
	Status(taskID string) (task.Task, error)
	List() []task.Task
	Cancel(taskID string) error
	Agents() []agent.Agent
}

// ModelView reports registry state.
type ModelView interface {
	Snapshot() []registry.Handle
	Usage() registry.Usage
}

// SchedulerView reports GPU slot occupancy.
type SchedulerView interface {
	Stats() scheduler.Stats
}

type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Debug          bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type Deps struct {
	Tasks     TaskService
	Models    ModelView
	Scheduler SchedulerView
	Bus       *bus.Bus
	Probes    []HealthProbe
	Tracer    *observability.TracerProvider
	Gatherer  prometheus.Gatherer
	Logger    logging.Logger
	Version   string
}

// Server is the API process.
type Server struct {
	cfg        Config
	deps       Deps
	logger     logging.Logger
	engine     *gin.Engine
	upgrader   websocket.Upgrader
	startedAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	httpServer *http.Server
}

// NewServer wires routes and middleware. Tasks is required.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Tasks == nil {
		return nil, fmt.Errorf("http server: task service is required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logging.OrNop(deps.Logger),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	s.engine = s.routes()
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.engine,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then drains in-flight requests and closes
// event streams.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.cancel()
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("API stopped")
	return nil
}

// Close ends open event streams without stopping the listener.
func (s *Server) Close() { s.cancel() }

func originChecker(allowed []string) func(r *http.Request) bool {
	if allowAll(allowed) {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == origin {
				return true
			}
		}
		return false
	}
}

func allowAll(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
