package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/digiblynk/pumpcore/internal/bridges/statebus"
	"github.com/digiblynk/pumpcore/internal/channel"
	"github.com/digiblynk/pumpcore/internal/infrastructure/config"
	"github.com/digiblynk/pumpcore/internal/infrastructure/database"
	"github.com/digiblynk/pumpcore/internal/infrastructure/influxdb"
	"github.com/digiblynk/pumpcore/internal/infrastructure/logging"
	"github.com/digiblynk/pumpcore/internal/infrastructure/metrics"
	"github.com/digiblynk/pumpcore/internal/ingest"
	"github.com/digiblynk/pumpcore/internal/state"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// AppliedNotifier registers post-commit hooks. *state.Reconciler
// implements it.
type AppliedNotifier interface {
	OnApplied(fn state.AppliedFunc)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	DeviceID string
	Channels *channel.Map
	Reader   *state.Reader
	Control  *ingest.Control
	Sync     *ingest.PollSync
	Webhook  *ingest.Webhook
	Notifier AppliedNotifier

	// Optional.
	Metrics  *metrics.Metrics
	DB       *database.DB
	StateBus *statebus.Bridge
	Influx   *influxdb.Client
	Version  string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	deviceID string
	channels *channel.Map
	reader   *state.Reader
	control  *ingest.Control
	sync     *ingest.PollSync
	webhook  *ingest.Webhook
	metrics  *metrics.Metrics
	db       *database.DB
	stateBus *statebus.Bridge
	influx   *influxdb.Client
	version  string

	startTime time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The hub is created here and registered with Notifier so committed
// batches reach WebSocket clients even before Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Channels == nil || deps.Reader == nil {
		return nil, errors.New("channel map and reader are required")
	}
	if deps.Control == nil || deps.Sync == nil || deps.Webhook == nil {
		return nil, errors.New("control, sync and webhook adapters are required")
	}
	if deps.DeviceID == "" {
		return nil, errors.New("device id is required")
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		deviceID:  deps.DeviceID,
		channels:  deps.Channels,
		reader:    deps.Reader,
		control:   deps.Control,
		sync:      deps.Sync,
		webhook:   deps.Webhook,
		metrics:   deps.Metrics,
		db:        deps.DB,
		stateBus:  deps.StateBus,
		influx:    deps.Influx,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}

	if deps.Notifier != nil {
		deps.Notifier.OnApplied(s.broadcastApplied)
	}

	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listen address and serves in a background goroutine.
// Port 0 picks a free port; Addr reports the bound address. The server can
// be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return errors.New("api server not started")
	}

	return nil
}
