package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wtthornton/tappsha-core/internal/approval"
	"github.com/wtthornton/tappsha-core/internal/auth"
	"github.com/wtthornton/tappsha-core/internal/backup"
	"github.com/wtthornton/tappsha-core/internal/emergency"
	"github.com/wtthornton/tappsha-core/internal/infrastructure/config"
	"github.com/wtthornton/tappsha-core/internal/infrastructure/logging"
	"github.com/wtthornton/tappsha-core/internal/infrastructure/mqtt"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
	"github.com/wtthornton/tappsha-core/internal/realtime"
	"github.com/wtthornton/tappsha-core/internal/suggestion"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	Lifecycle   *lifecycle.Engine
	Approvals   *approval.Engine
	Backups     *backup.Manager
	Emergency   *emergency.Coordinator
	Suggestions *suggestion.Service
	UserRepo    auth.UserRepository
	Registry    *realtime.Registry
	Broker      *realtime.Broker
	Limiter     *realtime.Limiter
	MQTT        *mqtt.Client // optional, reported in metrics only
	DB          *sql.DB      // optional, reported in metrics only
	Version     string
}

// Server is the HTTP API server for TappsHA.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket
// endpoint that feeds the realtime session registry. The server is
// created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	lifecycle   *lifecycle.Engine
	approvals   *approval.Engine
	backups     *backup.Manager
	emergency   *emergency.Coordinator
	suggestions *suggestion.Service
	userRepo    auth.UserRepository
	registry    *realtime.Registry
	broker      *realtime.Broker
	limiter     *realtime.Limiter
	mqtt        *mqtt.Client
	db          *sql.DB
	version     string
	startTime   time.Time
	tickets     *ticketStore
	server      *http.Server
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle engine is required")
	}
	if deps.Approvals == nil {
		return nil, fmt.Errorf("approval engine is required")
	}
	if deps.Registry == nil || deps.Broker == nil {
		return nil, fmt.Errorf("realtime registry and broker are required")
	}

	return &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		lifecycle:   deps.Lifecycle,
		approvals:   deps.Approvals,
		backups:     deps.Backups,
		emergency:   deps.Emergency,
		suggestions: deps.Suggestions,
		userRepo:    deps.UserRepo,
		registry:    deps.Registry,
		broker:      deps.Broker,
		limiter:     deps.Limiter,
		mqtt:        deps.MQTT,
		db:          deps.DB,
		version:     deps.Version,
		startTime:   time.Now(),
		tickets:     newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the ticket cleanup loop, and launches
// the HTTP listener in a background goroutine. The server can be
// stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.cleanTicketsLoop(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
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
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
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

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
