package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	apihttp "github.com/nexus-runtime/bridge/internal/api/http"
	"github.com/nexus-runtime/bridge/internal/api/middleware"
	"github.com/nexus-runtime/bridge/internal/extension"
	"github.com/nexus-runtime/bridge/internal/infrastructure/config"
	"github.com/nexus-runtime/bridge/internal/infrastructure/monitoring"
	"github.com/nexus-runtime/bridge/internal/infrastructure/tracing"
	"github.com/nexus-runtime/bridge/internal/logging"
	"github.com/nexus-runtime/bridge/internal/runtime"
	"github.com/nexus-runtime/bridge/internal/state"
	"github.com/nexus-runtime/bridge/internal/ws"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	config     *config.Config
	logger     *logging.Logger
	router     *gin.Engine
	httpServer *http.Server
	runtime    *runtime.Runtime
	store      state.Store
	hub        *ws.Hub
	handlers   *apihttp.Handlers
	telemetry  tracing.Shutdown
}

// NewServer builds the runtime, its extensions and the API around it
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing runtime server",
		zap.String("port", cfg.Server.Port),
		zap.String("state_backend", cfg.State.Backend),
		zap.Int("max_instances", cfg.Runtime.MaxInstances))

	telemetry, err := tracing.Init(ctx, cfg.Telemetry, cfg.Runtime.Version, logger.Logger)
	if err != nil {
		return nil, err
	}

	store, err := newStore(ctx, cfg.State)
	if err != nil {
		_ = telemetry(ctx)
		return nil, err
	}

	registry, err := newExtensions(cfg.Extensions, logger.Logger)
	if err != nil {
		_ = store.Close()
		_ = telemetry(ctx)
		return nil, err
	}

	// the hook needs the handlers, which need the runtime
	var handlers *apihttp.Handlers
	rt, err := runtime.New(cfg.Runtime,
		runtime.WithLogger(logger.Logger),
		runtime.WithStateStore(store),
		runtime.WithExtensions(registry.View()),
		runtime.WithSuspensionHook(func(ev runtime.SuspensionEvent) {
			if handlers != nil {
				handlers.OnSuspensionEvent(ev)
			}
		}))
	if err != nil {
		_ = store.Close()
		_ = telemetry(ctx)
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}

	metrics := monitoring.New(rt.Registry())
	hub := ws.NewHub(logger.Logger, metrics)

	dispatcher := extension.NewDispatcher(registry, rt, cfg.Extensions.MaxResumeRounds, logger.Logger)
	dispatcher.Observe(metrics.RecordExtensionCall)

	handlers = apihttp.NewHandlers(rt, registry, dispatcher, hub, metrics, logger.Logger, cfg.Runtime.Version)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger.Logger))
	router.Use(middleware.Recovery(logger.Logger))
	router.Use(tracing.HTTPMiddleware(otel.GetTracerProvider()))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	handlers.RegisterRoutes(router)

	logger.Info("Server initialized successfully",
		zap.Strings("extensions", registry.Names()))

	return &Server{
		config:  cfg,
		logger:  logger,
		router:  router,
		runtime: rt,
		store:   store,
		hub:     hub,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handlers:  handlers,
		telemetry: telemetry,
	}, nil
}

func newStore(ctx context.Context, cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return state.NewMemoryStore(), nil
	case "redis":
		store, err := state.NewRedisStore(ctx, state.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func newExtensions(cfg config.ExtensionConfig, logger *zap.Logger) (*extension.Registry, error) {
	var exts []extension.Extension
	if cfg.HTTPEnabled {
		exts = append(exts, extension.NewHTTP(extension.HTTPOptions{
			Timeout:              time.Duration(cfg.HTTPTimeoutMS) * time.Millisecond,
			Retries:              cfg.HTTPRetries,
			RateLimit:            cfg.HTTPRateLimit,
			Burst:                cfg.HTTPBurst,
			AllowedHosts:         cfg.HTTPAllowedHosts,
			AllowPrivateNetworks: cfg.HTTPAllowPrivate,
			Logger:               logger,
		}))
	}
	return extension.NewRegistry(exts...)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler { return s.router }

// Runtime returns the handler runtime
func (s *Server) Runtime() *runtime.Runtime { return s.runtime }

// Run serves until Shutdown is called
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels pending suspensions and
// releases the state store and telemetry exporters
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := s.runtime.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", err))
	}
	if err := s.handlers.Wait(ctx); err != nil {
		s.logger.Warn("Background executions still running", zap.Error(err))
	}
	s.hub.Close()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("state store: %w", err))
	}
	if err := s.telemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	_ = s.logger.Sync()
	return errors.Join(errs...)
}
