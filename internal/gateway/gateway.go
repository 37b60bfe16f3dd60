// ABOUTME: Gateway orchestrator that coordinates gRPC and HTTP servers
// ABOUTME: Wires store, credentials, auth gate, rate limiter, session registry and pipeline

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/config"
	"github.com/vrme/vrme-gateway/internal/pipeline"
	"github.com/vrme/vrme-gateway/internal/ratelimit"
	"github.com/vrme/vrme-gateway/internal/session"
	"github.com/vrme/vrme-gateway/internal/store"
)

// tokenPruneInterval is how often expired auth sessions are purged.
const tokenPruneInterval = 15 * time.Minute

// credentialBackend is the session-token store selected by auth.credential_backend.
type credentialBackend interface {
	auth.CredentialStore
	Ping(ctx context.Context) error
}

// Gateway orchestrates the vrme-gateway server components.
// It owns the gRPC and HTTP servers and every component a request passes through.
type Gateway struct {
	config *config.Config
	store  *store.SQLiteStore
	// redis is set when auth.credential_backend selects Redis for session tokens.
	redis *store.RedisCredentialStore

	limiter  *ratelimit.Limiter
	registry *session.Registry
	pipeline *pipeline.Pipeline

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	upgrader   websocket.Upgrader

	// background stops the reaper and token pruner.
	background context.CancelFunc
	logger     *slog.Logger
}

// openStore creates the SQLite store from config.
func openStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithDriver(cfg.Database.Driver),
		store.WithTokenValidity(cfg.Auth.TokenValidity),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// openCredentials returns the session-token backend chosen by config.
func openCredentials(ctx context.Context, cfg *config.Config, sqlStore *store.SQLiteStore, logger *slog.Logger) (credentialBackend, *store.RedisCredentialStore, error) {
	if cfg.Auth.CredentialBackend != "redis" {
		return sqlStore, nil, nil
	}
	rs, err := store.NewRedisCredentialStore(ctx, RedisOptions(cfg.Redis), cfg.Auth.TokenValidity, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing redis credentials: %w", err)
	}
	return rs, rs, nil
}

// RedisOptions converts the redis config section into client options.
func RedisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// newCredentialRouter combines session tokens with optional JWT bearers.
// JWT subjects are resolved through subjects so unknown or revoked accounts
// are refused.
func newCredentialRouter(cfg *config.Config, sessions auth.CredentialStore, subjects auth.SubjectResolver, logger *slog.Logger) (*auth.CredentialRouter, error) {
	router := &auth.CredentialRouter{Sessions: sessions}
	if cfg.Auth.JWTSecret == "" {
		logger.Info("JWT credentials disabled - no jwt_secret configured")
		return router, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	router.JWT = verifier.WithSubjects(subjects)
	logger.Info("JWT credentials enabled")
	return router, nil
}

// sessionConfig maps the sessions and listeners sections onto the registry.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		MaxSessions:        cfg.Sessions.MaxSessions,
		IdleTimeout:        cfg.Sessions.IdleTimeout,
		RetiredIDRetention: cfg.Sessions.RetiredIDRetention,
		DestroyPolicy:      session.DestroyPolicy(cfg.Sessions.DestroyPolicy),
		OnePerOwner:        cfg.Sessions.OnePerOwner,
		CloseOnOwnerLeave:  cfg.Sessions.CloseOnOwnerLeave,
		RecordTimeout:      cfg.Sessions.RecordTimeout,
		Hub: session.HubConfig{
			QueueDepth:       cfg.Listeners.QueueDepth,
			Overflow:         session.OverflowPolicy(cfg.Listeners.OverflowPolicy),
			MaxDegradedDrops: cfg.Listeners.MaxDegradedDrops,
		},
	}
}

// limiterConfig maps the rate_limit section onto the limiter.
func limiterConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		Identity: ratelimit.Limits{
			Capacity:        cfg.RateLimit.Identity.Capacity,
			RefillPerSecond: cfg.RateLimit.Identity.RefillPerSecond,
		},
		IP: ratelimit.Limits{
			Capacity:        cfg.RateLimit.IP.Capacity,
			RefillPerSecond: cfg.RateLimit.IP.RefillPerSecond,
		},
		IdleEviction: cfg.RateLimit.IdleEviction,
		MaxBuckets:   cfg.RateLimit.MaxBuckets,
	}
}

// newGRPCServer creates the gRPC server with keepalive, tracing and the
// pipeline interceptors.
func newGRPCServer(svc *meetingService) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(svc.unaryInterceptor),
		grpc.ChainStreamInterceptor(svc.streamInterceptor),
	)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Auth.StoreTimeout)
	defer cancel()
	credentials, redisStore, err := openCredentials(ctx, cfg, sqlStore, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	router, err := newCredentialRouter(cfg, credentials, sqlStore, logger)
	if err != nil {
		_ = sqlStore.Close()
		if redisStore != nil {
			_ = redisStore.Close()
		}
		return nil, err
	}

	gate := auth.NewGate(router, auth.GateConfig{
		TokenLength:  cfg.Auth.TokenLength,
		StoreTimeout: cfg.Auth.StoreTimeout,
	}, logger)
	limiter := ratelimit.New(limiterConfig(cfg))
	registry := session.NewRegistry(sessionConfig(cfg), sqlStore, logger)

	gw := &Gateway{
		config:   cfg,
		store:    sqlStore,
		redis:    redisStore,
		limiter:  limiter,
		registry: registry,
		pipeline: pipeline.Standard(gate, limiter, pipeline.Options{
			RetryTimeout: cfg.Auth.RetryTimeout,
		}, logger),
		health:     health.NewServer(),
		logger:     logger.With("component", "gateway"),
		background: func() {},
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// Browser clients authenticate with a bearer token, not cookies.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	svc := newMeetingService(gw)
	gw.grpcServer = newGRPCServer(svc)
	registerMeetingService(gw.grpcServer, svc)
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.registerHTTPAPIRoutes(mux)

	// Cleartext HTTP/2 lets one connection multiplex several SSE listeners.
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the API and health endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry returns the session registry.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground launches the idle-session reaper and the expired-token pruner.
func (g *Gateway) startBackground(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.background = cancel

	go g.registry.RunReaper(ctx, g.config.Sessions.ReapInterval)
	go g.pruneTokens(ctx, tokenPruneInterval)
}

// pruneTokens periodically deletes expired auth sessions from SQLite.
func (g *Gateway) pruneTokens(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, g.config.Auth.StoreTimeout)
			n, err := g.store.PruneExpiredTokens(pruneCtx)
			cancel()
			if err != nil {
				g.logger.Warn("pruning expired tokens failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Info("pruned expired tokens", "count", n)
			}
		}
	}
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	g.startBackground(ctx)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The original context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Sessions are torn down first so open listener streams receive their
// terminal update and return before the servers drain.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()
	g.background()

	g.registry.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	g.limiter.Close()
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database and credential store answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.config.Auth.StoreTimeout)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "database", "error", err)
		writeNotReady(w, "database unavailable")
		return
	}
	if g.redis != nil {
		if err := g.redis.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "dependency", "redis", "error", err)
			writeNotReady(w, "credential store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.registry.Len())
}

func writeNotReady(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(msg))
}
