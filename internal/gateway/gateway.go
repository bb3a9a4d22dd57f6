// ABOUTME: Gateway orchestrator that wires storage, feed, bus, and HTTP server
// ABOUTME: Manages component lifecycle from startup through graceful shutdown

package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/correlate"
	"github.com/2389/relay-gateway/internal/dispatch"
	"github.com/2389/relay-gateway/internal/engine"
	"github.com/2389/relay-gateway/internal/feed"
	"github.com/2389/relay-gateway/internal/limiter"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/redisutil"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

// dispatchConsumer names this process's feed cursor. All instances share
// it only if they share a consumer name; each gateway process keeps its
// own so every instance fans out every event to its local subscribers.
const dispatchConsumerPrefix = "gateway-"

// Gateway orchestrates the relay-gateway server components. It owns the
// store, the Redis-backed feed and limiter, the engine bus, the dispatcher,
// and the HTTP server that fronts them.
type Gateway struct {
	config     *config.Config
	store      store.Store
	redis      *redis.Client
	registry   *registry.Registry
	correlator *correlate.Correlator
	service    *Service
	signaler   *engine.NATSSignaler
	ingester   *engine.ReplyIngester
	dispatcher *dispatch.Dispatcher
	httpServer *http.Server
	metrics    metrics.Metrics
	httpMet    metrics.HTTPMetrics
	logger     *slog.Logger
}

// initStore creates the message store from config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	redisClient, err := redisutil.NewClient(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	var m metrics.Metrics = metrics.Noop{}
	var httpMet metrics.HTTPMetrics = metrics.NoopHTTP{}
	if cfg.Metrics.Enabled {
		m = metrics.NewProm("relay")
		httpMet = metrics.NewHTTPProm("relay")
	}

	var regOpts []registry.Option
	if cfg.Dispatch.SubscriberBuffer > 0 {
		regOpts = append(regOpts, registry.WithBufferSize(cfg.Dispatch.SubscriberBuffer))
	}
	if cfg.Dispatch.MaxThreadsPerConn > 0 {
		regOpts = append(regOpts, registry.WithMaxThreads(cfg.Dispatch.MaxThreadsPerConn))
	}
	reg := registry.New(logger, regOpts...)
	corr := correlate.New(logger)

	appender := feed.NewAppender(redisClient, "", logger)
	var readerOpts []feed.ReaderOption
	if cfg.Dispatch.BatchSize > 0 {
		readerOpts = append(readerOpts, feed.WithBatchSize(cfg.Dispatch.BatchSize))
	}
	readerOpts = append(readerOpts, feed.WithGapHandler(m.IncFeedGapDetected))
	reader := feed.NewReader(redisClient, "", dispatchConsumer(), logger, readerOpts...)

	lim := limiter.New(s, redisClient, limiter.Config{
		DefaultMaxUnits:      cfg.Limits.DefaultMaxUnits,
		DefaultWindowSeconds: cfg.Limits.DefaultWindowSeconds,
		FailOpen:             cfg.Limits.FailOpen,
		OpTimeout:            cfg.Limits.OpTimeout,
	}, logger)

	signaler, err := engine.Connect(cfg.Engine.NATSURL, logger)
	if err != nil {
		_ = redisClient.Close()
		_ = s.Close()
		return nil, err
	}

	gw := &Gateway{
		config:     cfg,
		store:      s,
		redis:      redisClient,
		registry:   reg,
		correlator: corr,
		signaler:   signaler,
		ingester:   engine.NewReplyIngester(signaler, s, appender, logger),
		dispatcher: dispatch.New(reader, reg, corr, m, logger),
		service:    NewService(s, lim, appender, signaler, corr, m, logger),
		metrics:    m,
		httpMet:    httpMet,
		logger:     logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, metrics.Handler())
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	authMW := auth.Middleware(verifier)
	route := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, gw.instrument(pattern, authMW(handler)))
	}
	route("/api/send", gw.handleSend)
	route("/api/converse", gw.handleConverse)
	route("/api/history", gw.handleHistory)
	route("/api/subscribe", gw.handleSubscribe)
	route("/api/ws", gw.handleWebSocket)
	route("/api/usage", gw.handleUsage)
	route("/api/limits", gw.handleLimits)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.ingester.Start(); err != nil {
		return err
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()

	errCh := make(chan error, 2)
	go func() {
		if err := g.dispatcher.Run(dispatchCtx); err != nil {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopDispatch()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.ingester.Stop()
	g.signaler.Close()
	g.registry.Close()
	errs = appendCloseError(errs, "redis close", g.redis.Close())
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

// handleReady returns 200 OK when the feed store and the engine bus are
// both reachable; load balancers should stop routing otherwise.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.redis.Ping(ctx).Err(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("feed store unavailable"))
		return
	}
	if !g.signaler.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("engine bus unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// instrument wraps a handler with request metrics keyed by route pattern.
func (g *Gateway) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		g.httpMet.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status for metrics. Flush and
// Hijack pass through so SSE and WebSocket handlers keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// dispatchConsumer builds this instance's feed consumer name. Overridable
// for deployments that want a stable cursor across restarts.
func dispatchConsumer() string {
	if name := os.Getenv("RELAY_CONSUMER_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "default"
	}
	return dispatchConsumerPrefix + host
}
