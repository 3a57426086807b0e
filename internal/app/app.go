// Package app wires all parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the WebSocket endpoint until its context is done,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithConversationLog, WithMetrics, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/internal/tools/calculator"
	"github.com/MrWong99/parley/internal/tools/clock"
	"github.com/MrWong99/parley/internal/tools/mcpbridge"
	"github.com/MrWong99/parley/internal/tools/weather"
	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/memory/postgres"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultMetricsPath     = "/metrics"
	defaultFrameQueueSize  = 64
)

// App owns all subsystem lifetimes and serves the conversation endpoint.
type App struct {
	providers *Providers
	metrics   *observe.Metrics
	tools     *tools.Registry
	bridge    *mcpbridge.Bridge
	store     memory.ConversationLog
	checks    []health.Checker
	sessions  *SessionManager
	handler   http.Handler

	// mu guards the reloadable state below.
	mu   sync.RWMutex
	cfg  *config.Config
	pipe *pipeline.Pipeline

	// conns tracks connection goroutines so Shutdown can wait for them.
	conns sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConversationLog injects a conversation log instead of connecting to
// the configured Postgres store.
func WithConversationLog(l memory.ConversationLog) Option {
	return func(a *App) { a.store = l }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithToolRegistry injects a pre-populated tool registry. Built-in and MCP
// tools from the config are added to it.
func WithToolRegistry(r *tools.Registry) Option {
	return func(a *App) { a.tools = r }
}

// WithChecks adds readiness checks served on /readyz.
func WithChecks(checks ...health.Checker) Option {
	return func(a *App) { a.checks = append(a.checks, checks...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via [BuildProviders]). Use Option functions to
// inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: tool registration, MCP
// server connection, store connection and pipeline construction.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.checks = append(a.checks, providers.Checks...)

	// ── 1. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 2. Conversation log ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	pipe, err := a.buildPipeline(cfg.Conversation)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.pipe = pipe

	// ── 4. Sessions + HTTP routes ────────────────────────────────────────
	a.sessions = NewSessionManager(cfg.Server.MaxSessions, a.metrics)
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTools registers the enabled built-ins and every MCP server's tools.
func (a *App) initTools(ctx context.Context) error {
	if a.tools == nil {
		a.tools = tools.NewRegistry(tools.WithMetrics(a.metrics))
	}

	for _, name := range a.cfg.Tools.EnabledBuiltins() {
		var set []tools.Tool
		switch name {
		case config.ToolCalculate:
			set = calculator.Tools()
		case config.ToolGetTime:
			set = clock.Tools()
		case config.ToolGetWeather:
			set = weather.Tools(a.weatherOptions()...)
		default:
			return fmt.Errorf("unknown built-in tool %q", name)
		}
		for _, t := range set {
			if err := a.tools.Register(t); err != nil {
				return err
			}
		}
	}

	if len(a.cfg.Tools.MCPServers) > 0 {
		a.bridge = mcpbridge.New(a.tools)
		a.closers = append(a.closers, a.bridge.Close)
		for _, srv := range a.cfg.Tools.MCPServers {
			if err := a.bridge.Connect(ctx, srv.Bridge()); err != nil {
				return err
			}
		}
	}
	slog.Info("tools registered", "tools", a.tools.Names())
	return nil
}

func (a *App) weatherOptions() []weather.Option {
	var opts []weather.Option
	if u := a.cfg.Tools.Weather.GeocodingURL; u != "" {
		opts = append(opts, weather.WithGeocodingURL(u))
	}
	if u := a.cfg.Tools.Weather.ForecastURL; u != "" {
		opts = append(opts, weather.WithForecastURL(u))
	}
	return opts
}

// initStore connects the Postgres conversation log unless one was injected.
// An empty DSN leaves the log disabled.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Info("conversation log disabled, no store.postgres_dsn configured")
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.checks = append(a.checks, health.PingCheck("store", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// buildPipeline creates a pipeline for conv sharing the app's providers and
// tools.
func (a *App) buildPipeline(conv config.ConversationConfig) (*pipeline.Pipeline, error) {
	return pipeline.New(a.providers.pipeline(),
		pipeline.WithConfig(pipelineConfig(conv)),
		pipeline.WithTools(a.tools),
		pipeline.WithMetrics(a.metrics),
	)
}

func pipelineConfig(conv config.ConversationConfig) pipeline.Config {
	return pipeline.Config{
		SilenceThreshold: conv.SilenceThreshold,
		SystemPrompt:     conv.SystemPrompt,
		Model:            conv.Model,
		VisionPrompt:     conv.VisionPrompt,
		VisionModel:      conv.VisionModel,
		MaxToolRounds:    conv.MaxToolRounds,
		AudioChunkBytes:  conv.AudioChunkBytes,
		ToolTimeout:      conv.ToolTimeout,
		TurnTimeout:      conv.TurnTimeout,
	}
}

// routes builds the HTTP handler: the WebSocket endpoint, health probes and
// the metrics endpoint, all behind the tracing middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", a.handleWS)
	health.New(a.checks...).Register(mux)

	path := a.cfg.Telemetry.MetricsPath
	if path == "" {
		path = defaultMetricsPath
	}
	if path != "-" {
		mux.Handle("GET "+path, observe.MetricsHandler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving all routes.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Tools returns the tool registry offered to the model.
func (a *App) Tools() *tools.Registry { return a.tools }

// config returns the active configuration.
func (a *App) config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// current returns the pipeline and conversation settings new sessions use.
func (a *App) current() (*pipeline.Pipeline, config.ConversationConfig) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pipe, a.cfg.Conversation
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies next to the running app and returns what changed.
// Conversation settings take effect for new sessions; running sessions keep
// the pipeline they started with. Sections that are only read at startup are
// listed in [config.ConfigDiff.RestartRequired] and otherwise ignored.
func (a *App) Reload(next *config.Config) (config.ConfigDiff, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	diff := config.Diff(a.cfg, next)
	if diff.ConversationChanged {
		pipe, err := a.buildPipeline(next.Conversation)
		if err != nil {
			return diff, fmt.Errorf("app: reload pipeline: %w", err)
		}
		a.pipe = pipe
	}

	updated := *a.cfg
	updated.Conversation = next.Conversation
	updated.Server.LogLevel = next.Server.LogLevel
	a.cfg = &updated

	if len(diff.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", diff.RestartRequired)
	}
	return diff, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on server.listen_addr and serves until ctx is cancelled, then
// shuts the HTTP server down gracefully.
func (a *App) Run(ctx context.Context) error {
	addr := a.config().Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. When ctx is done,
// Serve stops accepting, cancels every session and returns nil once the
// server has stopped.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tls := a.config().Server.TLS

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", ln.Addr().String(), "tls", tls != nil)
		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()

		// Hijacked WebSocket connections are not closed by srv.Shutdown.
		a.sessions.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.config().Server.ShutdownTimeout; d > 0 {
		return d
	}
	return defaultShutdownTimeout
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels every session, waits for their connections to finish until
// ctx expires, then closes the MCP bridge and the store. It is safe to call
// more than once; only the first call does any work.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count())
		a.sessions.CloseAll()

		done := make(chan struct{})
		go func() {
			a.conns.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			shutdownErr = fmt.Errorf("app: shutdown: %w", ctx.Err())
			slog.Warn("shutdown deadline exceeded; sessions still running", "sessions", a.sessions.Count())
		}

		a.closeAll()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers in order, logging failures.
func (a *App) closeAll() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
