// Package app wires the desk server runtime: config, logging, persistence,
// sessions, the conversation service, the realtime gateway, the REST API and
// the event relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"desk/cmd/internal/api"
	"desk/cmd/internal/auth/session"
	"desk/cmd/internal/chat"
	"desk/cmd/internal/realtime"
	"desk/cmd/internal/relay"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App owns every long-lived dependency of the server process.
type App struct {
	cfg Config
	log Logger

	pool *pgxpool.Pool

	registry *prometheus.Registry

	sessions *session.Service
	chat     *chat.Service
	router   *realtime.Router
	gateway  *realtime.Gateway
	api      *api.Handler
	relay    *relay.Relay
	audit    api.AuditLog
}

// New builds a fully wired App. On error every resource acquired so far is released.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	if err := a.wire(ctx); err != nil {
		a.closeResources(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	log := a.log

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	chatStore, sessionStore, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("app: session config: %w", err)
	}
	tokens, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		return fmt.Errorf("app: token manager: %w", err)
	}
	a.sessions = session.NewService(sessCfg, sessionStore, tokens)

	chatCfg, err := chat.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("app: chat config: %w", err)
	}

	relayCfg, err := relay.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("app: relay config: %w", err)
	}
	sink, err := a.openSink(ctx, relayCfg)
	if err != nil {
		return err
	}
	a.relay = relay.New(log, relayCfg, sink)

	metrics := realtime.NewMetrics(a.registry)
	a.router = realtime.NewRouter(log, metrics)

	a.chat = chat.NewService(chatCfg, log, chatStore, chat.Fanout(a.router, a.relay))

	a.gateway = realtime.NewGateway(
		log,
		realtime.LoadGatewayConfigFromEnv(),
		realtime.NewAuthenticator(a.sessions),
		a.router,
		a.chat,
		metrics,
	)

	var apiOpts []api.Option
	if a.audit != nil {
		apiOpts = append(apiOpts, api.WithAudit(a.audit))
	}
	a.api = api.NewHandler(log, api.LoadConfigFromEnv(), a.sessions, a.chat, apiOpts...)
	return nil
}

// openStores picks Postgres when a database URL is configured and in-memory stores otherwise.
func (a *App) openStores(ctx context.Context) (chat.Store, session.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Warn("db.disabled.inmemory_store")
		return chat.NewInMemoryStore(), session.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}
	a.pool = pool

	chatStore, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}
	sessionStore, err := session.NewPostgresStore(pool, a.cfg.DBSchema)
	if err != nil {
		return nil, nil, err
	}
	auditLog, err := api.NewPostgresAuditLog(pool, a.cfg.DBSchema)
	if err != nil {
		return nil, nil, err
	}
	a.audit = auditLog

	if a.cfg.AutoMigrate {
		if err := chatStore.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("app: chat schema: %w", err)
		}
		if err := sessionStore.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("app: session schema: %w", err)
		}
		if err := auditLog.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("app: audit schema: %w", err)
		}
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "auto_migrate", a.cfg.AutoMigrate)
	return chatStore, sessionStore, nil
}

func (a *App) openSink(ctx context.Context, cfg relay.Config) (relay.Sink, error) {
	if !cfg.Enabled() {
		a.log.Info("relay.disabled.log_sink")
		return relay.LogSink{Log: a.log}, nil
	}
	sink, err := relay.DialAMQP(ctx, a.log, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: relay: %w", err)
	}
	a.log.Info("relay.enabled.amqp", "exchange", cfg.Exchange)
	return sink, nil
}

// Handler returns the full HTTP surface wrapped in the process middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.closeResources(context.Background())
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"base_url", runtimeBaseURL(ln.Addr().String()),
		"db_enabled", a.pool != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case serveErr = <-errCh:
		a.log.Error("server.fail", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; they end
	// when ctx (their base context) is cancelled.
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		a.log.Error("server.shutdown.fail", "err", err)
		serveErr = err
	}

	a.closeResources(shutdownCtx)
	a.log.Info("server.stopped")
	return serveErr
}

// closeResources drains the relay and closes the pool. It is safe to call twice.
func (a *App) closeResources(ctx context.Context) {
	if a.relay != nil {
		if err := a.relay.Close(ctx); err != nil {
			a.log.Error("relay.close.fail", "err", err)
		}
		a.relay = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
