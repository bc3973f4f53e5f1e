// Package app wires the lumina-talk runtime: config, logging, HTTP routes,
// the message store, the broadcaster, presence, and the websocket gateway.
//
// It is intentionally small and deterministic to keep behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Gagan-jade/lumina-talk/internal/chat"
	"github.com/Gagan-jade/lumina-talk/internal/gateway"
)

// Closer is a small app-level lifecycle abstraction so backing resources can
// be released gracefully in one place.
type Closer interface {
	Close(ctx context.Context) error
}

type nopCloser struct{}

func (nopCloser) Close(context.Context) error { return nil }

// App is the server runtime: it owns HTTP wiring and the chat dependencies.
type App struct {
	cfg Config
	log Logger

	resources Closer

	dbPool    *pgxpool.Pool
	dbEnabled bool

	gw *gateway.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	ctx := context.Background()

	stores, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	bcast, err := newBroadcaster(ctx, cfg, log)
	if err != nil {
		_ = stores.Close(ctx)
		return nil, err
	}

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		_ = bcast.Close()
		_ = stores.Close(ctx)
		return nil, err
	}

	resolver := chat.NewResolver(log, stores.conversations)

	gwCfg := gateway.Config{
		OriginRequired:   &cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadIdleTimeout:  cfg.WSReadIdleTimeout,
		SendQueueSize:    cfg.WSSendQueue,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	}
	gw := gateway.New(log, resolver, stores.messages, bcast, stores.presence, verifier, gwCfg)

	return &App{
		cfg:       cfg,
		log:       log,
		resources: appResources{stores: stores, bcast: bcast},
		dbPool:    stores.pool,
		dbEnabled: stores.pool != nil,
		gw:        gw,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gw)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.resources.Close(shutdownCtx); err != nil {
		a.log.Error("resources.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// stores bundles the storage-side dependencies plus their shared pool.
type stores struct {
	messages      chat.MessageStore
	conversations chat.ConversationStore
	presence      chat.Tracker

	pool *pgxpool.Pool
}

func (s stores) Close(context.Context) error {
	_ = s.presence.Close()
	_ = s.messages.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// newStores decides between Postgres-backed persistence and the in-memory
// dev store.
func newStores(ctx context.Context, cfg Config, log Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := chat.NewMemoryStore()
		return stores{
			messages:      mem,
			conversations: mem,
			presence:      chat.NewMemoryTracker(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return stores{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model: app owns the pool lifecycle; the store/tracker Close
	// methods do not touch it.
	pg, err := chat.NewPostgresStore(log, pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	tracker, err := chat.NewPostgresTracker(log, pool, cfg.DBSchema)
	if err != nil {
		pool.Close()
		return stores{}, err
	}

	return stores{
		messages:      pg,
		conversations: pg,
		presence:      tracker,
		pool:          pool,
	}, nil
}

// newBroadcaster decides between Redis pub/sub and the in-process fanout.
func newBroadcaster(ctx context.Context, cfg Config, log Logger) (chat.Broadcaster, error) {
	if cfg.RedisURL == "" {
		log.Info("broadcast.inprocess")
		return chat.NewMemoryBroadcaster(log), nil
	}
	log.Info("broadcast.redis")
	return chat.NewRedisBroadcaster(ctx, log, cfg.RedisURL)
}

// newVerifier enforces the token policy: HMAC key required unless dev mode is
// explicitly enabled.
func newVerifier(cfg Config, log Logger) (gateway.TokenVerifier, error) {
	if cfg.TokenHMACKey != "" {
		return gateway.NewHMACVerifier(cfg.TokenHMACKey)
	}
	if cfg.DevInsecureAuth {
		log.Warn("auth.insecure.dev_mode")
		return gateway.InsecureVerifier{}, nil
	}
	return nil, errors.New("app: LUMINA_TOKEN_HMAC_KEY not set (set LUMINA_DEV_INSECURE_AUTH=true for dev)")
}

type appResources struct {
	stores stores
	bcast  chat.Broadcaster
}

func (r appResources) Close(ctx context.Context) error {
	_ = r.bcast.Close()
	return r.stores.Close(ctx)
}
