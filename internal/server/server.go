package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/a-essam23/go-relay/internal/metrics"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/notify"
	"github.com/a-essam23/go-relay/pkg/presence"
	"github.com/a-essam23/go-relay/pkg/ratelimit"
	"github.com/a-essam23/go-relay/pkg/store"
	"github.com/a-essam23/go-relay/pkg/transport"
)

// SessionInfo is the per-connection metadata kept in the expiring state
// store. Entries live without expiry while the connection is open and are
// re-stored with a retention TTL on disconnect, so recently closed sessions
// stay inspectable until the sweeper reclaims them.
type SessionInfo struct {
	UserID      string
	TenantID    string
	Roles       []string
	IP          string
	ConnectedAt time.Time
}

func sessionKey(connID string) string { return "session:" + connID }

type App struct {
	logger   *slog.Logger
	config   *config.Config
	presence *presence.Registry
	limiter  *ratelimit.Limiter
	notifier *notify.Service
	router   *router.Router
	sessions *store.Store[string, SessionInfo]

	connMu sync.RWMutex
	conns  map[string]*transport.Connection

	wg   sync.WaitGroup
	http *http.Server

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	app := &App{
		logger:   logger,
		config:   cfg,
		presence: presence.NewRegistry(logger),
		sessions: store.New[string, SessionInfo](logger),
		conns:    make(map[string]*transport.Connection),
		ctx:      rootCtx,
	}
	app.limiter = ratelimit.New(ratelimit.Config{
		Enabled:         cfg.RateLimit.Enabled,
		Limit:           cfg.RateLimit.MaxRequestsPerWindow,
		Window:          cfg.RateLimit.Window(),
		OperationLimits: cfg.RateLimit.OperationLimits,
	}, logger)
	// The app itself is the notify transport: it owns the live socket table.
	app.notifier = notify.NewService(app.presence, app, logger)
	app.router = router.New(logger, app.limiter, app.presence, app.notifier)

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := app.presence.ConnectionCount
	// Cycler closes the user's oldest connection to make room for a new one.
	connCycler := func(userID string) {
		oldestID, found := app.oldestConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldestID))
			app.closeConnection(oldestID, errors.New("connection cycled by new connection"))
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, app.config.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Notifier exposes the fan-out service to application code hosting the server.
func (a *App) Notifier() *notify.Service { return a.notifier }

// Send implements notify.Sender against the live socket table.
func (a *App) Send(ctx context.Context, connectionID string, payload []byte) error {
	a.connMu.RLock()
	conn, ok := a.conns[connectionID]
	a.connMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown connection %q", connectionID)
	}
	if err := conn.Send(payload); err != nil {
		metrics.DeliveryErrors.Inc()
		return err
	}
	metrics.MessagesDelivered.Inc()
	return nil
}

func (a *App) oldestConnection(userID string) (string, bool) {
	var oldestID string
	var oldestAt time.Time
	for _, connID := range a.presence.Connections(userID) {
		info, ok := a.sessions.Get(sessionKey(connID))
		if !ok {
			continue
		}
		if oldestID == "" || info.ConnectedAt.Before(oldestAt) {
			oldestID = connID
			oldestAt = info.ConnectedAt
		}
	}
	return oldestID, oldestID != ""
}

func (a *App) closeConnection(connID string, reason error) {
	a.connMu.RLock()
	conn, ok := a.conns[connID]
	a.connMu.RUnlock()
	if ok {
		conn.Close(reason)
	}
}

func (a *App) Run() error {
	a.sessions.StartSweeper(a.ctx, a.config.State.SweepInterval)
	a.limiter.StartSweeper(a.ctx, a.config.RateLimit.CleanupInterval())

	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	a.register(conn, reqMeta)

	conn.SetOnMessageHandler(a.router.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.deregister(id.String())
	})

	connLogger.Info("User connection fully established", slog.String("userID", reqMeta.UserID))
	conn.Run()
	<-conn.Done()
}

// register wires a freshly upgraded connection into the live socket table,
// the presence registry, the session store, and its tenant/role groups.
func (a *App) register(conn *transport.Connection, reqMeta *middleware.RequestMetadata) {
	connID := conn.ID().String()

	a.connMu.Lock()
	a.conns[connID] = conn
	a.connMu.Unlock()

	a.presence.Add(reqMeta.UserID, connID)
	a.sessions.Set(sessionKey(connID), SessionInfo{
		UserID:      reqMeta.UserID,
		TenantID:    reqMeta.TenantID,
		Roles:       reqMeta.Roles,
		IP:          reqMeta.IP,
		ConnectedAt: time.Now(),
	})

	if reqMeta.TenantID != "" {
		a.notifier.AddToGroup(connID, notify.TenantGroup(reqMeta.TenantID))
	}
	for _, role := range reqMeta.Roles {
		a.notifier.AddToGroup(connID, notify.RoleGroup(role))
	}

	metrics.ActiveConnections.Inc()
	metrics.OnlineUsers.Set(float64(a.presence.OnlineUsers()))
}

// deregister tears down all state for a closed connection. Every step is a
// no-op when already done, so double-closes are harmless.
func (a *App) deregister(connID string) {
	a.connMu.Lock()
	_, tracked := a.conns[connID]
	delete(a.conns, connID)
	a.connMu.Unlock()

	a.presence.Remove(connID)
	a.notifier.DropConnection(connID)
	a.limiter.Reset(connID)

	// Keep the session readable for a while, then let the sweeper take it.
	if info, ok := a.sessions.Get(sessionKey(connID)); ok {
		a.sessions.SetTTL(sessionKey(connID), info, a.config.State.SessionRetention)
	}

	if tracked {
		metrics.ActiveConnections.Dec()
	}
	metrics.OnlineUsers.Set(float64(a.presence.OnlineUsers()))
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.connMu.RLock()
	conns := make([]*transport.Connection, 0, len(a.conns))
	for _, conn := range a.conns {
		conns = append(conns, conn)
	}
	a.connMu.RUnlock()
	for _, conn := range conns {
		conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
