package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/a-essam23/go-relay/internal/metrics"
	"github.com/a-essam23/go-relay/pkg/notify"
	"github.com/a-essam23/go-relay/pkg/presence"
	"github.com/a-essam23/go-relay/pkg/ratelimit"
)

// Invocation carries everything a handler needs about one inbound message.
type Invocation struct {
	Ctx     context.Context
	ConnID  string
	UserID  string
	Message *ClientMessage
}

// HandlerFunc processes one inbound operation.
type HandlerFunc func(inv *Invocation) error

// Router dispatches inbound client messages to registered operation
// handlers. Every invocation passes through the rate limiter first.
type Router struct {
	logger    *slog.Logger
	limiter   *ratelimit.Limiter
	presence  *presence.Registry
	notifier  *notify.Service
	announcer *notify.Announcer

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(logger *slog.Logger, limiter *ratelimit.Limiter, reg *presence.Registry, notifier *notify.Service) *Router {
	r := &Router{
		logger:    logger.With(slog.String("component", "message_router")),
		limiter:   limiter,
		presence:  reg,
		notifier:  notifier,
		announcer: notify.NewAnnouncer(notifier, logger),
		handlers:  make(map[string]HandlerFunc),
	}
	r.registerCoreHandlers()
	return r
}

// Register binds an operation name to a handler. Duplicate registration is
// a programming error.
func (r *Router) Register(op string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[op]; exists {
		panic("handler already registered: " + op)
	}
	r.handlers[op] = h
}

func (r *Router) handler(op string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[op]
	return h, ok
}

// HandleMessage is wired as the transport's message callback.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	id := connID.String()

	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", slog.String("connID", id), slog.Any("error", err))
		r.notice(ctx, id, "error", `{"reason":"malformed message"}`)
		return
	}
	if clientMsg.Op == "" {
		r.logger.Warn("Client message missing op", slog.String("connID", id))
		r.notice(ctx, id, "error", `{"reason":"missing op"}`)
		return
	}

	if !r.limiter.Allowed(id, clientMsg.Op) {
		metrics.RateLimitRejected.WithLabelValues(clientMsg.Op).Inc()
		r.notice(ctx, id, "rate_limited", `{"reason":"too many requests"}`)
		return
	}

	h, ok := r.handler(clientMsg.Op)
	if !ok {
		r.logger.Warn("Received unknown op", slog.String("op", clientMsg.Op), slog.String("connID", id))
		r.notice(ctx, id, "error", `{"reason":"unknown op"}`)
		return
	}

	// Anonymous connections never reach this point; the server associates
	// the user before wiring the message handler.
	userID, _ := r.presence.UserOf(id)

	inv := &Invocation{
		Ctx:     ctx,
		ConnID:  id,
		UserID:  userID,
		Message: &clientMsg,
	}
	if err := h(inv); err != nil {
		metrics.MessagesHandled.WithLabelValues(clientMsg.Op, "error").Inc()
		r.logger.Error("Handler failed",
			slog.String("op", clientMsg.Op),
			slog.String("connID", id),
			slog.Any("error", err),
		)
		r.notice(ctx, id, "error", `{"reason":"operation failed"}`)
		return
	}
	metrics.MessagesHandled.WithLabelValues(clientMsg.Op, "ok").Inc()
}

// notice pushes a best-effort control message back to the origin.
func (r *Router) notice(ctx context.Context, connID, event string, payload string) {
	msg, err := Envelope(event, json.RawMessage(payload))
	if err != nil {
		return
	}
	r.announcer.SendToConnection(ctx, connID, msg)
}

// Envelope marshals an outbound server message.
func Envelope(event string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(ServerMessage{Event: event, Payload: payload})
}
