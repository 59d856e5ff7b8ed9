package presence

import (
	"log/slog"
	"sync"
)

// Registry tracks which users currently hold live connections. It keeps a
// bidirectional index: user -> set of connection ids, connection id -> user.
// A user with no connections is removed from the index entirely, so
// OnlineUsers never counts ghosts.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{}
	byConn map[string]string

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
		logger: logger.With(slog.String("component", "presence_registry")),
	}
}

// Add registers a connection for a user. Re-adding the same pair is a no-op;
// set semantics make duplicate tracking impossible.
func (r *Registry) Add(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID
	r.logger.Debug("Connection registered", slog.String("userID", userID), slog.String("connID", connID))
}

// Remove deregisters a connection. Removing an unknown connection is a
// silent no-op; disconnect handlers must never fail on a double-remove.
// When the owning user's last connection goes away, the user entry is
// deleted as well.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)

	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		r.logger.Debug("User went offline", slog.String("userID", userID))
	}
	r.logger.Debug("Connection deregistered", slog.String("userID", userID), slog.String("connID", connID))
}

// UserOf returns the user owning a connection.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// PrimaryConnection returns one of the user's connections. Which one is
// unspecified when the user has several; callers must not rely on any
// particular member being picked.
func (r *Registry) PrimaryConnection(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID := range r.byUser[userID] {
		return connID, true
	}
	return "", false
}

// Connections returns a snapshot of the user's connection ids. Unknown or
// offline users yield an empty slice, not an error.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for connID := range conns {
		out = append(out, connID)
	}
	return out
}

// ActiveConnections returns a snapshot of every tracked connection id.
func (r *Registry) ActiveConnections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn))
	for connID := range r.byConn {
		out = append(out, connID)
	}
	return out
}

// ConnectionCount returns how many live connections a user holds.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// IsOnline reports whether the user holds at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns the number of distinct users with live connections.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
