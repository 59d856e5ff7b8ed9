package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config mirrors the rateLimit configuration section.
type Config struct {
	Enabled         bool
	Limit           int           // global max requests per window
	Window          time.Duration // sliding window size
	OperationLimits map[string]int
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	TrackedConnections int
	TrackedRequests    int
	RejectedTotal      uint64
	LastSweep          time.Time
}

type windowKey struct {
	connID string
	op     string
}

type window struct {
	stamps   []time.Time
	lastSeen time.Time
}

// Limiter applies sliding-window admission control per connection, with
// optional per-operation windows. A sliding window avoids the boundary
// burst of fixed windows at the cost of pruning timestamps on each check,
// which is cheap at the hundreds-to-low-thousands connection scale this
// serves.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	windows  map[windowKey]*window
	rejected atomic.Uint64

	sweepMu   sync.Mutex
	lastSweep time.Time

	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Limiter)

// WithNow overrides the limiter's clock. Tests use it to advance time
// deterministically.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		windows: make(map[windowKey]*window),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "rate_limiter")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) limitFor(op string) int {
	if op != "" {
		if limit, ok := l.cfg.OperationLimits[op]; ok {
			return limit
		}
	}
	return l.cfg.Limit
}

// Allowed reports whether a request on the given connection (and optional
// operation; "" means the global bucket) is admitted. A rejected request is
// counted but not recorded against the window. Allowed never returns an
// error: rejection is policy, not a fault, and an internal inconsistency
// (such as the clock moving backwards) degrades to admitting the request
// rather than throttling live traffic.
func (l *Limiter) Allowed(connID, op string) bool {
	if !l.cfg.Enabled {
		return true
	}

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	limit := l.limitFor(op)
	key := windowKey{connID: connID, op: op}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.lastSeen = now
	w.stamps = prune(w.stamps, cutoff)

	if len(w.stamps) >= limit {
		l.rejected.Add(1)
		l.logger.Debug("Request rejected by rate limit",
			slog.String("connID", connID),
			slog.String("operation", op),
			slog.Int("limit", limit),
		)
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// prune drops timestamps at or before cutoff from the front of the window.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

// Remaining returns how many more requests the window admits, floored at
// zero. It does not record an attempt or mutate the window.
func (l *Limiter) Remaining(connID, op string) int {
	if !l.cfg.Enabled {
		return l.limitFor(op)
	}

	cutoff := l.now().Add(-l.cfg.Window)
	limit := l.limitFor(op)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[windowKey{connID: connID, op: op}]
	if !ok {
		return limit
	}
	inWindow := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			inWindow++
		}
	}
	if inWindow >= limit {
		return 0
	}
	return limit - inWindow
}

// Reset drops every window tracked for the connection, including all
// operation-specific ones. Used when a connection is torn down.
func (l *Limiter) Reset(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.windows {
		if key.connID == connID {
			delete(l.windows, key)
		}
	}
}

// Stats returns a snapshot of limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	conns := make(map[string]struct{}, len(l.windows))
	requests := 0
	for key, w := range l.windows {
		conns[key.connID] = struct{}{}
		requests += len(w.stamps)
	}
	l.mu.Unlock()

	l.sweepMu.Lock()
	lastSweep := l.lastSweep
	l.sweepMu.Unlock()

	return Stats{
		TrackedConnections: len(conns),
		TrackedRequests:    requests,
		RejectedTotal:      l.rejected.Load(),
		LastSweep:          lastSweep,
	}
}

// Sweep removes windows idle for more than twice the window size and
// returns how many were reclaimed.
func (l *Limiter) Sweep() int {
	now := l.now()
	idleCutoff := now.Add(-2 * l.cfg.Window)

	l.mu.Lock()
	removed := 0
	for key, w := range l.windows {
		if w.lastSeen.Before(idleCutoff) {
			delete(l.windows, key)
			removed++
		}
	}
	l.mu.Unlock()

	l.sweepMu.Lock()
	l.lastSweep = now
	l.sweepMu.Unlock()
	return removed
}

// StartSweeper runs Sweep on a fixed interval until ctx is cancelled. A
// panicking sweep is logged and the schedule continues on the next tick.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.runSweep()
			case <-ctx.Done():
				l.logger.Debug("Sweeper stopped")
				return
			}
		}
	}()
}

func (l *Limiter) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Sweep panicked", slog.Any("panic", r))
		}
	}()
	if removed := l.Sweep(); removed > 0 {
		l.logger.Debug("Swept idle rate-limit windows", slog.Int("removed", removed))
	}
}
