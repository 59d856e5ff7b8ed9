package rooms

import (
	"log/slog"
	"sync"
)

type room[T any] struct {
	mu    sync.Mutex
	value T
}

// Registry holds named rooms carrying arbitrary metadata. Rooms are created
// lazily through GetOrCreate and mutated under per-room exclusivity.
type Registry[T any] struct {
	mu    sync.RWMutex
	rooms map[string]*room[T]

	logger *slog.Logger
}

func NewRegistry[T any](logger *slog.Logger) *Registry[T] {
	return &Registry[T]{
		rooms:  make(map[string]*room[T]),
		logger: logger.With(slog.String("component", "room_registry")),
	}
}

// Get returns the room's metadata if the room exists.
func (r *Registry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rm, ok := r.rooms[name]; ok {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		return rm.value, true
	}
	var zero T
	return zero, false
}

// GetOrCreate returns the room's metadata, creating the room from factory on
// first reference. Racing callers on an absent name observe exactly one
// factory invocation and the same resulting value.
func (r *Registry[T]) GetOrCreate(name string, factory func(name string) T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[name]; ok {
		return rm.value
	}
	rm := &room[T]{value: factory(name)}
	r.rooms[name] = rm
	r.logger.Debug("Room created", slog.String("room", name))
	return rm.value
}

// Remove deletes the room, reporting whether it existed.
func (r *Registry[T]) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[name]; !ok {
		return false
	}
	delete(r.rooms, name)
	r.logger.Debug("Room removed", slog.String("room", name))
	return true
}

// RemoveIf deletes the room only when cond holds for its metadata,
// evaluated under the room's exclusive lock. Used to reap empty groups
// without racing a concurrent join.
func (r *Registry[T]) RemoveIf(name string, cond func(T) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		return false
	}
	rm.mu.Lock()
	remove := cond(rm.value)
	rm.mu.Unlock()
	if !remove {
		return false
	}
	delete(r.rooms, name)
	r.logger.Debug("Room removed", slog.String("room", name))
	return true
}

// Exists reports whether the room is present.
func (r *Registry[T]) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[name]
	return ok
}

// All returns a snapshot of every room's metadata. No ordering guarantee.
func (r *Registry[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm.value)
	}
	return out
}

// Len returns the number of rooms.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Update runs mutator with exclusive access to the room's metadata and
// stores the result. No other Update on the same name can interleave.
// Updating an absent room is a no-op and never creates one; the return
// value reports whether the mutator ran.
func (r *Registry[T]) Update(name string, mutator func(T) T) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[name]
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.value = mutator(rm.value)
	return true
}
