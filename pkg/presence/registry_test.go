package presence_test

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/a-essam23/go-relay/pkg/presence"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestRegistry() *presence.Registry {
	return presence.NewRegistry(newTestLogger())
}

func TestPresenceLifecycle(t *testing.T) {
	r := newTestRegistry()

	r.Add("u1", "c1")
	if !r.IsOnline("u1") {
		t.Fatal("User should be online after first connection")
	}
	if n := r.OnlineUsers(); n != 1 {
		t.Errorf("Expected 1 online user, got %d", n)
	}

	r.Add("u1", "c2")
	if conns := r.Connections("u1"); len(conns) != 2 {
		t.Errorf("Expected 2 connections, got %v", conns)
	}

	r.Remove("c1")
	conns := r.Connections("u1")
	if len(conns) != 1 || conns[0] != "c2" {
		t.Errorf("Expected only [c2] to remain, got %v", conns)
	}

	r.Remove("c2")
	if r.IsOnline("u1") {
		t.Error("User should be offline after last connection removed")
	}
	if n := r.OnlineUsers(); n != 0 {
		t.Errorf("Expected 0 online users, got %d", n)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	r := newTestRegistry()

	r.Add("u1", "c1")
	r.Add("u1", "c1")

	if n := r.ConnectionCount("u1"); n != 1 {
		t.Errorf("Duplicate Add produced connection count %d, expected 1", n)
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	r := newTestRegistry()

	// Must not panic or corrupt state; double-removes happen on racing
	// disconnect handlers.
	r.Remove("never-seen")
	r.Add("u1", "c1")
	r.Remove("c1")
	r.Remove("c1")

	if n := r.OnlineUsers(); n != 0 {
		t.Errorf("Expected 0 online users, got %d", n)
	}
}

func TestNoOrphanedUserEntries(t *testing.T) {
	r := newTestRegistry()

	for i := 0; i < 10; i++ {
		connID := fmt.Sprintf("c%d", i)
		r.Add("u1", connID)
		r.Remove(connID)
	}

	if r.IsOnline("u1") {
		t.Error("User reported online with zero connections")
	}
	if n := r.OnlineUsers(); n != 0 {
		t.Errorf("Orphaned user entry inflated online count to %d", n)
	}
	if conns := r.ActiveConnections(); len(conns) != 0 {
		t.Errorf("Expected no active connections, got %v", conns)
	}
}

func TestUserOfAndPrimaryConnection(t *testing.T) {
	r := newTestRegistry()

	if _, ok := r.PrimaryConnection("u1"); ok {
		t.Error("PrimaryConnection returned a connection for an offline user")
	}

	r.Add("u1", "c1")
	r.Add("u1", "c2")

	owner, ok := r.UserOf("c1")
	if !ok || owner != "u1" {
		t.Errorf("UserOf(c1) = (%q, %v), expected (u1, true)", owner, ok)
	}

	// Which member comes back is unspecified; it must only be one of the
	// user's live connections.
	primary, ok := r.PrimaryConnection("u1")
	if !ok {
		t.Fatal("PrimaryConnection found nothing for an online user")
	}
	if primary != "c1" && primary != "c2" {
		t.Errorf("PrimaryConnection returned %q, not a member of the user's set", primary)
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	r := newTestRegistry()

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			r.Add("u1", connID)
			r.Connections("u1")
			r.Remove(connID)
		}(i)
	}
	wg.Wait()

	if r.IsOnline("u1") {
		t.Error("User still online after every connection was removed")
	}
	if n := r.OnlineUsers(); n != 0 {
		t.Errorf("Expected 0 online users, got %d", n)
	}
}

func TestMultipleUsers(t *testing.T) {
	r := newTestRegistry()

	r.Add("u1", "c1")
	r.Add("u2", "c2")
	r.Add("u2", "c3")

	if n := r.OnlineUsers(); n != 2 {
		t.Errorf("Expected 2 online users, got %d", n)
	}
	if all := r.ActiveConnections(); len(all) != 3 {
		t.Errorf("Expected 3 active connections, got %v", all)
	}

	r.Remove("c2")
	if !r.IsOnline("u2") {
		t.Error("User u2 should stay online while c3 is connected")
	}
}
