package notify_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/a-essam23/go-relay/pkg/notify"
	"github.com/a-essam23/go-relay/pkg/presence"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeSender records deliveries and can simulate transport failures for
// selected connections.
type fakeSender struct {
	mu      sync.Mutex
	sent    map[string][][]byte
	failing map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:    make(map[string][][]byte),
		failing: make(map[string]error),
	}
}

func (f *fakeSender) Send(ctx context.Context, connID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[connID]; ok {
		return err
	}
	f.sent[connID] = append(f.sent[connID], payload)
	return nil
}

func (f *fakeSender) deliveries(connID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[connID])
}

func (f *fakeSender) totalDeliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msgs := range f.sent {
		n += len(msgs)
	}
	return n
}

func newTestService() (*notify.Service, *presence.Registry, *fakeSender) {
	logger := newTestLogger()
	reg := presence.NewRegistry(logger)
	sender := newFakeSender()
	return notify.NewService(reg, sender, logger), reg, sender
}

func TestSendToOfflineUserIsNoop(t *testing.T) {
	svc, _, sender := newTestService()

	if err := svc.SendToUser(context.Background(), "ghost-user", []byte("hello")); err != nil {
		t.Fatalf("Send to an offline user must not fail, got: %v", err)
	}
	if n := sender.totalDeliveries(); n != 0 {
		t.Errorf("Expected 0 deliveries, got %d", n)
	}
}

func TestSendToUserFansOutToAllConnections(t *testing.T) {
	svc, reg, sender := newTestService()
	reg.Add("u1", "c1")
	reg.Add("u1", "c2")
	reg.Add("u2", "c3")

	if err := svc.SendToUser(context.Background(), "u1", []byte("ping")); err != nil {
		t.Fatalf("SendToUser failed: %v", err)
	}

	if sender.deliveries("c1") != 1 || sender.deliveries("c2") != 1 {
		t.Error("Not every connection of the target user received the message")
	}
	if sender.deliveries("c3") != 0 {
		t.Error("Message leaked to another user's connection")
	}
}

func TestGroupMembership(t *testing.T) {
	svc, _, sender := newTestService()

	svc.AddToGroup("c1", "lobby")
	svc.AddToGroup("c2", "lobby")
	svc.AddToGroup("c1", "lobby") // set semantics

	members := svc.GroupMembers("lobby")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1" || members[1] != "c2" {
		t.Fatalf("Expected members [c1 c2], got %v", members)
	}

	if err := svc.SendToGroup(context.Background(), "lobby", []byte("hi")); err != nil {
		t.Fatalf("SendToGroup failed: %v", err)
	}
	if sender.deliveries("c1") != 1 || sender.deliveries("c2") != 1 {
		t.Error("Group fan-out missed a member")
	}

	svc.RemoveFromGroup("c1", "lobby")
	if members := svc.GroupMembers("lobby"); len(members) != 1 {
		t.Errorf("Expected 1 member after leave, got %v", members)
	}

	// Leaving an unknown group or membership must be a silent no-op.
	svc.RemoveFromGroup("c1", "nowhere")
	svc.RemoveFromGroup("c1", "lobby")
}

func TestEmptiedGroupIsReaped(t *testing.T) {
	svc, _, _ := newTestService()

	svc.AddToGroup("c1", "lobby")
	svc.RemoveFromGroup("c1", "lobby")

	if members := svc.GroupMembers("lobby"); len(members) != 0 {
		t.Errorf("Expected reaped group to have no members, got %v", members)
	}
}

func TestDropConnectionLeavesAllGroups(t *testing.T) {
	svc, _, _ := newTestService()

	svc.AddToGroup("c1", "a")
	svc.AddToGroup("c1", "b")
	svc.AddToGroup("c2", "b")

	svc.DropConnection("c1")

	if members := svc.GroupMembers("a"); len(members) != 0 {
		t.Errorf("Group a still has members %v after DropConnection", members)
	}
	if members := svc.GroupMembers("b"); len(members) != 1 || members[0] != "c2" {
		t.Errorf("Group b should keep only c2, got %v", members)
	}
}

func TestTenantAndRoleAddressing(t *testing.T) {
	svc, _, sender := newTestService()

	svc.AddToGroup("c1", notify.TenantGroup("acme"))
	svc.AddToGroup("c2", notify.RoleGroup("admin"))

	if err := svc.SendToTenant(context.Background(), "acme", []byte("t")); err != nil {
		t.Fatalf("SendToTenant failed: %v", err)
	}
	if err := svc.SendToRole(context.Background(), "admin", []byte("r")); err != nil {
		t.Fatalf("SendToRole failed: %v", err)
	}

	if sender.deliveries("c1") != 1 {
		t.Error("Tenant-scoped message missed the tenant's connection")
	}
	if sender.deliveries("c2") != 1 {
		t.Error("Role-scoped message missed the role's connection")
	}
}

func TestSendToAll(t *testing.T) {
	svc, reg, sender := newTestService()
	reg.Add("u1", "c1")
	reg.Add("u2", "c2")

	if err := svc.SendToAll(context.Background(), []byte("broadcast")); err != nil {
		t.Fatalf("SendToAll failed: %v", err)
	}
	if n := sender.totalDeliveries(); n != 2 {
		t.Errorf("Expected broadcast to reach 2 connections, got %d", n)
	}
}

func TestTransportErrorsPropagate(t *testing.T) {
	svc, reg, sender := newTestService()
	reg.Add("u1", "c1")
	reg.Add("u1", "c2")
	sender.failing["c1"] = errors.New("socket gone")

	err := svc.SendToUser(context.Background(), "u1", []byte("x"))
	if err == nil {
		t.Fatal("Expected a transport error to surface from the service path")
	}
	// The healthy connection must still have been attempted.
	if sender.deliveries("c2") != 1 {
		t.Error("A failing connection halted fan-out to the rest")
	}
}

func TestAnnouncerSwallowsTransportErrors(t *testing.T) {
	svc, reg, sender := newTestService()
	ann := notify.NewAnnouncer(svc, newTestLogger())

	reg.Add("u1", "c1")
	sender.failing["c1"] = errors.New("socket gone")

	// Fire-and-forget paths never surface delivery faults to the caller.
	ann.SendToUser(context.Background(), "u1", []byte("x"))
	ann.SendToAll(context.Background(), []byte("y"))
	ann.SendToTenant(context.Background(), "acme", []byte("z"))
}

func TestCancelledContextSendsNothing(t *testing.T) {
	svc, reg, sender := newTestService()
	reg.Add("u1", "c1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.SendToUser(ctx, "u1", []byte("late")); err != nil {
		t.Fatalf("Cancellation is not a failure, got: %v", err)
	}
	if n := sender.totalDeliveries(); n != 0 {
		t.Errorf("Cancelled send still delivered %d messages", n)
	}
}
