package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-relay/pkg/presence"
	"github.com/a-essam23/go-relay/pkg/rooms"
)

// Sender is the transport capability injected into the fan-out service.
// Implementations deliver a payload to one live connection.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// Group is a named set of connection ids used for targeted broadcast.
// Mutation happens only through the owning registry's exclusive Update.
type Group struct {
	Name    string
	members map[string]struct{}
}

func newGroup(name string) *Group {
	return &Group{Name: name, members: make(map[string]struct{})}
}

// Len reports the member count. Only meaningful inside the registry's
// exclusive Update/RemoveIf callbacks.
func (g *Group) Len() int { return len(g.members) }

// TenantGroup is the naming convention for tenant-scoped broadcast groups.
func TenantGroup(tenantID string) string { return "tenant:" + tenantID }

// RoleGroup is the naming convention for role-scoped broadcast groups.
func RoleGroup(role string) string { return "role:" + role }

// Service resolves target selectors to live connections and pushes payloads
// through the injected Sender. Delivery is at-most-once and best-effort: a
// target with no live connections is a logged no-op, never an error, and
// nothing is queued or retried.
type Service struct {
	presence *presence.Registry
	groups   *rooms.Registry[*Group]
	sender   Sender
	logger   *slog.Logger
}

func NewService(reg *presence.Registry, sender Sender, logger *slog.Logger) *Service {
	return &Service{
		presence: reg,
		groups:   rooms.NewRegistry[*Group](logger),
		sender:   sender,
		logger:   logger.With(slog.String("component", "notify_service")),
	}
}

// AddToGroup joins a connection to a named group, creating the group on
// first reference. The create-then-update pair retries in case a concurrent
// leave reaps the freshly created empty group in between.
func (s *Service) AddToGroup(connID, group string) {
	for {
		s.groups.GetOrCreate(group, newGroup)
		if s.groups.Update(group, func(g *Group) *Group {
			g.members[connID] = struct{}{}
			return g
		}) {
			break
		}
	}
	s.logger.Debug("Connection joined group", slog.String("connID", connID), slog.String("group", group))
}

// RemoveFromGroup removes a connection from a group. Unknown groups or
// memberships are silent no-ops. An emptied group is reaped.
func (s *Service) RemoveFromGroup(connID, group string) {
	if !s.groups.Update(group, func(g *Group) *Group {
		delete(g.members, connID)
		return g
	}) {
		return
	}
	s.groups.RemoveIf(group, func(g *Group) bool { return g.Len() == 0 })
	s.logger.Debug("Connection left group", slog.String("connID", connID), slog.String("group", group))
}

// DropConnection removes a connection from every group it joined. Called
// from disconnect handling, so it never fails.
func (s *Service) DropConnection(connID string) {
	for _, g := range s.groups.All() {
		s.RemoveFromGroup(connID, g.Name)
	}
}

// GroupMembers returns a snapshot of a group's connection ids; empty when
// the group does not exist. The snapshot is taken under the group's
// exclusive lock so a concurrent join/leave never tears it.
func (s *Service) GroupMembers(group string) []string {
	var out []string
	s.groups.Update(group, func(g *Group) *Group {
		out = make([]string, 0, len(g.members))
		for connID := range g.members {
			out = append(out, connID)
		}
		return g
	})
	return out
}

// SendToConnection delivers a payload to a single connection.
func (s *Service) SendToConnection(ctx context.Context, connID string, payload []byte) error {
	return s.deliver(ctx, []string{connID}, payload, "connection:"+connID)
}

// SendToUser delivers a payload to every live connection of a user.
func (s *Service) SendToUser(ctx context.Context, userID string, payload []byte) error {
	return s.deliver(ctx, s.presence.Connections(userID), payload, "user:"+userID)
}

// SendToGroup delivers a payload to every member connection of a group.
func (s *Service) SendToGroup(ctx context.Context, group string, payload []byte) error {
	return s.deliver(ctx, s.GroupMembers(group), payload, "group:"+group)
}

// SendToTenant delivers to the tenant's broadcast group.
func (s *Service) SendToTenant(ctx context.Context, tenantID string, payload []byte) error {
	return s.SendToGroup(ctx, TenantGroup(tenantID), payload)
}

// SendToRole delivers to the role's broadcast group.
func (s *Service) SendToRole(ctx context.Context, role string, payload []byte) error {
	return s.SendToGroup(ctx, RoleGroup(role), payload)
}

// SendToAll delivers a payload to every tracked connection.
func (s *Service) SendToAll(ctx context.Context, payload []byte) error {
	return s.deliver(ctx, s.presence.ActiveConnections(), payload, "all")
}

// deliver fans a payload out to the resolved connections. Cancellation
// before dispatch sends nothing and is not an error. Transport failures on
// individual connections are logged, counted, and aggregated into the
// returned error; a connection that vanished between resolution and send is
// just another transport failure, consistent with at-most-once delivery.
func (s *Service) deliver(ctx context.Context, connIDs []string, payload []byte, target string) error {
	if ctx.Err() != nil {
		return nil
	}
	if len(connIDs) == 0 {
		s.logger.Debug("No live connections for target", slog.String("target", target))
		return nil
	}

	var errs []error
	delivered := 0
	for _, connID := range connIDs {
		if ctx.Err() != nil {
			break
		}
		if err := s.sender.Send(ctx, connID, payload); err != nil {
			s.logger.Warn("Delivery failed",
				slog.String("target", target),
				slog.String("connID", connID),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("send to %s: %w", connID, err))
			continue
		}
		delivered++
	}

	s.logger.Debug("Fan-out complete",
		slog.String("target", target),
		slog.Int("delivered", delivered),
		slog.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

// Announcer is the fire-and-forget facade over Service. Presence pings,
// progress updates and other ephemeral notifications go through here:
// transport errors are logged and swallowed so the triggering operation is
// never failed by a notification hiccup.
type Announcer struct {
	svc    *Service
	logger *slog.Logger
}

func NewAnnouncer(svc *Service, logger *slog.Logger) *Announcer {
	return &Announcer{
		svc:    svc,
		logger: logger.With(slog.String("component", "announcer")),
	}
}

func (a *Announcer) SendToConnection(ctx context.Context, connID string, payload []byte) {
	a.observe("connection:"+connID, a.svc.SendToConnection(ctx, connID, payload))
}

func (a *Announcer) SendToUser(ctx context.Context, userID string, payload []byte) {
	a.observe("user:"+userID, a.svc.SendToUser(ctx, userID, payload))
}

func (a *Announcer) SendToGroup(ctx context.Context, group string, payload []byte) {
	a.observe("group:"+group, a.svc.SendToGroup(ctx, group, payload))
}

func (a *Announcer) SendToTenant(ctx context.Context, tenantID string, payload []byte) {
	a.observe("tenant:"+tenantID, a.svc.SendToTenant(ctx, tenantID, payload))
}

func (a *Announcer) SendToRole(ctx context.Context, role string, payload []byte) {
	a.observe("role:"+role, a.svc.SendToRole(ctx, role, payload))
}

func (a *Announcer) SendToAll(ctx context.Context, payload []byte) {
	a.observe("all", a.svc.SendToAll(ctx, payload))
}

func (a *Announcer) observe(target string, err error) {
	if err != nil {
		a.logger.Warn("Best-effort notification dropped",
			slog.String("target", target),
			slog.Any("error", err),
		)
	}
}
