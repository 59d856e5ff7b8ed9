package router

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Core operations every deployment gets. Addressing identifiers live in the
// envelope's target field; the "group" field inside join/leave payloads is
// extracted with gjson so the payload never needs a full schema decode.
func (r *Router) registerCoreHandlers() {
	r.Register("join", r.actionJoin)
	r.Register("leave", r.actionLeave)
	r.Register("send.user", r.actionSendUser)
	r.Register("send.group", r.actionSendGroup)
	r.Register("send.tenant", r.actionSendTenant)
	r.Register("send.role", r.actionSendRole)
	r.Register("broadcast", r.actionBroadcast)
	r.Register("echo", r.actionEcho)
	r.logger.Info("Registered core handlers", "count", len(r.handlers))
}

func groupFrom(inv *Invocation) (string, error) {
	group := gjson.GetBytes(inv.Message.Payload, "group").String()
	if group == "" {
		return "", errors.New("payload missing 'group' field")
	}
	return group, nil
}

func (r *Router) actionJoin(inv *Invocation) error {
	group, err := groupFrom(inv)
	if err != nil {
		return err
	}
	r.notifier.AddToGroup(inv.ConnID, group)
	return nil
}

func (r *Router) actionLeave(inv *Invocation) error {
	group, err := groupFrom(inv)
	if err != nil {
		return err
	}
	r.notifier.RemoveFromGroup(inv.ConnID, group)
	return nil
}

func (r *Router) outbound(inv *Invocation) ([]byte, error) {
	event := gjson.GetBytes(inv.Message.Payload, "event").String()
	if event == "" {
		event = "message"
	}
	msg, err := Envelope(event, inv.Message.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	return msg, nil
}

func (r *Router) actionSendUser(inv *Invocation) error {
	if inv.Message.Target == "" {
		return errors.New("send.user requires a target user id")
	}
	msg, err := r.outbound(inv)
	if err != nil {
		return err
	}
	return r.notifier.SendToUser(inv.Ctx, inv.Message.Target, msg)
}

func (r *Router) actionSendGroup(inv *Invocation) error {
	if inv.Message.Target == "" {
		return errors.New("send.group requires a target group name")
	}
	msg, err := r.outbound(inv)
	if err != nil {
		return err
	}
	return r.notifier.SendToGroup(inv.Ctx, inv.Message.Target, msg)
}

func (r *Router) actionSendTenant(inv *Invocation) error {
	if inv.Message.Target == "" {
		return errors.New("send.tenant requires a target tenant id")
	}
	msg, err := r.outbound(inv)
	if err != nil {
		return err
	}
	return r.notifier.SendToTenant(inv.Ctx, inv.Message.Target, msg)
}

func (r *Router) actionSendRole(inv *Invocation) error {
	if inv.Message.Target == "" {
		return errors.New("send.role requires a target role name")
	}
	msg, err := r.outbound(inv)
	if err != nil {
		return err
	}
	return r.notifier.SendToRole(inv.Ctx, inv.Message.Target, msg)
}

func (r *Router) actionBroadcast(inv *Invocation) error {
	msg, err := r.outbound(inv)
	if err != nil {
		return err
	}
	return r.notifier.SendToAll(inv.Ctx, msg)
}

// echo replies to the originating connection only; useful as a liveness
// probe from clients.
func (r *Router) actionEcho(inv *Invocation) error {
	msg, err := Envelope("echo", inv.Message.Payload)
	if err != nil {
		return err
	}
	return r.notifier.SendToConnection(inv.Ctx, inv.ConnID, msg)
}
