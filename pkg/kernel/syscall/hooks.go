// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	"github.com/m3os/tilekernel/pkg/kernel/activity"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
	"github.com/m3os/tilekernel/pkg/kernel/sched"
	"github.com/m3os/tilekernel/pkg/tcu"
)

// hooks builds the capability.Hooks implementation the revocation walk
// runs its side effects through: EP invalidation for gates, unmap for Map
// capabilities, service unregistration, semaphore wakeups, and quota
// refunds.
func (d *Dispatcher) hooks(ctx context.Context) capability.Hooks {
	return releaseHooks{d: d, ctx: ctx}
}

type releaseHooks struct {
	d   *Dispatcher
	ctx context.Context
}

func (h releaseHooks) OnRelease(c *capability.Capability, foreign bool) error {
	switch obj := c.Obj.(type) {
	case *capability.RGateObject:
		h.invalidateGateEP(obj.Attached, true, foreign)
		obj.Attached = nil
		obj.Activated = false
		// Wake senders parked on the activation event so they can observe
		// the gate is gone and fail RecvGone.
		if obj.WaitEvent != 0 {
			h.d.Sched.Notify(sched.EventID(obj.WaitEvent))
		}

	case *capability.SGateObject:
		// Send-gate revocation also invalidates reply EPs that may still
		// hold a reply-label into the revoked slot; in this model the
		// send EP invalidation covers both registers.
		h.invalidateGateEP(obj.Attached, false, foreign)
		obj.Attached = nil

	case *capability.MGateObject:
		h.invalidateGateEP(obj.Attached, false, foreign)
		obj.Attached = nil

	case *capability.MapObject:
		owner, ok := h.d.Activities.Get(c.Table.Owner())
		if ok {
			return h.d.Paging.Unmap(h.ctx, owner.ID, owner.Tile, c.Sel, c.Len)
		}

	case *capability.KMemObject:
		// Revoking a derived KMem returns the transferred amount to the
		// parent, restoring the parent's remaining budget exactly.
		if obj.Parent != nil {
			obj.Parent.Free(obj.Budget.Quota())
		}

	case *capability.TileObject:
		if obj.Parent != nil {
			obj.Parent.Free(obj.EPs.Total())
		}

	case *capability.ServObject:
		if obj.IsRoot {
			h.d.Services.Unregister(obj.Name)
		}

	case *capability.SessObject:
		// Drain messages stuck in the server's receive buffer labeled for
		// this session.
		if srv := obj.Service; srv != nil && srv.RGate != nil && srv.RGate.Activated {
			h.d.Fabric.DropMsgsWithLabel(srv.RGate.Tile, srv.RGate.EP, tcu.Label(obj.Ident))
		}

	case *capability.SemObject:
		h.d.semMu.Lock()
		obj.Revoked = true
		ev := obj.Event
		h.d.semMu.Unlock()
		if ev != 0 {
			h.d.Sched.Notify(sched.EventID(ev))
		}

	case *capability.ActivityObject:
		target, ok := h.d.Activities.Get(obj.Ref.ID())
		if ok && target.State() != activity.StateDead {
			return h.d.stopApp(h.ctx, target, 0, false)
		}
	}
	return nil
}

// invalidateGateEP force-invalidates the EP a gate was attached to and,
// for receive gates with unread slots, emits the RemMsgs notification. A
// foreign revoke (the capability went away underneath its holder) also
// notifies the tile's TileMux via an EpInval sidecall so it can flush the
// TLB entry and its per-EP state.
func (h releaseHooks) invalidateGateEP(ep *capability.EPObject, notifyRem, foreign bool) {
	if ep == nil {
		return
	}
	ch, ok := h.d.Channels.Channel(ep.Tile)
	if !ok {
		return
	}
	mask, err := ch.Invalidate(ep.Tile, ep.EP)
	if err != nil {
		h.d.log.V(1).Info("EP invalidation failed", "tile", ep.Tile, "ep", ep.EP, "err", err)
		return
	}
	if foreign {
		if err := ch.EpInval(h.ctx, 0, ep.EP); err != nil {
			h.d.log.V(1).Info("EpInval notification failed", "tile", ep.Tile, "ep", ep.EP, "err", err)
		}
	}
	if notifyRem && mask != 0 {
		if err := ch.RemMsgs(h.ctx, 0, ep.EP, mask); err != nil {
			h.d.log.V(1).Info("RemMsgs notification failed", "tile", ep.Tile, "ep", ep.EP, "err", err)
		}
	}
}
