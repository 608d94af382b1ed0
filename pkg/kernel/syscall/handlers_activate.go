// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/activity"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
	"github.com/m3os/tilekernel/pkg/kernel/sched"
	"github.com/m3os/tilekernel/pkg/kernel/tilemux"
	"github.com/m3os/tilekernel/pkg/tcu"
)

// activate binds a gate capability to an EP. For an RGate it
// also binds the physical receive-buffer MGate plus offset and wakes any
// sender parked on the gate's activation event. For an SGate whose RGate
// has not been activated yet, the handler suspends on that event first.
func (d *Dispatcher) activate(ctx context.Context, act *activity.Activity, a ActivateArgs) (struct{}, error) {
	c := act.Objs.Get(a.Gate)
	if c == nil {
		return struct{}{}, errors.WithCode(errors.InvArgs, "selector %d is unused", a.Gate)
	}

	ch, ok := d.Channels.Channel(act.Tile)
	if !ok {
		return struct{}{}, errors.WithCode(errors.NotSup, "no TileMux channel for tile %d", act.Tile)
	}

	switch obj := c.Obj.(type) {
	case *capability.RGateObject:
		return struct{}{}, d.activateRGate(act, ch, obj, a)
	case *capability.SGateObject:
		return struct{}{}, d.activateSGate(ctx, act, ch, obj, a.EP)
	case *capability.MGateObject:
		return struct{}{}, d.activateMGate(act, ch, obj, a.EP)
	default:
		return struct{}{}, errors.WithCode(errors.InvArgs, "capability holds a %s, which cannot be activated", c.Obj.Kind())
	}
}

func (d *Dispatcher) activateRGate(act *activity.Activity, ch *tilemux.Channel, rg *capability.RGateObject, a ActivateArgs) error {
	// An RGate has at most one live EP attachment; a second Activate, racing
	// or not, fails Exists.
	if rg.Activated {
		return errors.WithCode(errors.Exists, "receive gate is already activated")
	}

	mg, _, err := lookupAs[*capability.MGateObject](act.Objs, a.RecvMGate)
	if err != nil {
		return err
	}
	bufSize := uint64(1) << rg.Order
	if a.RecvOff+bufSize > mg.Length {
		return errors.WithCode(errors.InvArgs, "receive buffer [%d,%d) exceeds backing memory gate of %d bytes", a.RecvOff, a.RecvOff+bufSize, mg.Length)
	}

	bufAddr := mg.Offset + a.RecvOff
	if err := ch.ConfigRecvEP(act.Tile, a.EP, tcu.RecvEP{
		Act:      tcu.ActId(act.ID),
		BufAddr:  bufAddr,
		Order:    rg.Order,
		MsgOrder: rg.MsgOrder,
	}); err != nil {
		return err
	}

	rg.Tile = act.Tile
	rg.EP = a.EP
	rg.BufAddr = bufAddr
	rg.Activated = true
	rg.Attached = &capability.EPObject{Tile: act.Tile, EP: a.EP, Gate: rg}
	if rg.WaitEvent == 0 {
		rg.WaitEvent = d.allocEvent()
	}
	act.AttachEP(a.EP)

	// Wake senders whose Activate parked on this gate's activation event.
	d.Sched.Notify(sched.EventID(rg.WaitEvent))
	return nil
}

func (d *Dispatcher) activateSGate(ctx context.Context, act *activity.Activity, ch *tilemux.Channel, sg *capability.SGateObject, ep tcu.EpId) error {
	if sg.Attached != nil {
		return errors.WithCode(errors.Exists, "send gate is already bound to an EP")
	}

	// config_snd_ep requires the referenced RGate to be activated. Suspend
	// on its activation event and re-check afterwards, since the event also
	// fires when the gate is revoked.
	if !sg.RGate.Activated {
		if sg.RGate.WaitEvent == 0 {
			sg.RGate.WaitEvent = d.allocEvent()
		}
		d.Sched.Wait(sched.EventID(sg.RGate.WaitEvent), ctx.Done())
		if !sg.RGate.Activated {
			return errors.WithCode(errors.RecvGone, "receive gate was never activated")
		}
	}

	if err := ch.ConfigSendEP(act.Tile, ep, tcu.SendEP{
		Act:        tcu.ActId(act.ID),
		TargetTile: sg.RGate.Tile,
		TargetEP:   sg.RGate.EP,
		Label:      sg.Label,
		MsgOrder:   sg.RGate.MsgOrder,
		Credits:    sg.Credits,
		MaxCredits: sg.MaxCredits,
	}); err != nil {
		return err
	}

	sg.Attached = &capability.EPObject{Tile: act.Tile, EP: ep, Gate: sg}
	act.AttachEP(ep)
	return nil
}

func (d *Dispatcher) activateMGate(act *activity.Activity, ch *tilemux.Channel, mg *capability.MGateObject, ep tcu.EpId) error {
	if mg.Attached != nil {
		return errors.WithCode(errors.Exists, "memory gate is already bound to an EP")
	}

	if err := ch.ConfigMemEP(act.Tile, ep, tcu.MemEP{
		Act:    tcu.ActId(act.ID),
		Tile:   mg.Tile,
		Offset: mg.Offset,
		Length: mg.Length,
		Perms:  mg.Perms,
	}); err != nil {
		return err
	}

	mg.Attached = &capability.EPObject{Tile: act.Tile, EP: ep, Gate: mg}
	act.AttachEP(ep)
	return nil
}
