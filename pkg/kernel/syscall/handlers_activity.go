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

// revoke tears down a selector range. Own=false revokes
// only children; KeepSelf additionally forces the sender's own capability
// to survive even when Own was requested.
func (d *Dispatcher) revoke(ctx context.Context, act *activity.Activity, a RevokeArgs) (struct{}, error) {
	tbl := act.Objs
	if a.Maps {
		tbl = act.Maps
	}
	own := a.Own && !a.KeepSelf
	for _, c := range tbl.Range(a.Sel, a.Len) {
		if err := capability.Revoke(c, own, d.hooks(ctx)); err != nil {
			return struct{}{}, err
		}
	}
	return struct{}{}, nil
}

// activityCtrl is {Init, Start, Stop} on an Activity capability.
func (d *Dispatcher) activityCtrl(ctx context.Context, act *activity.Activity, a ActivityCtrlArgs) (struct{}, error) {
	actObj, _, err := lookupAs[*capability.ActivityObject](act.Objs, a.Activity)
	if err != nil {
		return struct{}{}, err
	}
	target, ok := d.Activities.Get(actObj.Ref.ID())
	if !ok {
		return struct{}{}, errors.WithCode(errors.ActivityGone, "activity %d is gone", actObj.Ref.ID())
	}
	ch, ok := d.Channels.Channel(target.Tile)
	if !ok {
		return struct{}{}, errors.WithCode(errors.NotSup, "no TileMux channel for tile %d", target.Tile)
	}

	switch a.Cmd {
	case ActivityCtrlInit:
		return struct{}{}, target.InitStandardEPs(ch, d.KernelTile, d.KernelSyscallEP)
	case ActivityCtrlStart:
		if err := target.Start(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, ch.ActCtrl(ctx, target.ID, tilemux.ActCtrlStart)
	case ActivityCtrlStop:
		return struct{}{}, d.stopApp(ctx, target, a.ExitCode, target.ID == act.ID)
	default:
		return struct{}{}, errors.WithCode(errors.InvArgs, "unknown activity control command %d", a.Cmd)
	}
}

// StopApp is the exported entry into the teardown path, used by the
// kernel's Exit-upcall handler.
func (d *Dispatcher) StopApp(ctx context.Context, target *activity.Activity, code int32, isSelf bool) error {
	return d.stopApp(ctx, target, code, isSelf)
}

// stopApp drives an activity to DEAD and propagates the exit: attached EPs
// are force-invalidated (unless the activity stopped itself), pending
// syscall messages labeled with its id are drained from the kernel
// endpoint, capabilities are revoked recursively, blocked waiters wake via
// the exit channel, and registered deferred waits turn into queued
// upcalls.
func (d *Dispatcher) stopApp(ctx context.Context, target *activity.Activity, code int32, isSelf bool) error {
	if target.State() == activity.StateDead {
		return nil
	}
	ch, ok := d.Channels.Channel(target.Tile)
	if !ok {
		return errors.WithCode(errors.NotSup, "no TileMux channel for tile %d", target.Tile)
	}

	if err := target.StopApp(code, isSelf, ch, d.drainer(), d.hooks(ctx), d.now()); err != nil {
		return err
	}

	if !isSelf {
		// The tile's TileMux still schedules the activity; tell it to stop.
		// An ActivityGone reply just means TileMux noticed the death first.
		if err := ch.ActCtrl(ctx, target.ID, tilemux.ActCtrlStop); err != nil && !errors.HasCode(err, errors.ActivityGone) {
			d.log.V(1).Info("stop sidecall failed", "activity", target.ID, "err", err)
		}
	}
	ch.RemoveResident(target.ID)
	if target.TileActs != nil {
		*target.TileActs--
	}

	d.notifyExitWaiters(target.ID, code)

	if target.IsRoot {
		d.Activities.Remove(target.ID)
	}
	return nil
}

// notifyExitWaiters queues an ActivityWait upcall at every activity that
// registered a deferred (event-tagged) wait on the dead activity. Blocked
// waiters need no help here; they wake via the exit channel.
func (d *Dispatcher) notifyExitWaiters(dead uint64, code int32) {
	d.Activities.ForEach(func(a *activity.Activity) {
		ev, ok := a.TakeWaitEvent(dead)
		if !ok || ev == 0 {
			return
		}
		sel, found := d.selectorOf(a, dead)
		if !found {
			sel = dead
		}
		a.QueueUpcall(Upcall{Op: UpcallActivityWait, Event: ev, Activity: sel, Code: code}.Marshal())
	})
}

// selectorOf finds the selector under which a holds an Activity capability
// for id; the ActivityWait reply and upcall both name activities by the
// waiter's own selector.
func (d *Dispatcher) selectorOf(a *activity.Activity, id uint64) (uint64, bool) {
	for _, c := range a.Objs.Range(0, ^uint64(0)) {
		if ao, ok := c.Obj.(*capability.ActivityObject); ok && ao.Ref.ID() == id {
			return c.Sel, true
		}
	}
	return 0, false
}

// activityWait blocks on (event == 0) or registers a deferred upcall for
// (event != 0) the exit of any listed Activity capability.
func (d *Dispatcher) activityWait(ctx context.Context, act *activity.Activity, a ActivityWaitArgs) (any, error) {
	ids := make([]uint64, 0, len(a.Activities))
	selByID := make(map[uint64]uint64, len(a.Activities))
	for _, sel := range a.Activities {
		actObj, _, err := lookupAs[*capability.ActivityObject](act.Objs, sel)
		if err != nil {
			return nil, err
		}
		id := actObj.Ref.ID()
		ids = append(ids, id)
		selByID[id] = sel
	}

	if a.Event != 0 {
		for _, id := range ids {
			target, ok := d.Activities.Get(id)
			if ok {
				if code, done := target.ExitCode(); done {
					act.QueueUpcall(Upcall{Op: UpcallActivityWait, Event: a.Event, Activity: selByID[id], Code: code}.Marshal())
					continue
				}
			}
			d.Activities.RegisterUpcallWait(act, id, a.Event)
		}
		return struct{}{}, nil
	}

	id, code, err := d.Activities.WaitExit(ctx, ids)
	if err != nil {
		return nil, err
	}
	return ActivityWaitResult{Activity: selByID[id], ExitCode: code}, nil
}

// semCtrl is Up/Down on a semaphore capability. Down suspends the calling
// kernel thread when the count is zero and fails RecvGone if the semaphore
// is revoked while waiting.
func (d *Dispatcher) semCtrl(ctx context.Context, act *activity.Activity, a SemCtrlArgs) (struct{}, error) {
	sem, _, err := lookupAs[*capability.SemObject](act.Objs, a.Sem)
	if err != nil {
		return struct{}{}, err
	}

	switch a.Cmd {
	case SemUp:
		d.semMu.Lock()
		sem.Count++
		ev := sem.Event
		waiters := sem.Waiters
		d.semMu.Unlock()
		if waiters > 0 && ev != 0 {
			d.Sched.Notify(sched.EventID(ev))
		}
		return struct{}{}, nil

	case SemDown:
		for {
			d.semMu.Lock()
			if sem.Revoked {
				d.semMu.Unlock()
				return struct{}{}, errors.WithCode(errors.RecvGone, "semaphore was revoked")
			}
			if sem.Count > 0 {
				sem.Count--
				d.semMu.Unlock()
				return struct{}{}, nil
			}
			if sem.Event == 0 {
				sem.Event = d.allocEvent()
			}
			ev := sem.Event
			sem.Waiters++
			d.semMu.Unlock()

			woke := d.Sched.Wait(sched.EventID(ev), ctx.Done())

			d.semMu.Lock()
			sem.Waiters--
			revoked := sem.Revoked
			d.semMu.Unlock()
			if revoked {
				return struct{}{}, errors.WithCode(errors.RecvGone, "semaphore was revoked")
			}
			if !woke {
				return struct{}{}, ctx.Err()
			}
		}

	default:
		return struct{}{}, errors.WithCode(errors.InvArgs, "unknown semaphore command %d", a.Cmd)
	}
}

// kmemQuota queries a KMem capability's budget.
func (d *Dispatcher) kmemQuota(act *activity.Activity, a KMemQuotaArgs) (KMemQuotaResult, error) {
	km, _, err := lookupAs[*capability.KMemObject](act.Objs, a.KMem)
	if err != nil {
		return KMemQuotaResult{}, err
	}
	return KMemQuotaResult{Quota: km.Budget.Quota(), Left: km.Budget.Left()}, nil
}

// tileQuota queries a Tile capability's endpoint quota.
func (d *Dispatcher) tileQuota(act *activity.Activity, a TileQuotaArgs) (TileQuotaResult, error) {
	tile, _, err := lookupAs[*capability.TileObject](act.Objs, a.Tile)
	if err != nil {
		return TileQuotaResult{}, err
	}
	return TileQuotaResult{Total: tile.EPs.Total(), Remaining: tile.EPs.Remaining()}, nil
}

// drainer adapts the kernel's own receive endpoint to the SyscallDrainer
// hook StopApp uses to flush a dead activity's pending syscalls.
func (d *Dispatcher) drainer() activity.SyscallDrainer {
	return kernelEPDrainer{d}
}

type kernelEPDrainer struct{ d *Dispatcher }

func (k kernelEPDrainer) DropMsgsWithLabel(label uint64) {
	k.d.Fabric.DropMsgsWithLabel(k.d.KernelTile, k.d.KernelSyscallEP, tcu.Label(label))
}
