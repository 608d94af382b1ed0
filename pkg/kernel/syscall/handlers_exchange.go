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
	"github.com/m3os/tilekernel/pkg/kernel/service"
)

// obtainRange clones the capabilities covering [srcSel, srcSel+n) in src
// into dst starting at dstSel, each as a derived child of its source
// capability, implementing the Obtain operation. The whole
// destination range must be unused; on a partial failure the caps already
// obtained are revoked again so the exchange is all-or-nothing: a
// capability is observable at its new location only after the mutating
// syscall has succeeded.
func (d *Dispatcher) obtainRange(src *capability.CapTable, srcSel uint64, dst *capability.CapTable, dstSel, n uint64) error {
	if err := expectUnused(dst, dstSel, n); err != nil {
		return err
	}

	var done []*capability.Capability
	undo := func() {
		for _, c := range done {
			_ = capability.Revoke(c, true, nil)
		}
	}

	for off := uint64(0); off < n; {
		c := src.Get(srcSel + off)
		if c == nil {
			undo()
			return errors.WithCode(errors.InvArgs, "selector %d is unused in the source table", srcSel+off)
		}
		nc, err := dst.InsertChild(dstSel+off, c.Len, c.Obj, c, d.now())
		if err != nil {
			undo()
			return err
		}
		done = append(done, nc)
		off += c.Len
	}
	return nil
}

// exchange moves capabilities between the sender's table and another
// activity's. OtherAct names an Activity capability in the
// sender's own table; holding it is what authorizes touching that
// activity's selectors.
func (d *Dispatcher) exchange(act *activity.Activity, a ExchangeArgs) (struct{}, error) {
	actObj, _, err := lookupAs[*capability.ActivityObject](act.Objs, a.OtherAct)
	if err != nil {
		return struct{}{}, err
	}
	other, ok := d.Activities.Get(actObj.Ref.ID())
	if !ok || other.State() == activity.StateDead {
		return struct{}{}, errors.WithCode(errors.ActivityGone, "activity %d is gone", actObj.Ref.ID())
	}

	if a.ToOther {
		return struct{}{}, d.obtainRange(act.Objs, a.OwnSel, other.Objs, a.OtherSel, a.Len)
	}
	return struct{}{}, d.obtainRange(other.Objs, a.OtherSel, act.Objs, a.OwnSel, a.Len)
}

// exchangeSess performs the capability-exchange RPC with a session's
// server: the typed argument area and the
// capability-range descriptor go to the server, the server's reply carries
// the updated arguments and (for obtain) the range it yields, and the
// kernel then exchanges capabilities over that range.
func (d *Dispatcher) exchangeSess(ctx context.Context, act *activity.Activity, a ExchangeSessArgs) (ExchangeSessResult, error) {
	sess, _, err := lookupAs[*capability.SessObject](act.Objs, a.Sess)
	if err != nil {
		return ExchangeSessResult{}, err
	}
	srv := sess.Service
	if srv == nil {
		return ExchangeSessResult{}, errors.WithCode(errors.RecvGone, "session's service is gone")
	}

	handler, ok := d.Services.HandlerFor(srv.Name)
	if !ok {
		return ExchangeSessResult{}, errors.WithCode(errors.RecvGone, "service %q has no live server", srv.Name)
	}

	serverAct, ok := d.Activities.Get(srv.Owner.ID())
	if !ok || serverAct.State() == activity.StateDead {
		return ExchangeSessResult{}, errors.WithCode(errors.ActivityGone, "service %q's owner is gone", srv.Name)
	}

	if a.NArgs < 0 || a.NArgs > service.ExchangeWords {
		return ExchangeSessResult{}, errors.WithCode(errors.InvArgs, "argument area of %d words exceeds the %d-word limit", a.NArgs, service.ExchangeWords)
	}

	// The RPC suspends this kernel thread until the server answers; no
	// activity borrow is held across it.
	data := service.ExchangeData{Words: a.ArgWords, N: a.NArgs}
	reply, srvCrd, err := handler.Exchange(ctx, sess.Ident, a.Obtain, data, service.CapRange{Start: a.CrdSel, Len: a.CrdLen})
	if err != nil {
		return ExchangeSessResult{}, err
	}

	if srvCrd.Len > 0 {
		if a.Obtain {
			err = d.obtainRange(serverAct.Objs, srvCrd.Start, act.Objs, a.CrdSel, srvCrd.Len)
		} else {
			err = d.obtainRange(act.Objs, a.CrdSel, serverAct.Objs, srvCrd.Start, a.CrdLen)
		}
		if err != nil {
			return ExchangeSessResult{}, err
		}
	}

	return ExchangeSessResult{ArgWords: reply.Words, NArgs: reply.N, CrdSel: srvCrd.Start, CrdLen: srvCrd.Len}, nil
}

// getSession resolves a service-internal session id to a capability in a
// target activity, after the creator-id check.
func (d *Dispatcher) getSession(act *activity.Activity, a GetSessionArgs) (struct{}, error) {
	srvObj, srvCap, err := lookupAs[*capability.ServObject](act.Objs, a.Srv)
	if err != nil {
		return struct{}{}, err
	}
	target, ok := d.Activities.Get(a.Target)
	if !ok || target.State() == activity.StateDead {
		return struct{}{}, errors.WithCode(errors.ActivityGone, "activity %d is gone", a.Target)
	}
	if err := expectUnused(target.Objs, a.Dst, 1); err != nil {
		return struct{}{}, err
	}
	// Sessions are strictly children of the root service capability; walk
	// the root's subtree even when the caller holds a derived Serv cap. The
	// creator-id check inside GetSession is what scopes the walk to the
	// caller's own sessions.
	root, ok := d.Services.Lookup(srvObj.Name)
	if !ok {
		root = srvCap
	}
	_, err = service.GetSession(root, a.Ident, srvObj.CreatorID, target.Objs, a.Dst)
	return struct{}{}, err
}
