// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package syscall decodes and validates syscall messages arriving on the
// kernel's receive endpoint and drives the capability graph, quota
// accounting, activity lifecycle, service plane, and paging glue to
// perform them.
package syscall

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/activity"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
	"github.com/m3os/tilekernel/pkg/kernel/paging"
	"github.com/m3os/tilekernel/pkg/kernel/sched"
	"github.com/m3os/tilekernel/pkg/kernel/service"
	"github.com/m3os/tilekernel/pkg/kernel/tilemux"
	"github.com/m3os/tilekernel/pkg/platform"
	"github.com/m3os/tilekernel/pkg/tcu"
)

// Opcode tags the kind of syscall.
type Opcode uint8

const (
	OpCreateMGate Opcode = iota
	OpCreateRGate
	OpCreateSGate
	OpCreateSrv
	OpCreateSess
	OpCreateActivity
	OpCreateSem
	OpCreateMap
	OpAllocEP
	OpDeriveMem
	OpDeriveKMem
	OpDeriveTile
	OpDeriveSrv
	OpActivate
	OpExchangeSess
	OpExchange
	OpRevoke
	OpActivityCtrl
	OpActivityWait
	OpSemCtrl
	OpKMemQuota
	OpTileQuota
	OpGetSession
	OpNoop
)

func (o Opcode) String() string {
	names := [...]string{
		"CreateMGate", "CreateRGate", "CreateSGate", "CreateSrv", "CreateSess",
		"CreateActivity", "CreateSem", "CreateMap", "AllocEP", "DeriveMem",
		"DeriveKMem", "DeriveTile", "DeriveSrv", "Activate", "ExchangeSess",
		"Exchange", "Revoke", "ActivityCtrl", "ActivityWait", "SemCtrl",
		"KMemQuota", "TileQuota", "GetSession", "Noop",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return "Unknown"
}

// Request is one decoded syscall message: opcode plus body, where Body is
// one of the Args structs in this package.
type Request struct {
	Op     Opcode
	Sender uint64 // sending activity id, from the message's header label
	Body   any
}

// Reply is what the dispatcher sends back: a bare code, or a typed
// payload alongside it.
type Reply struct {
	Code    errors.Code
	Payload any
}

func ok(payload any) Reply { return Reply{Payload: payload} }

func fail(err error) Reply {
	code := errors.CodeOf(err)
	if code == 0 {
		code = errors.InvArgs
	}
	return Reply{Code: code}
}

// ChannelSet resolves the per-tile TileMux Channel for a given tile id,
// satisfied by the kernel's channel table.
type ChannelSet interface {
	Channel(tile uint16) (*tilemux.Channel, bool)
}

// Dispatcher implements the four-step syscall algorithm: deserialize,
// look up and typecheck referenced selectors, perform the action (possibly
// across TileMux sidecalls), reply.
type Dispatcher struct {
	Activities *activity.Mngr
	Services   *service.Registry
	Platform   *platform.Model
	Fabric     *tcu.Fabric
	Channels   ChannelSet
	Paging     *paging.Glue
	Sched      *sched.Scheduler

	// KernelTile/KernelSyscallEP identify the kernel's own receive
	// endpoint, needed to program a fresh activity's standard send EP.
	KernelTile      uint16
	KernelSyscallEP tcu.EpId

	Clock func() time.Time

	// semMu serializes semaphore state mutation; the kernel proper is
	// single-threaded cooperative but tests drive the dispatcher from
	// multiple goroutines.
	semMu sync.Mutex

	nextEvent uint64
	log       logr.Logger
}

func New(log logr.Logger, acts *activity.Mngr, services *service.Registry, plat *platform.Model, fabric *tcu.Fabric, channels ChannelSet, pg *paging.Glue, s *sched.Scheduler, kernelTile uint16, kernelSyscallEP tcu.EpId) *Dispatcher {
	return &Dispatcher{
		Activities:      acts,
		Services:        services,
		Platform:        plat,
		Fabric:          fabric,
		Channels:        channels,
		Paging:          pg,
		Sched:           s,
		KernelTile:      kernelTile,
		KernelSyscallEP: kernelSyscallEP,
		Clock:           time.Now,
		log:             log.WithName("syscall"),
	}
}

// allocEvent mints a fresh scheduler event id, used to tag an RGate's
// activation wait so Activate can wake a sender parked on it.
func (d *Dispatcher) allocEvent() uint64 {
	d.nextEvent++
	return d.nextEvent
}

func (d *Dispatcher) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// Dispatch decodes req.Op and performs the requested action: look up the
// sender, typecheck any referenced selectors, act, reply. Errors are
// caught here and turned into a failure Reply rather than propagated; the
// caller sends the error code back and acks the request message.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Reply {
	sender, found := d.Activities.Get(req.Sender)
	if !found {
		return fail(errors.WithCode(errors.ActivityGone, "unknown sending activity %d", req.Sender))
	}

	var (
		res any
		err error
	)
	switch b := req.Body.(type) {
	case CreateMGateArgs:
		res, err = d.createMGate(sender, b)
	case CreateRGateArgs:
		res, err = d.createRGate(sender, b)
	case CreateSGateArgs:
		res, err = d.createSGate(sender, b)
	case CreateSrvArgs:
		res, err = d.createSrv(sender, b)
	case CreateSessArgs:
		res, err = d.createSess(sender, b)
	case CreateActivityArgs:
		res, err = d.createActivity(ctx, sender, b)
	case CreateSemArgs:
		res, err = d.createSem(sender, b)
	case CreateMapArgs:
		res, err = d.createMap(ctx, sender, b)
	case AllocEPArgs:
		res, err = d.allocEP(sender, b)
	case DeriveMemArgs:
		res, err = d.deriveMem(sender, b)
	case DeriveKMemArgs:
		res, err = d.deriveKMem(sender, b)
	case DeriveTileArgs:
		res, err = d.deriveTile(sender, b)
	case DeriveSrvArgs:
		res, err = d.deriveSrv(sender, b)
	case ActivateArgs:
		res, err = d.activate(ctx, sender, b)
	case ExchangeSessArgs:
		res, err = d.exchangeSess(ctx, sender, b)
	case ExchangeArgs:
		res, err = d.exchange(sender, b)
	case RevokeArgs:
		res, err = d.revoke(ctx, sender, b)
	case ActivityCtrlArgs:
		res, err = d.activityCtrl(ctx, sender, b)
	case ActivityWaitArgs:
		res, err = d.activityWait(ctx, sender, b)
	case SemCtrlArgs:
		res, err = d.semCtrl(ctx, sender, b)
	case KMemQuotaArgs:
		res, err = d.kmemQuota(sender, b)
	case TileQuotaArgs:
		res, err = d.tileQuota(sender, b)
	case GetSessionArgs:
		res, err = d.getSession(sender, b)
	case NoopArgs:
		res, err = struct{}{}, nil
	default:
		err = errors.WithCode(errors.InvArgs, "unrecognized syscall opcode %s", req.Op)
	}

	if err != nil {
		d.log.V(1).Info("syscall failed", "op", req.Op, "sender", req.Sender, "err", err)
		return fail(err)
	}
	return ok(res)
}

// expectUnused is the shared precondition "target selector must be
// Unused".
func expectUnused(t *capability.CapTable, sel, n uint64) error {
	if !t.IsUnused(sel, n) {
		return errors.WithCode(errors.InvArgs, "selector range [%d,%d) is not unused", sel, sel+n)
	}
	return nil
}

// lookupAs fetches the capability at sel in t and typechecks its object as
// T, matching "capability kind must match expected" from the precondition
// library.
func lookupAs[T capability.KObject](t *capability.CapTable, sel uint64) (T, *capability.Capability, error) {
	var zero T
	c := t.Get(sel)
	if c == nil {
		return zero, nil, errors.WithCode(errors.InvArgs, "selector %d is unused", sel)
	}
	obj, err := capability.AsKind[T](c.Obj)
	if err != nil {
		return zero, nil, err
	}
	return obj, c, nil
}
