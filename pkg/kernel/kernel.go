// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel ties the capability graph, activity manager, TileMux
// channels, service registry, paging glue, and syscall dispatcher into one
// Kernel instance with explicit construction and teardown, so tests can
// run a fresh kernel per case.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/m3os/tilekernel/pkg/audit"
	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/activity"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
	"github.com/m3os/tilekernel/pkg/kernel/paging"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/kernel/sched"
	"github.com/m3os/tilekernel/pkg/kernel/service"
	"github.com/m3os/tilekernel/pkg/kernel/syscall"
	"github.com/m3os/tilekernel/pkg/kernel/tilemux"
	"github.com/m3os/tilekernel/pkg/platform"
	"github.com/m3os/tilekernel/pkg/tcu"
)

// Reserved selectors every activity is born with.
const (
	SelActivity uint64 = iota // SELF-ACTIVITY
	SelTile                   // OWN-TILE
	SelKMem                   // OWN-KMEM
	SelFirstFree              // first selector free for user allocation
)

// Config are the boot parameters of one kernel instance.
type Config struct {
	// KernelTile is the tile the kernel itself runs on; its TCU hosts the
	// syscall receive endpoint.
	KernelTile uint16
	// SyscallEP is the endpoint id of the kernel's syscall receive EP.
	SyscallEP tcu.EpId
	// SyscallBufOrder/SyscallMsgOrder size the syscall receive buffer;
	// the slot count must cover every activity's one in-flight syscall.
	SyscallBufOrder uint8
	SyscallMsgOrder uint8
	// RootKMemBytes is the root kernel-memory quota everything else is
	// derived from.
	RootKMemBytes uint64
	// RootTile is where the root activity is placed.
	RootTile uint16
}

// DefaultConfig returns a config suitable for tests and small systems.
func DefaultConfig() Config {
	// The syscall EP sits at the top of the EP space so the low range stays
	// free for activities' standard EP blocks.
	return Config{
		KernelTile:      0,
		SyscallEP:       63,
		SyscallBufOrder: 12,
		SyscallMsgOrder: 6,
		RootKMemBytes:   64 << 20,
		RootTile:        0,
	}
}

// Kernel is one booted kernel instance.
type Kernel struct {
	Platform   *platform.Model
	Fabric     *tcu.Fabric
	Activities *activity.Mngr
	Services   *service.Registry
	Sched      *sched.Scheduler
	Paging     *paging.Glue
	Dispatcher *syscall.Dispatcher

	cfg      Config
	channels channelTable
	rootKMem *quota.KMem
	root     *activity.Activity
	ledger   *audit.Ledger

	mu    sync.Mutex
	slots map[uint64]chan struct{}

	log logr.Logger
}

// channelTable satisfies syscall.ChannelSet.
type channelTable map[uint16]*tilemux.Channel

func (t channelTable) Channel(tile uint16) (*tilemux.Channel, bool) {
	c, ok := t[tile]
	return c, ok
}

// mapperTable adapts channelTable to paging.ChannelProvider.
type mapperTable struct{ t channelTable }

func (m mapperTable) Channel(tile uint16) (paging.Mapper, bool) {
	c, ok := m.t[tile]
	return c, ok
}

// Option customizes kernel construction.
type Option func(*Kernel)

// WithAuditLedger attaches an audit ledger recording syscalls and activity
// state transitions.
func WithAuditLedger(l *audit.Ledger) Option {
	return func(k *Kernel) { k.ledger = l }
}

// New boots a kernel over the given platform. transport is how sidecalls
// reach each tile's TileMux Core; in-process deployments pass the local
// mux table, tests pass a fake.
func New(log logr.Logger, plat *platform.Model, transport tilemux.Transport, cfg Config, opts ...Option) (*Kernel, error) {
	k := &Kernel{
		Platform:   plat,
		Fabric:     tcu.NewFabric(),
		Activities: activity.NewMngr(log.WithName("activity")),
		Services:   service.NewRegistry(),
		Sched:      sched.New(),
		cfg:        cfg,
		channels:   make(channelTable),
		slots:      make(map[uint64]chan struct{}),
		log:        log.WithName("kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}

	for _, id := range plat.Tiles() {
		desc := plat.MustTileDesc(id)
		if !desc.SupportsTileMux {
			continue
		}
		k.channels[id.Tile] = tilemux.NewChannel(id.Tile, k.Fabric, transport, k.Activities,
			quota.NewTileEPQuota(desc.EPCount), log.WithName("tilemux"))
	}

	// The kernel's own syscall receive endpoint.
	if err := k.Fabric.Tile(cfg.KernelTile).ConfigRecvEP(cfg.SyscallEP, tcu.RecvEP{
		Order:    cfg.SyscallBufOrder,
		MsgOrder: cfg.SyscallMsgOrder,
	}); err != nil {
		return nil, err
	}

	k.rootKMem = quota.NewKMem(cfg.RootKMemBytes, log.WithName("kmem"))
	k.Paging = paging.New(mapperTable{k.channels}, log.WithName("paging"))
	k.Dispatcher = syscall.New(log, k.Activities, k.Services, plat, k.Fabric, k.channels,
		k.Paging, k.Sched, cfg.KernelTile, cfg.SyscallEP)

	if err := k.createRootActivity(); err != nil {
		return nil, err
	}
	return k, nil
}

// createRootActivity builds the boot-time root activity holding the three
// reserved capabilities: itself, its tile, and the root KMem quota.
func (k *Kernel) createRootActivity() error {
	desc, ok := k.Platform.TileDesc(platform.NewTileId(0, k.cfg.RootTile))
	if !ok {
		return errors.WithCode(errors.InvArgs, "root tile %d is not part of the platform", k.cfg.RootTile)
	}

	var root *activity.Activity
	k.Activities.Create(func(id uint64) *activity.Activity {
		root = activity.New(id, "root", k.cfg.RootTile, k.rootKMem, 0, 0, k.log)
		return root
	})
	root.IsRoot = true
	k.root = root

	now := time.Now()
	if _, err := root.Objs.InsertRoot(SelActivity, 1, &capability.ActivityObject{Ref: root.Ref()}, now); err != nil {
		return err
	}
	resident := 1
	tileObj := &capability.TileObject{
		TileID:     k.cfg.RootTile,
		EPs:        quota.NewTileEPQuota(desc.EPCount),
		Activities: &resident,
	}
	root.TileActs = tileObj.Activities
	if _, err := root.Objs.InsertRoot(SelTile, 1, tileObj, now); err != nil {
		return err
	}
	if _, err := root.Objs.InsertRoot(SelKMem, 1, &capability.KMemObject{Budget: k.rootKMem}, now); err != nil {
		return err
	}

	if ch, ok := k.channels[k.cfg.RootTile]; ok {
		ch.AddResident(root.ID)
	}
	return nil
}

// Root returns the boot-time root activity.
func (k *Kernel) Root() *activity.Activity { return k.root }

// Channel returns the TileMux channel for tile, satisfying the
// exit-upcall wiring in the daemon entrypoint.
func (k *Kernel) Channel(tile uint16) (*tilemux.Channel, bool) {
	c, ok := k.channels[tile]
	return c, ok
}

// slot returns the per-activity syscall slot implementing "exactly one
// in-flight syscall per activity can block".
func (k *Kernel) slot(act uint64) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[act]
	if !ok {
		s = make(chan struct{}, 1)
		k.slots[act] = s
	}
	return s
}

// Syscall runs one syscall on the kernel thread reserved for the sending
// activity, blocking if that activity already has a syscall in flight.
func (k *Kernel) Syscall(ctx context.Context, req syscall.Request) syscall.Reply {
	s := k.slot(req.Sender)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return syscall.Reply{Code: errors.InvArgs}
	}
	defer func() { <-s }()

	reply := k.Dispatcher.Dispatch(ctx, req)
	if k.ledger != nil {
		_ = k.ledger.Record(audit.Event{
			Type:     audit.EventSyscall,
			Activity: req.Sender,
			Op:       req.Op.String(),
		})
	}
	k.deliverUpcalls()
	return reply
}

// OnExit implements tilemux.ExitHandler: the single upcall a TileMux Core
// ever sends.
func (k *Kernel) OnExit(ctx context.Context, activityID uint64, status int32) error {
	target, ok := k.Activities.Get(activityID)
	if !ok {
		return nil
	}
	if err := k.Dispatcher.StopApp(ctx, target, status, true); err != nil {
		return err
	}
	if k.ledger != nil {
		_ = k.ledger.Record(audit.Event{
			Type:     audit.EventActivityState,
			Activity: activityID,
			Op:       "exit",
		})
	}
	k.deliverUpcalls()
	return nil
}

// pumpSyscalls drains the kernel's syscall receive endpoint: every fetched
// message is decoded, dispatched on the sender's kernel thread, and
// answered.
func (k *Kernel) pumpSyscalls(ctx context.Context) {
	t := k.Fabric.Tile(k.cfg.KernelTile)
	for {
		msg, slot, err := t.Fetch(k.cfg.SyscallEP)
		if err != nil {
			return // queue drained
		}
		go k.answer(ctx, msg, slot)
	}
}

// answer runs one fetched syscall to completion: decode, dispatch, then a
// TCU reply that acks the request slot and returns the sender's credit,
// followed by delivery of the encoded reply into the sender's syscall
// receive endpoint.
func (k *Kernel) answer(ctx context.Context, msg *tcu.Message, slot int) {
	sender := uint64(msg.Header.Label)

	var reply syscall.Reply
	req, err := syscall.DecodeRequest(sender, msg.Payload)
	if err != nil {
		reply = syscall.Reply{Code: errors.CodeOf(err)}
		if reply.Code == 0 {
			reply.Code = errors.InvArgs
		}
	} else {
		reply = k.Syscall(ctx, req)
	}

	payload, err := syscall.EncodeReply(reply)
	if err != nil {
		k.log.Error(err, "failed to encode syscall reply", "sender", sender)
		payload, _ = syscall.EncodeReply(syscall.Reply{Code: errors.InvArgs})
	}

	if _, err := k.Fabric.Reply(k.cfg.KernelTile, k.cfg.SyscallEP, slot, payload, 0); err != nil {
		k.log.V(1).Info("syscall reply failed", "sender", sender, "err", err)
		return
	}
	if a, ok := k.Activities.Get(sender); ok {
		ep := a.EPsStart + activity.StdEPSyscallRecv
		if err := k.Fabric.DeliverKernel(k.cfg.KernelTile, a.Tile, ep, tcu.Label(sender), payload); err != nil {
			k.log.V(1).Info("syscall reply delivery failed", "sender", sender, "err", err)
		}
	}
}

// deliverUpcalls drains every activity's queued upcalls into its upcall
// receive endpoint.
func (k *Kernel) deliverUpcalls() {
	k.Activities.ForEach(func(a *activity.Activity) {
		for _, msg := range a.DrainUpcalls() {
			ep := a.EPsStart + activity.StdEPUpcallRecv
			if err := k.Fabric.DeliverKernel(k.cfg.KernelTile, a.Tile, ep, tcu.Label(a.ID), msg); err != nil {
				k.log.V(1).Info("upcall delivery failed", "activity", a.ID, "err", err)
			}
		}
	})
}

// Run pumps inbound syscalls and outbound upcalls until ctx is done, then
// shuts every TileMux Core down.
func (k *Kernel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				k.pumpSyscalls(ctx)
				k.deliverUpcalls()
			}
		}
	})
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, ch := range k.channels {
		if serr := ch.Shutdown(shutdownCtx); serr != nil {
			k.log.V(1).Info("tilemux shutdown failed", "tile", ch.Tile, "err", serr)
		}
	}
	return err
}
