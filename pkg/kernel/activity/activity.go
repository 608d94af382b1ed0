// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package activity implements the Activity and ActivityMngr kernel
// objects: lifecycle (INIT/RUNNING/DEAD), standard-endpoint setup, exit
// propagation, and wait-and-upcall.
package activity

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/tcu"
)

// State is an Activity's lifecycle position.
type State int

const (
	StateInit State = iota
	StateRunning
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateDead:
		return "DEAD"
	default:
		return "unknown"
	}
}

// StdEPsCount is the number of endpoints reserved at eps_start for every
// activity's standard EPs.
const StdEPsCount = 4

// Standard EP offsets within the reserved block, in the order they are
// programmed at init.
const (
	StdEPSyscallSend = iota
	StdEPSyscallRecv
	StdEPUpcallRecv
	StdEPDefaultRecv
)

// EPConfigurator is the subset of the kernel-side TileMux channel that
// standard-EP setup and teardown need. Activity depends on this interface,
// not on package tilemux, to avoid an import cycle (tilemux depends on
// activity to dispatch Exit upcalls).
type EPConfigurator interface {
	ConfigSendEP(tile uint16, ep tcu.EpId, cfg tcu.SendEP) error
	ConfigRecvEP(tile uint16, ep tcu.EpId, cfg tcu.RecvEP) error
	Invalidate(tile uint16, ep tcu.EpId) (unreadMask uint64, err error)
}

// Activity is one schedulable unit of execution resident on a tile.
type Activity struct {
	mu sync.Mutex

	ID       uint64
	Name     string
	Tile     uint16
	KMem     *quota.KMem
	EPsStart tcu.EpId

	// TileActs points at the shared per-tile activity counter the creating
	// Tile capability carries; decremented when this activity dies so the
	// Tile capability becomes revocable again.
	TileActs *int

	// IsRoot marks activities created at boot with no parent; they
	// self-remove from the manager on exit.
	IsRoot bool

	state    State
	exitCode *int32

	Objs *capability.CapTable // object capabilities
	Maps *capability.CapTable // map capabilities

	attachedEPs map[tcu.EpId]bool
	recvBufBase uint64
	upcalls     [][]byte

	// waiting maps an activity id this Activity is waiting to see exit to
	// the deferred-upcall event tag registered for it (0 means "block
	// instead of upcall").
	waiting map[uint64]uint64

	exitCh chan struct{} // closed exactly once, when state becomes DEAD

	log logr.Logger
}

// New creates an activity in state INIT. kmem is the activity's
// already-derived kernel-memory quota and epsStart the first endpoint of
// its reserved block; recvBufBase is the physical offset the standard
// EPs' receive buffers are programmed against.
func New(id uint64, name string, tile uint16, kmem *quota.KMem, epsStart tcu.EpId, recvBufBase uint64, log logr.Logger) *Activity {
	return &Activity{
		ID:          id,
		Name:        name,
		Tile:        tile,
		KMem:        kmem,
		EPsStart:    epsStart,
		state:       StateInit,
		Objs:        capability.NewCapTable(id, kmem),
		Maps:        capability.NewCapTable(id, kmem),
		attachedEPs: make(map[tcu.EpId]bool),
		recvBufBase: recvBufBase,
		waiting:     make(map[uint64]uint64),
		exitCh:      make(chan struct{}),
		log:         log.WithValues("activity", id, "name", name),
	}
}

// ref adapts *Activity to capability.ActivityRef; a plain method named ID
// would collide with the exported ID field, so the adapter lives in its
// own tiny type instead.
type ref struct{ a *Activity }

func (r ref) ID() uint64 { return r.a.ID }

// Ref returns this activity as a capability.ActivityRef, for embedding in
// an ActivityObject capability.
func (a *Activity) Ref() capability.ActivityRef { return ref{a} }

// State returns the activity's current lifecycle state.
func (a *Activity) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ExitCode returns the latched exit code and whether the activity has one
// (it does once DEAD).
func (a *Activity) ExitCode() (int32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exitCode == nil {
		return 0, false
	}
	return *a.exitCode, true
}

// AttachEP records ep as bound to one of this activity's gates, so exit
// teardown knows to force-invalidate it.
func (a *Activity) AttachEP(ep tcu.EpId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attachedEPs[ep] = true
}

func (a *Activity) DetachEP(ep tcu.EpId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.attachedEPs, ep)
}

// QueueUpcall appends a serialized upcall message to the activity's
// outbound queue, to be drained by the kernel's upcall-send path.
func (a *Activity) QueueUpcall(msg []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upcalls = append(a.upcalls, msg)
}

// DrainUpcalls removes and returns every queued upcall message.
func (a *Activity) DrainUpcalls() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.upcalls
	a.upcalls = nil
	return out
}

// InitStandardEPs programs the four standard endpoints in their fixed
// order: syscall send (targeting the kernel's syscall receive EP, labeled
// with this activity's id), syscall receive, upcall receive, default
// receive. kernelTile/kernelSyscallEP identify the
// kernel's own receive endpoint.
func (a *Activity) InitStandardEPs(cfg EPConfigurator, kernelTile uint16, kernelSyscallEP tcu.EpId) error {
	a.mu.Lock()
	if a.state != StateInit {
		a.mu.Unlock()
		return errors.WithCode(errors.InvArgs, "activity %d: standard EPs already initialized or activity not in INIT", a.ID)
	}
	tile, base, epsStart := a.Tile, a.recvBufBase, a.EPsStart
	a.mu.Unlock()

	sendEP := epsStart + StdEPSyscallSend
	if err := cfg.ConfigSendEP(tile, sendEP, tcu.SendEP{
		Act:        tcu.ActId(a.ID),
		TargetTile: kernelTile,
		TargetEP:   kernelSyscallEP,
		Label:      tcu.Label(a.ID),
		Credits:    1,
		MaxCredits: 1,
		ReplyEP:    true,
	}); err != nil {
		return err
	}

	recvEP := epsStart + StdEPSyscallRecv
	if err := cfg.ConfigRecvEP(tile, recvEP, tcu.RecvEP{Act: tcu.ActId(a.ID), BufAddr: base, Order: 6, MsgOrder: 6}); err != nil {
		return err
	}

	upcallEP := epsStart + StdEPUpcallRecv
	if err := cfg.ConfigRecvEP(tile, upcallEP, tcu.RecvEP{
		Act:     tcu.ActId(a.ID),
		BufAddr: base + tcu.PageSize, Order: 6, MsgOrder: 6,
		ReplyEPBase: epsStart + StdEPDefaultRecv, HasReplyEPs: true,
	}); err != nil {
		return err
	}

	defaultEP := epsStart + StdEPDefaultRecv
	if err := cfg.ConfigRecvEP(tile, defaultEP, tcu.RecvEP{Act: tcu.ActId(a.ID), BufAddr: base + 2*tcu.PageSize, Order: 6, MsgOrder: 6}); err != nil {
		return err
	}

	a.mu.Lock()
	for _, ep := range []tcu.EpId{sendEP, recvEP, upcallEP, defaultEP} {
		a.attachedEPs[ep] = true
	}
	a.mu.Unlock()
	return nil
}

// Start transitions INIT -> RUNNING.
func (a *Activity) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateInit {
		return errors.WithCode(errors.InvArgs, "activity %d: cannot start from state %s", a.ID, a.state)
	}
	a.state = StateRunning
	return nil
}

// markDead transitions to DEAD, latches the exit code, and wakes every
// waiter exactly once. Safe to call more than once; only the first call
// has an effect, making StopApp idempotent against DEAD.
func (a *Activity) markDead(code int32, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDead {
		return false
	}
	a.state = StateDead
	a.exitCode = &code
	close(a.exitCh)
	return true
}

// ExitChan is closed exactly once, when the activity becomes DEAD; used by
// ActivityMngr.WaitExit to block until any watched activity exits.
func (a *Activity) ExitChan() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitCh
}

// TakeWaitEvent consumes the deferred-upcall registration this activity
// holds for target, if any, returning the event tag it was registered with.
func (a *Activity) TakeWaitEvent(target uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev, ok := a.waiting[target]
	if ok {
		delete(a.waiting, target)
	}
	return ev, ok
}

// AttachedEPs returns a snapshot of every EP currently attached to one of
// this activity's gates.
func (a *Activity) AttachedEPs() []tcu.EpId {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]tcu.EpId, 0, len(a.attachedEPs))
	for ep := range a.attachedEPs {
		out = append(out, ep)
	}
	return out
}
