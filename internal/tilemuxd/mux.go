// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tilemuxd is the per-tile user-mode multiplexer (TileMux Core):
// the tile's physical endpoint table, per-activity round-robin scheduling
// under CPU-time quotas, the MMU page-fault handler, and the inbound
// sidecall dispatch. Its only outbound sidecall is Exit.
package tilemuxd

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/kernel/tilemux"
	"github.com/m3os/tilekernel/pkg/tcu"
)

// ExitNotifier carries the Exit(activity, status) upcall back to the
// kernel; satisfied by the kernel-side Channel.HandleExit glue.
type ExitNotifier interface {
	NotifyExit(ctx context.Context, act uint64, status int32) error
}

type actState uint8

const (
	actInit actState = iota
	actRunning
	actStopped
)

// mapping is one installed virtual-page mapping.
type mapping struct {
	PhysTile   uint16
	PhysOffset uint64
	Perms      tcu.Perm
}

// schedQuota is a TileMux-administered CPU-time quota: a round-robin
// timeslice weight behind one of the opaque (time_id, pt_id) ids.
type schedQuota struct {
	slices uint64
	parent quota.QuotaId
}

// actCtx is one resident activity's multiplexer state.
type actCtx struct {
	id    uint64
	state actState

	timeQuota quota.TimeQuotaId
	ptQuota   quota.PTQuotaId

	// pages maps virtual page numbers to installed mappings.
	pages map[uint64]mapping

	ctxSwitches uint64
	pageFaults  uint64
}

// Mux is the TileMux Core for one tile.
type Mux struct {
	tile   uint16
	fabric *tcu.Fabric
	exit   ExitNotifier
	log    logr.Logger

	mu        sync.Mutex
	acts      map[uint64]*actCtx
	runq      []uint64
	current   int
	quotas    map[quota.QuotaId]*schedQuota
	nextQuota quota.QuotaId
	shutdown  bool
}

// defaultSlices is the round-robin timeslice weight a fresh activity's
// time quota starts with.
const defaultSlices = 8

func New(tile uint16, fabric *tcu.Fabric, exit ExitNotifier, log logr.Logger) *Mux {
	return &Mux{
		tile:      tile,
		fabric:    fabric,
		exit:      exit,
		log:       log.WithName("tilemux").WithValues("tile", tile),
		acts:      make(map[uint64]*actCtx),
		quotas:    make(map[quota.QuotaId]*schedQuota),
		nextQuota: 1,
	}
}

func (m *Mux) Tile() uint16 { return m.tile }

// HandleSidecall dispatches one inbound sidecall from the kernel.
func (m *Mux) HandleSidecall(ctx context.Context, call tilemux.Sidecall) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, errors.WithCode(errors.NotSup, "tilemux on tile %d is shut down", m.tile)
	}

	switch call.Op {
	case tilemux.OpActInit:
		return nil, m.actInitLocked(call.ActID)
	case tilemux.OpActCtrl:
		cmd, _ := call.Args.(tilemux.ActCtrlCmd)
		return nil, m.actCtrlLocked(call.ActID, cmd)
	case tilemux.OpMap:
		args, ok := call.Args.(tilemux.MapArgs)
		if !ok {
			return nil, errors.WithCode(errors.InvArgs, "malformed Map sidecall")
		}
		return nil, m.mapLocked(args)
	case tilemux.OpUnmap:
		args, ok := call.Args.(tilemux.UnmapArgs)
		if !ok {
			return nil, errors.WithCode(errors.InvArgs, "malformed Unmap sidecall")
		}
		return nil, m.unmapLocked(args)
	case tilemux.OpTranslate:
		args, ok := call.Args.(tilemux.TranslateArgs)
		if !ok {
			return nil, errors.WithCode(errors.InvArgs, "malformed Translate sidecall")
		}
		return m.translateLocked(args)
	case tilemux.OpDeriveQuota:
		args, _ := call.Args.(tilemux.QuotaArgs)
		return m.deriveQuotaLocked(args)
	case tilemux.OpGetQuota:
		args, _ := call.Args.(tilemux.QuotaArgs)
		return m.getQuotaLocked(args)
	case tilemux.OpSetQuota:
		args, ok := call.Args.(tilemux.SetQuotaArgs)
		if !ok {
			return nil, errors.WithCode(errors.InvArgs, "malformed SetQuota sidecall")
		}
		return nil, m.setQuotaLocked(args)
	case tilemux.OpRemoveQuotas:
		args, _ := call.Args.(tilemux.QuotaArgs)
		m.removeQuotasLocked(args)
		return nil, nil
	case tilemux.OpEpInval:
		ep, _ := call.Args.(tcu.EpId)
		m.invalidateEPLocked(ep)
		return nil, nil
	case tilemux.OpRemMsgs:
		args, _ := call.Args.(tilemux.RemMsgsArgs)
		m.log.V(1).Info("dropped unread messages", "ep", args.EP, "mask", args.Mask)
		return nil, nil
	case tilemux.OpResetStats:
		if a, ok := m.acts[call.ActID]; ok {
			a.ctxSwitches, a.pageFaults = 0, 0
		}
		return nil, nil
	case tilemux.OpShutdown:
		m.shutdown = true
		m.runq = nil
		return nil, nil
	default:
		return nil, errors.WithCode(errors.InvArgs, "unknown sidecall op %d", call.Op)
	}
}

func (m *Mux) actInitLocked(id uint64) error {
	if _, ok := m.acts[id]; ok {
		return errors.WithCode(errors.Exists, "activity %d already resident", id)
	}
	m.quotas[m.nextQuota] = &schedQuota{slices: defaultSlices}
	timeQ := m.nextQuota
	m.nextQuota++
	m.quotas[m.nextQuota] = &schedQuota{slices: defaultSlices}
	ptQ := m.nextQuota
	m.nextQuota++

	m.acts[id] = &actCtx{
		id:        id,
		state:     actInit,
		timeQuota: timeQ,
		ptQuota:   ptQ,
		pages:     make(map[uint64]mapping),
	}
	return nil
}

func (m *Mux) actCtrlLocked(id uint64, cmd tilemux.ActCtrlCmd) error {
	a, ok := m.acts[id]
	if !ok {
		return errors.WithCode(errors.ActivityGone, "activity %d is not resident", id)
	}
	switch cmd {
	case tilemux.ActCtrlStart:
		if a.state == actStopped {
			return errors.WithCode(errors.ActivityGone, "activity %d already stopped", id)
		}
		a.state = actRunning
		m.runq = append(m.runq, id)
	case tilemux.ActCtrlStop:
		a.state = actStopped
		m.dequeueLocked(id)
		m.flushActivityEPsLocked(id)
	}
	return nil
}

func (m *Mux) dequeueLocked(id uint64) {
	for i, q := range m.runq {
		if q == id {
			m.runq = append(m.runq[:i], m.runq[i+1:]...)
			if m.current >= len(m.runq) {
				m.current = 0
			}
			return
		}
	}
}

// flushActivityEPsLocked force-invalidates every EP still programmed with
// the stopped activity's id; the per-EP TLB and cache flush is part of the
// fabric invalidation.
func (m *Mux) flushActivityEPsLocked(id uint64) {
	t := m.fabric.Tile(m.tile)
	for _, ep := range t.EPs() {
		if owner, ok := t.OwnerAt(ep); ok && owner == tcu.ActId(id) {
			t.Invalidate(ep)
		}
	}
}

func (m *Mux) mapLocked(args tilemux.MapArgs) error {
	a, ok := m.acts[args.Act]
	if !ok {
		return errors.WithCode(errors.ActivityGone, "activity %d is not resident", args.Act)
	}
	for i := uint64(0); i < args.Pages; i++ {
		a.pages[args.VirtPage+i] = mapping{
			PhysTile:   args.PhysTile,
			PhysOffset: args.PhysOffset + i*tcu.PageSize,
			Perms:      args.Perms,
		}
	}
	return nil
}

func (m *Mux) unmapLocked(args tilemux.UnmapArgs) error {
	a, ok := m.acts[args.Act]
	if !ok {
		// Unmap for a torn-down activity is a no-op; the page table died
		// with it.
		return nil
	}
	for i := uint64(0); i < args.Pages; i++ {
		delete(a.pages, args.VirtPage+i)
	}
	return nil
}

func (m *Mux) translateLocked(args tilemux.TranslateArgs) (tilemux.TranslateResult, error) {
	a, ok := m.acts[args.Act]
	if !ok {
		return tilemux.TranslateResult{}, errors.WithCode(errors.ActivityGone, "activity %d is not resident", args.Act)
	}
	mp, ok := a.pages[args.VirtPage]
	if !ok {
		return tilemux.TranslateResult{}, errors.WithCode(errors.NotFound, "no mapping for virtual page %d", args.VirtPage)
	}
	return tilemux.TranslateResult{PhysTile: mp.PhysTile, PhysOffset: mp.PhysOffset, Perms: mp.Perms}, nil
}

// invalidateEPLocked drops ep from the TCU; on hardware this also flushes
// the TLB entry and, for memory EPs, the cache lines covering the region.
func (m *Mux) invalidateEPLocked(ep tcu.EpId) {
	m.fabric.Tile(m.tile).Invalidate(ep)
}

// OccupiedEPs is the tile's current physical endpoint table, read straight
// from the TCU registers.
func (m *Mux) OccupiedEPs() []tcu.EpId {
	return m.fabric.Tile(m.tile).EPs()
}

// HandlePageFault resolves a faulting virtual address for act, bumping the
// fault counter. A miss is fatal for the activity: the mux reports Exit to
// the kernel with a nonzero status.
func (m *Mux) HandlePageFault(ctx context.Context, act uint64, virt uint64) (mapping, error) {
	m.mu.Lock()
	a, ok := m.acts[act]
	if !ok {
		m.mu.Unlock()
		return mapping{}, errors.WithCode(errors.ActivityGone, "activity %d is not resident", act)
	}
	a.pageFaults++
	mp, ok := a.pages[virt>>tcu.PageBits]
	m.mu.Unlock()

	if !ok {
		if m.exit != nil {
			_ = m.exit.NotifyExit(ctx, act, 1)
		}
		return mapping{}, errors.WithCode(errors.NotFound, "unresolvable page fault at %#x", virt)
	}
	return mp, nil
}

// NextActivity picks the next runnable activity round-robin, consuming one
// timeslice from its CPU-time quota. It returns false when the run queue
// is empty or every quota is exhausted in this rotation (quotas then
// refill, keeping the rotation fair without starving anyone).
func (m *Mux) NextActivity() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.runq)
	if n == 0 {
		return 0, false
	}
	for i := 0; i < n; i++ {
		idx := (m.current + i) % n
		id := m.runq[idx]
		a := m.acts[id]
		q := m.quotas[a.timeQuota]
		if q == nil || q.slices == 0 {
			continue
		}
		q.slices--
		a.ctxSwitches++
		m.current = (idx + 1) % n
		return id, true
	}

	// Rotation exhausted; refill every quota for the next round.
	for _, q := range m.quotas {
		if q.slices == 0 {
			q.slices = defaultSlices
		}
	}
	return 0, false
}

// Residents returns the ids of every resident activity, for tests and the
// daemon's status logging.
func (m *Mux) Residents() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.acts))
	for id := range m.acts {
		out = append(out, id)
	}
	return out
}

// Stats returns an activity's context-switch and page-fault counters.
func (m *Mux) Stats(act uint64) (ctxSwitches, pageFaults uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, found := m.acts[act]
	if !found {
		return 0, 0, false
	}
	return a.ctxSwitches, a.pageFaults, true
}
