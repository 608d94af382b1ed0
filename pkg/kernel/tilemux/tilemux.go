// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tilemux is the kernel-side proxy for the per-tile TileMux Channel:
// EP programming, sidecalls (ActInit, ActCtrl, Map/Unmap/Translate, quota
// derive/get/set/remove, EpInval, RemMsgs, ResetStats, Shutdown), and the
// Exit upcall.
package tilemux

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/tcu"
)

// SidecallOp tags a request sent to a tile's TileMux Core.
type SidecallOp uint8

const (
	OpActInit SidecallOp = iota
	OpActCtrl
	OpMap
	OpUnmap
	OpTranslate
	OpDeriveQuota
	OpGetQuota
	OpSetQuota
	OpRemoveQuotas
	OpEpInval
	OpRemMsgs
	OpResetStats
	OpShutdown
)

// ActCtrlCmd distinguishes the two ActCtrl verbs.
type ActCtrlCmd uint8

const (
	ActCtrlStart ActCtrlCmd = iota
	ActCtrlStop
)

// Sidecall is one request/reply exchange with a tile's TileMux Core.
type Sidecall struct {
	Op       SidecallOp
	ActID    uint64
	Args     any
	ReplyCh  chan sidecallReply
}

type sidecallReply struct {
	result any
	err    error
}

// Transport is how a sidecall actually reaches a tile's TileMux Core; in
// production this rides the kernel-to-tilemux TCU channel, in tests it is
// a fake. Kept minimal and synchronous: Deliver blocks until the remote
// side replies or ctx is done.
type Transport interface {
	Deliver(ctx context.Context, tile uint16, call Sidecall) (any, error)
}

// ActivityChecker reports whether an activity id is already DEAD, so a
// sidecall addressed to it fails ActivityGone immediately rather than
// going out.
type ActivityChecker interface {
	IsDead(id uint64) bool
}

// Channel is one kernel-side TileMux Channel instance, one per physical
// tile.
type Channel struct {
	mu sync.Mutex

	Tile      uint16
	transport Transport
	acts      ActivityChecker
	fabric    *tcu.Fabric

	residents map[uint64]bool
	eps       *quota.TileEPQuota

	log logr.Logger
}

// NewChannel constructs the channel for one tile backed by fabric for
// direct EP register access and transport for sidecalls that must reach
// the tile's own TileMux Core (activity control, quotas, paging).
func NewChannel(tile uint16, fabric *tcu.Fabric, transport Transport, acts ActivityChecker, eps *quota.TileEPQuota, log logr.Logger) *Channel {
	return &Channel{
		Tile:      tile,
		transport: transport,
		acts:      acts,
		fabric:    fabric,
		residents: make(map[uint64]bool),
		eps:       eps,
		log:       log.WithValues("tile", tile),
	}
}

func (c *Channel) AddResident(act uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.residents[act] = true
}

func (c *Channel) RemoveResident(act uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.residents, act)
}

func (c *Channel) Residents() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.residents))
	for id := range c.residents {
		out = append(out, id)
	}
	return out
}

// call issues a sidecall, applying the ActivityGone short-circuit and a
// bounded exponential-backoff retry for transport-level failures (not for
// application errors such as ActivityGone, which are terminal).
func (c *Channel) call(ctx context.Context, act uint64, op SidecallOp, args any) (any, error) {
	if c.acts != nil && act != 0 && c.acts.IsDead(act) {
		return nil, errors.WithCode(errors.ActivityGone, "activity %d is dead, sidecall %d dropped", act, op)
	}

	return backoff.Retry(ctx, func() (any, error) {
		res, err := c.transport.Deliver(ctx, c.Tile, Sidecall{Op: op, ActID: act, Args: args})
		if err != nil {
			if errors.HasCode(err, errors.ActivityGone) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
}

// ActInit notifies the TileMux Core that an activity has been created on
// this tile.
func (c *Channel) ActInit(ctx context.Context, act uint64) error {
	_, err := c.call(ctx, act, OpActInit, nil)
	return err
}

// ActCtrl starts or stops an activity on this tile.
func (c *Channel) ActCtrl(ctx context.Context, act uint64, cmd ActCtrlCmd) error {
	_, err := c.call(ctx, act, OpActCtrl, cmd)
	return err
}

// Shutdown asks the TileMux Core to quiesce; issued when the kernel itself
// is tearing down.
func (c *Channel) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, 0, OpShutdown, nil)
	return err
}

// ResetStats clears the TileMux Core's performance counters for act.
func (c *Channel) ResetStats(ctx context.Context, act uint64) error {
	_, err := c.call(ctx, act, OpResetStats, nil)
	return err
}

// EpInval notifies the TileMux Core that ep was invalidated by a foreign
// revoke, so it can flush the TLB entry and any per-EP state it keeps. The
// register write itself has already happened through the fabric; this is
// the notification step of gate-EP invalidation.
func (c *Channel) EpInval(ctx context.Context, act uint64, ep tcu.EpId) error {
	_, err := c.call(ctx, act, OpEpInval, ep)
	return err
}

// RemMsgs notifies the TileMux Core that unreadMask's slots on ep were
// dropped by a foreign EP invalidation, so it can release any resources
// tied to those in-flight messages.
func (c *Channel) RemMsgs(ctx context.Context, act uint64, ep tcu.EpId, unreadMask uint64) error {
	_, err := c.call(ctx, act, OpRemMsgs, RemMsgsArgs{EP: ep, Mask: unreadMask})
	return err
}

type RemMsgsArgs struct {
	EP   tcu.EpId
	Mask uint64
}
