// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package paging is the glue between Map capabilities and the per-tile
// TileMux Channel: Map/Unmap/Translate requests routed to TileMux, and
// MapObject bookkeeping in an activity's map capability table.
package paging

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
	"github.com/m3os/tilekernel/pkg/tcu"
)

func timeNow() time.Time { return time.Now() }

// Mapper is the subset of a tile's TileMux Channel the paging glue needs.
// Satisfied by *tilemux.Channel; kept as an interface here to avoid a
// dependency from pkg/kernel/paging back onto pkg/kernel/tilemux's fuller
// surface (sidecall plumbing, EP config) that paging never touches.
type Mapper interface {
	Map(ctx context.Context, act uint64, virtPage, pages uint64, physTile uint16, physOffset uint64, perms tcu.Perm) error
	Unmap(ctx context.Context, act uint64, virtPage, pages uint64) error
}

// ChannelProvider resolves the Mapper responsible for a tile.
type ChannelProvider interface {
	Channel(tile uint16) (Mapper, bool)
}

// Glue implements the Map capability lifecycle.
type Glue struct {
	channels ChannelProvider
	log      logr.Logger
}

func New(channels ChannelProvider, log logr.Logger) *Glue {
	return &Glue{channels: channels, log: log}
}

// vpnTable is the minimal view paging needs of an activity's map
// capability table: insert-or-replace keyed by VPN, and lookup.
type vpnTable = *capability.CapTable

// CreateMap implements the CreateMap syscall: one Map capability covering
// selectors [sel, sel+pages), which double as the virtual pages, is
// installed against the physical range backed by mgate, starting at
// mgate's base plus first pages. A repeated
// CreateMap over the same range remaps rather than failing Exists.
//
// actTile is the tile the mapping is installed on (the activity's own
// tile); mgate describes the backing memory gate the pages come from.
func (g *Glue) CreateMap(ctx context.Context, act uint64, actTile uint16, maps vpnTable, sel uint64, mgate *capability.MGateObject, first, pages uint64, perms tcu.Perm) (*capability.Capability, error) {
	if !perms.Subset(mgate.Perms) {
		return nil, errors.WithCode(errors.NoPerm, "requested map permissions exceed the backing memory gate's")
	}
	if mgate.Offset%tcu.PageSize != 0 || mgate.Length%tcu.PageSize != 0 {
		return nil, errors.WithCode(errors.InvArgs, "memory gate region [%#x,+%#x) is not page-aligned", mgate.Offset, mgate.Length)
	}
	if first+pages > mgate.Length/tcu.PageSize {
		return nil, errors.WithCode(errors.InvArgs, "map range [%d,%d) exceeds memory gate of %d pages", first, first+pages, mgate.Length/tcu.PageSize)
	}

	physOffset := mgate.Offset + first*tcu.PageSize
	ch, ok := g.channels.Channel(actTile)
	if !ok {
		return nil, errors.WithCode(errors.NotSup, "no TileMux channel for tile %d", actTile)
	}
	if err := ch.Map(ctx, act, sel, pages, mgate.Tile, physOffset, perms); err != nil {
		return nil, err
	}

	// A repeated CreateMap over an already-mapped range remaps in place:
	// the existing capability's MapObject is updated rather than a new
	// capability being inserted over an occupied selector range.
	if existing := maps.Get(sel); existing != nil && existing.Sel == sel && existing.Len == pages {
		if mo, ok := existing.Obj.(*capability.MapObject); ok {
			mo.Global = packGlobal(mgate.Tile, physOffset)
			mo.Flags = uint8(perms)
			return existing, nil
		}
	}

	obj := &capability.MapObject{Global: packGlobal(mgate.Tile, physOffset), Flags: uint8(perms)}
	return maps.InsertRoot(sel, pages, obj, timeNow())
}

// Unmap tears down the mapping backing a Map capability, called from its
// revoke release hook.
func (g *Glue) Unmap(ctx context.Context, act uint64, actTile uint16, sel, pages uint64) error {
	ch, ok := g.channels.Channel(actTile)
	if !ok {
		return errors.WithCode(errors.NotSup, "no TileMux channel for tile %d", actTile)
	}
	return ch.Unmap(ctx, act, sel, pages)
}

// Translate implements the Translate syscall: resolve the current
// (global, flags) a virtual address's page maps to by looking up the Map
// capability covering it.
func Translate(maps vpnTable, virtAddr uint64) (global uint64, flags uint8, err error) {
	vpn := virtAddr >> tcu.PageBits
	c := maps.Get(vpn)
	if c == nil {
		return 0, 0, errors.WithCode(errors.InvArgs, "no mapping covers virtual page %d", vpn)
	}
	mo, ok := c.Obj.(*capability.MapObject)
	if !ok {
		return 0, 0, errors.WithCode(errors.InvArgs, "capability at %d is not a Map", vpn)
	}
	pageStart := c.Sel << tcu.PageBits
	offsetIntoRange := virtAddr - pageStart
	return mo.Global + offsetIntoRange, mo.Flags, nil
}

// packGlobal encodes a (tile, offset) pair into the single uint64 global
// address MapObject carries: tile in the high bits, offset in the low
// bits.
func packGlobal(tile uint16, offset uint64) uint64 {
	return uint64(tile)<<48 | (offset & (1<<48 - 1))
}

// UnpackGlobal is the inverse of packGlobal.
func UnpackGlobal(global uint64) (tile uint16, offset uint64) {
	return uint16(global >> 48), global & (1<<48 - 1)
}
