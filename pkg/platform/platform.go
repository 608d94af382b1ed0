// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package platform

import "fmt"

// Model enumerates the tiles of one running system and their static
// attributes. It is recomputed from the boot-time configuration (owned by
// the out-of-scope resmng) rather than hard-coded, so new tile families
// don't require guessing at ISA probes.
type Model struct {
	tiles map[uint32]TileDesc
	order []TileId
}

// New builds a platform model from an explicit tile list. Tiles() reports
// the tiles in the order this map was iterated here, which Go leaves
// undefined.
func New(tiles map[TileId]TileDesc) *Model {
	m := &Model{tiles: make(map[uint32]TileDesc, len(tiles))}
	for id, desc := range tiles {
		m.tiles[id.Raw()] = desc
		m.order = append(m.order, id)
	}
	return m
}

// TileDesc returns the static description of id. The second return value
// is false if id is not part of this platform.
func (m *Model) TileDesc(id TileId) (TileDesc, bool) {
	d, ok := m.tiles[id.Raw()]
	return d, ok
}

// MustTileDesc panics if id is not part of the platform; it is meant for
// call sites that have already validated id against a capability.
func (m *Model) MustTileDesc(id TileId) TileDesc {
	d, ok := m.TileDesc(id)
	if !ok {
		panic(fmt.Sprintf("platform: unknown tile %s", id))
	}
	return d
}

// IsShared reports whether id's EPs carry an activity-id field. Non-shared
// tiles (single-activity accelerators, memory tiles) use an invalid
// sentinel instead.
func (m *Model) IsShared(id TileId) bool {
	d, ok := m.TileDesc(id)
	return ok && d.Shareable
}

// Tiles returns every tile id known to the platform, in the order New
// recorded them; that order is not sorted and not defined.
func (m *Model) Tiles() []TileId {
	out := make([]TileId, len(m.order))
	copy(out, m.order)
	return out
}
