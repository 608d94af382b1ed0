// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlatform() *Model {
	return New(map[TileId]TileDesc{
		NewTileId(0, 0): {ISA: ISAX86_64, HasVirtMem: true, Shareable: true, SupportsTileMux: true, EPCount: 128},
		NewTileId(0, 1): {ISA: ISAAccel, Type: TileTypeDevice, IsDevice: true, Shareable: false, EPCount: 16},
		NewTileId(0, 2): {Type: TileTypeMemory, IsMem: true, Shareable: false, MemSize: 1 << 30},
	})
}

func TestTileDescLookup(t *testing.T) {
	m := testPlatform()

	d, ok := m.TileDesc(NewTileId(0, 0))
	require.True(t, ok)
	assert.True(t, d.HasVirtMem)
	assert.Equal(t, ISAX86_64, d.ISA)

	_, ok = m.TileDesc(NewTileId(9, 9))
	assert.False(t, ok)
}

func TestIsShared(t *testing.T) {
	m := testPlatform()
	assert.True(t, m.IsShared(NewTileId(0, 0)))
	assert.False(t, m.IsShared(NewTileId(0, 1)))
	assert.False(t, m.IsShared(NewTileId(9, 9)))
}

func TestTilesListsEveryTile(t *testing.T) {
	m := testPlatform()
	assert.Len(t, m.Tiles(), 3)
}

func TestMustTileDescPanics(t *testing.T) {
	m := testPlatform()
	assert.Panics(t, func() {
		m.MustTileDesc(NewTileId(5, 5))
	})
}
