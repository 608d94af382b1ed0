// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package capability

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
)

type recordingHooks struct {
	released []Kind
	foreign  []bool
}

func (h *recordingHooks) OnRelease(c *Capability, foreign bool) error {
	h.released = append(h.released, c.Obj.Kind())
	h.foreign = append(h.foreign, foreign)
	return nil
}

// buildTree creates a root capability in tbl plus n children (each a fresh
// SemObject), newest-first in the sibling list as InsertChild produces.
func buildTree(t *testing.T, tbl *CapTable, n int) (*Capability, []*Capability) {
	t.Helper()
	root, err := tbl.InsertRoot(1, 1, &SemObject{}, time.Unix(0, 0))
	require.NoError(t, err)
	children := make([]*Capability, n)
	for i := 0; i < n; i++ {
		c, err := tbl.InsertChild(uint64(10+i), 1, &SemObject{}, root, time.Unix(0, 0))
		require.NoError(t, err)
		children[i] = c
	}
	return root, children
}

// TestRevokeOwnTearsDownWholeSubtree works at the capability-graph
// level: revoking a capability with its descendants
// leaves every one of them unreachable and fully credits KMem back.
func TestRevokeOwnTearsDownWholeSubtree(t *testing.T) {
	k := quota.NewKMem(1<<20, logr.Discard())
	tbl := NewCapTable(1, k)
	root, children := buildTree(t, tbl, 3)
	before := k.Left()

	hooks := &recordingHooks{}
	require.NoError(t, Revoke(root, true, hooks))

	assert.Nil(t, tbl.Get(1))
	for _, c := range children {
		assert.Nil(t, tbl.Get(c.Sel))
	}
	assert.Len(t, hooks.released, 4) // root + 3 children
	assert.Greater(t, k.Left(), before)
}

// TestRevokeOwnMarksDescendantsForeign: only the capability the revoke was
// issued against releases with foreign=false; every descendant went away
// underneath its holder and releases with foreign=true, which is what
// triggers the TileMux EpInval notification.
func TestRevokeOwnMarksDescendantsForeign(t *testing.T) {
	k := quota.NewKMem(1<<20, logr.Discard())
	tbl := NewCapTable(1, k)
	root, _ := buildTree(t, tbl, 2)

	hooks := &recordingHooks{}
	require.NoError(t, Revoke(root, true, hooks))

	require.Len(t, hooks.foreign, 3)
	foreignCount := 0
	for _, f := range hooks.foreign {
		if f {
			foreignCount++
		}
	}
	assert.Equal(t, 2, foreignCount, "both children are foreign releases")
}

// TestRevokeChildrenOnlyKeepsParent matches a REVOKE syscall with own=false:
// the capability itself survives, only its descendants are torn down.
func TestRevokeChildrenOnlyKeepsParent(t *testing.T) {
	k := quota.NewKMem(1<<20, logr.Discard())
	tbl := NewCapTable(1, k)
	root, children := buildTree(t, tbl, 2)

	hooks := &recordingHooks{}
	require.NoError(t, Revoke(root, false, hooks))

	assert.Same(t, root, tbl.Get(1))
	assert.Nil(t, root.Child)
	for _, c := range children {
		assert.Nil(t, tbl.Get(c.Sel))
	}
	assert.Len(t, hooks.released, 2)
}

// TestRevokeSiblingChainVisitsEveryNode exercises a three-deep sibling
// chain under one parent, making sure the next-sibling walk doesn't stop
// after the first one.
func TestRevokeSiblingChainVisitsEveryNode(t *testing.T) {
	k := quota.NewKMem(1<<20, logr.Discard())
	tbl := NewCapTable(1, k)
	root, children := buildTree(t, tbl, 5)

	hooks := &recordingHooks{}
	require.NoError(t, Revoke(root, false, hooks))

	assert.Len(t, hooks.released, 5)
	for _, c := range children {
		assert.Nil(t, tbl.Get(c.Sel))
	}
}

// TestRevokeKMemCapNotRevocableUntilFreed mirrors CanRevoke for KMem
// capabilities: the capability wrapping a still-charged quota refuses
// revocation.
func TestRevokeKMemCapNotRevocableUntilFreed(t *testing.T) {
	parent := quota.NewKMem(1<<20, logr.Discard())
	child, err := parent.DeriveChild(4096)
	require.NoError(t, err)

	tbl := NewCapTable(1, parent)
	kc, err := tbl.InsertRoot(1, 1, &KMemObject{Budget: child, Parent: parent}, time.Unix(0, 0))
	require.NoError(t, err)

	require.NoError(t, child.Alloc(64))
	assert.False(t, CanRevoke(kc))
	err = Revoke(kc, true, &recordingHooks{})
	assert.True(t, kerrors.HasCode(err, kerrors.NotRevocable))

	child.Free(64)
	assert.True(t, CanRevoke(kc))
	require.NoError(t, Revoke(kc, true, &recordingHooks{}))
}

// TestRevokeTileCapNotRevocableWhileActivitiesResident mirrors CanRevoke
// for Tile capabilities.
func TestRevokeTileCapNotRevocableWhileActivitiesResident(t *testing.T) {
	k := quota.NewKMem(1<<20, logr.Discard())
	tbl := NewCapTable(1, k)
	resident := 1
	tc, err := tbl.InsertRoot(1, 1, &TileObject{TileID: 0, Activities: &resident}, time.Unix(0, 0))
	require.NoError(t, err)

	assert.False(t, CanRevoke(tc))
	resident = 0
	assert.True(t, CanRevoke(tc))
	require.NoError(t, Revoke(tc, true, &recordingHooks{}))
}
