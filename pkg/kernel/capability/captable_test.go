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

func TestInsertRootChargesKMem(t *testing.T) {
	k := quota.NewKMem(1<<20, logr.Discard())
	tbl := NewCapTable(1, k)

	c, err := tbl.InsertRoot(1, 1, &SemObject{Count: 1}, time.Unix(0, 0))
	require.NoError(t, err)
	assert.EqualValues(t, HeaderSize+16, (1<<20)-k.Left())
	assert.Same(t, c, tbl.Get(1))
}

func TestInsertOverlapFails(t *testing.T) {
	k := quota.NewKMem(1<<20, logr.Discard())
	tbl := NewCapTable(1, k)
	_, err := tbl.InsertRoot(4, 4, &SemObject{}, time.Unix(0, 0))
	require.NoError(t, err)

	_, err = tbl.InsertRoot(6, 2, &SemObject{}, time.Unix(0, 0))
	assert.True(t, kerrors.HasCode(err, kerrors.Exists))

	assert.True(t, tbl.IsUnused(8, 2))
	assert.False(t, tbl.IsUnused(4, 1))
}

func TestInsertChildLinksSiblings(t *testing.T) {
	k := quota.NewKMem(1<<20, logr.Discard())
	parentTbl := NewCapTable(1, k)
	childTbl := NewCapTable(2, k)

	parent, err := parentTbl.InsertRoot(1, 1, &SemObject{}, time.Unix(0, 0))
	require.NoError(t, err)

	c1, err := childTbl.InsertChild(1, 1, &SemObject{}, parent, time.Unix(0, 0))
	require.NoError(t, err)
	c2, err := childTbl.InsertChild(2, 1, &SemObject{}, parent, time.Unix(0, 0))
	require.NoError(t, err)

	// Most recently inserted child is head of the sibling list.
	assert.Same(t, c2, parent.Child)
	assert.Same(t, c1, c2.Next)
	assert.Same(t, c2, c1.Prev)
	assert.True(t, c1.Derived)
}
