// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package quota

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/m3os/tilekernel/pkg/errors"
)

// TestKMemDeriveRevokeRestoresParent: returning a derived budget credits
// the parent back exactly.
func TestKMemDeriveRevokeRestoresParent(t *testing.T) {
	const mib = 1 << 20
	k0 := NewKMem(mib, logr.Discard())

	k1, err := k0.DeriveChild(512 << 10)
	require.NoError(t, err)
	assert.Equal(t, mib-512<<10, int(k0.Left()))

	// k1 charges 4KiB for an RGate capability.
	require.NoError(t, k1.Alloc(4<<10))
	assert.False(t, k1.CanRevoke())

	k1.Free(4 << 10)
	assert.True(t, k1.CanRevoke())

	// Revoking k1 credits its whole derived quota back to k0.
	k0.Free(k1.Quota())
	assert.Equal(t, mib, int(k0.Left()))
}

func TestKMemAllocExhausted(t *testing.T) {
	k := NewKMem(10, logr.Discard())
	require.NoError(t, k.Alloc(10))
	err := k.Alloc(1)
	assert.True(t, kerrors.HasCode(err, kerrors.NoSpace))
}

func TestTileEPQuotaDerive(t *testing.T) {
	q := NewTileEPQuota(16)
	sub, err := q.DeriveTile(4)
	require.NoError(t, err)
	assert.EqualValues(t, 12, q.Remaining())
	assert.EqualValues(t, 4, sub.Remaining())

	_, err = q.DeriveTile(100)
	assert.True(t, kerrors.HasCode(err, kerrors.NoSpace))

	q.Free(4)
	assert.EqualValues(t, 16, q.Remaining())
}
