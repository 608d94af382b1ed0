// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tcu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/m3os/tilekernel/pkg/errors"
)

func TestSlotStatePartition(t *testing.T) {
	s, err := NewSlotState(4)
	require.NoError(t, err)

	free, unread, occupied := s.Counts()
	assert.Equal(t, 4, free)
	assert.Zero(t, unread)
	assert.Zero(t, occupied)

	idx, err := s.Write()
	require.NoError(t, err)
	free, unread, occupied = s.Counts()
	assert.Equal(t, 3, free)
	assert.Equal(t, 1, unread)
	assert.Zero(t, occupied)

	fetched, err := s.Fetch()
	require.NoError(t, err)
	assert.Equal(t, idx, fetched)
	_, _, occupied = s.Counts()
	assert.Equal(t, 1, occupied)

	require.NoError(t, s.Ack(fetched))
	free, _, _ = s.Counts()
	assert.Equal(t, 4, free)
}

func TestSlotStateNoStarve(t *testing.T) {
	s, err := NewSlotState(2)
	require.NoError(t, err)

	first, err := s.Write()
	require.NoError(t, err)
	second, err := s.Write()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// Buffer is full: third write fails.
	_, err = s.Write()
	assert.True(t, kerrors.HasCode(err, kerrors.RecvNoSpace))

	// Free the first slot and confirm the next write reuses it rather than
	// starving on the second.
	fetched, err := s.Fetch()
	require.NoError(t, err)
	assert.Equal(t, first, fetched)
	require.NoError(t, s.Ack(fetched))

	third, err := s.Write()
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestSlotStateInvalidSize(t *testing.T) {
	_, err := NewSlotState(0)
	assert.True(t, kerrors.HasCode(err, kerrors.InvArgs))
	_, err = NewSlotState(3)
	assert.True(t, kerrors.HasCode(err, kerrors.InvArgs))
	_, err = NewSlotState(MaxSlots * 2)
	assert.True(t, kerrors.HasCode(err, kerrors.InvArgs))
}

func TestFetchEmptyFailsNotFound(t *testing.T) {
	s, err := NewSlotState(2)
	require.NoError(t, err)
	_, err = s.Fetch()
	assert.True(t, kerrors.HasCode(err, kerrors.NotFound))
}

func TestAckNonOccupiedFails(t *testing.T) {
	s, err := NewSlotState(2)
	require.NoError(t, err)
	assert.True(t, kerrors.HasCode(s.Ack(0), kerrors.InvArgs))
}
