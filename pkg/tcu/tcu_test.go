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

// TestPointToPointSend: one send delivers one labeled message, and the
// reply returns the spent credit.
func TestPointToPointSend(t *testing.T) {
	f := NewFabric()

	const tileA, tileB uint16 = 0, 1
	const rgateEP EpId = 6
	const sgateEP EpId = 7

	require.NoError(t, f.Tile(tileA).ConfigRecvEP(rgateEP, RecvEP{Order: 10, MsgOrder: 6}))
	f.Tile(tileB).ConfigSendEP(sgateEP, SendEP{
		TargetTile: tileA,
		TargetEP:   rgateEP,
		Label:      0xAB,
		Credits:    1,
		MaxCredits: 1,
	})

	hdr, err := f.Send(tileB, sgateEP, []byte("hi"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0xAB, hdr.Label)

	msg, slot, err := f.Tile(tileA).Fetch(rgateEP)
	require.NoError(t, err)
	assert.EqualValues(t, 0xAB, msg.Header.Label)
	assert.Equal(t, "hi", string(msg.Payload))

	_, err = f.Reply(tileA, rgateEP, slot, []byte("ok"), 0)
	require.NoError(t, err)

	_, err = f.Send(tileB, sgateEP, []byte("hi"), 0)
	require.NoError(t, err)
}

// TestCreditExhaustion: with two credits the third send fails until a
// reply frees one.
func TestCreditExhaustion(t *testing.T) {
	f := NewFabric()
	const tileA, tileB uint16 = 0, 1
	const rgateEP EpId = 1
	const sgateEP EpId = 2

	require.NoError(t, f.Tile(tileA).ConfigRecvEP(rgateEP, RecvEP{Order: 7, MsgOrder: 6})) // 2 slots
	f.Tile(tileB).ConfigSendEP(sgateEP, SendEP{TargetTile: tileA, TargetEP: rgateEP, Credits: 2, MaxCredits: 2})

	_, err := f.Send(tileB, sgateEP, []byte("a"), 0)
	require.NoError(t, err)
	_, err = f.Send(tileB, sgateEP, []byte("b"), 0)
	require.NoError(t, err)

	_, err = f.Send(tileB, sgateEP, []byte("c"), 0)
	assert.True(t, kerrors.HasCode(err, kerrors.MissCredits))

	_, slot, err := f.Tile(tileA).Fetch(rgateEP)
	require.NoError(t, err)
	_, err = f.Reply(tileA, rgateEP, slot, nil, 0)
	require.NoError(t, err)

	_, err = f.Send(tileB, sgateEP, []byte("c"), 0)
	assert.NoError(t, err)
}

// TestPageBoundaryRejection: a payload straddling a page fails; realigned
// it goes through.
func TestPageBoundaryRejection(t *testing.T) {
	f := NewFabric()
	const tileA, tileB uint16 = 0, 1
	const rgateEP EpId = 1
	const sgateEP EpId = 2

	require.NoError(t, f.Tile(tileA).ConfigRecvEP(rgateEP, RecvEP{Order: 12, MsgOrder: 6}))
	f.Tile(tileB).ConfigSendEP(sgateEP, SendEP{TargetTile: tileA, TargetEP: rgateEP, Credits: 2, MaxCredits: 2})

	_, err := f.Send(tileB, sgateEP, make([]byte, 32), 0xFF0)
	assert.True(t, kerrors.HasCode(err, kerrors.PageBoundary))

	_, err = f.Send(tileB, sgateEP, make([]byte, 32), 0xF00)
	assert.NoError(t, err)
}

func TestSendToMissingEPFails(t *testing.T) {
	f := NewFabric()
	_, err := f.Send(0, 5, nil, 0)
	assert.True(t, kerrors.HasCode(err, kerrors.InvArgs))
}

func TestSendToUnboundTargetFailsNoSEP(t *testing.T) {
	f := NewFabric()
	f.Tile(0).ConfigSendEP(1, SendEP{TargetTile: 9, TargetEP: 9, Credits: 1, MaxCredits: 1})
	_, err := f.Send(0, 1, nil, 0)
	assert.True(t, kerrors.HasCode(err, kerrors.NoSEP))
}

func TestInvalidateReturnsUnreadMask(t *testing.T) {
	f := NewFabric()
	require.NoError(t, f.Tile(0).ConfigRecvEP(1, RecvEP{Order: 7, MsgOrder: 6}))
	f.Tile(1).ConfigSendEP(2, SendEP{TargetTile: 0, TargetEP: 1, Credits: 2, MaxCredits: 2})
	_, err := f.Send(1, 2, []byte("x"), 0)
	require.NoError(t, err)

	mask := f.Tile(0).Invalidate(1)
	assert.NotZero(t, mask)

	_, _, err = f.Tile(0).Fetch(1)
	assert.True(t, kerrors.HasCode(err, kerrors.InvArgs))
}
