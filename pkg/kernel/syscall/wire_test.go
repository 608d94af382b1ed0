// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/tcu"
)

func TestRequestWireRoundTrip(t *testing.T) {
	in := CreateSGateArgs{Dst: 6, RGate: 5, Label: 0xAB, Credits: 2}
	msg, err := EncodeRequest(OpCreateSGate, in)
	require.NoError(t, err)

	req, err := DecodeRequest(7, msg)
	require.NoError(t, err)
	assert.Equal(t, OpCreateSGate, req.Op)
	assert.EqualValues(t, 7, req.Sender)
	assert.Equal(t, in, req.Body)
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	_, err := DecodeRequest(1, []byte{1, 2, 3})
	assert.True(t, kerrors.HasCode(err, kerrors.InvArgs), "short message")

	msg, err := EncodeRequest(Opcode(200), NoopArgs{})
	require.NoError(t, err)
	_, err = DecodeRequest(1, msg)
	assert.True(t, kerrors.HasCode(err, kerrors.InvArgs), "unknown opcode")

	msg, err = EncodeRequest(OpCreateRGate, CreateRGateArgs{Dst: 5})
	require.NoError(t, err)
	msg[9] ^= 0xff // corrupt the body
	_, err = DecodeRequest(1, msg)
	assert.True(t, kerrors.HasCode(err, kerrors.InvArgs), "malformed body")
}

func TestReplyWireRoundTrip(t *testing.T) {
	in := Reply{Payload: CreateActivityResult{EPsStart: tcu.EpId(4), ActID: 9}}
	msg, err := EncodeReply(in)
	require.NoError(t, err)

	out, err := DecodeReply(OpCreateActivity, msg)
	require.NoError(t, err)
	assert.Zero(t, out.Code)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestReplyWireDefaultAndHandlePayloads(t *testing.T) {
	// An error reply is just the code.
	msg, err := EncodeReply(Reply{Code: kerrors.MissCredits})
	require.NoError(t, err)
	out, err := DecodeReply(OpCreateSGate, msg)
	require.NoError(t, err)
	assert.Equal(t, kerrors.MissCredits, out.Code)
	assert.Nil(t, out.Payload)

	// In-kernel handles (capability pointers) never cross the wire; they
	// collapse to the default reply.
	msg, err = EncodeReply(Reply{Payload: &struct{ X int }{1}})
	require.NoError(t, err)
	assert.Len(t, msg, 4)
}
