// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tilemux

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/tcu"
)

type fakeTransport struct {
	calls []Sidecall
	fail  int // number of times Deliver should fail before succeeding
}

func (f *fakeTransport) Deliver(ctx context.Context, tile uint16, call Sidecall) (any, error) {
	f.calls = append(f.calls, call)
	if f.fail > 0 {
		f.fail--
		return nil, assertErr{}
	}
	return nil, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "transient transport failure" }

type fakeActChecker struct{ dead map[uint64]bool }

func (f fakeActChecker) IsDead(id uint64) bool { return f.dead[id] }

func newTestChannel(transport Transport, dead map[uint64]bool) *Channel {
	return NewChannel(0, tcu.NewFabric(), transport, fakeActChecker{dead: dead}, quota.NewTileEPQuota(16), logr.Discard())
}

func TestActInitDeliversSidecall(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestChannel(tr, nil)
	require.NoError(t, c.ActInit(context.Background(), 1))
	require.Len(t, tr.calls, 1)
	assert.Equal(t, OpActInit, tr.calls[0].Op)
	assert.EqualValues(t, 1, tr.calls[0].ActID)
}

func TestSidecallToDeadActivityFailsFast(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestChannel(tr, map[uint64]bool{5: true})
	err := c.ActCtrl(context.Background(), 5, ActCtrlStart)
	assert.True(t, kerrors.HasCode(err, kerrors.ActivityGone))
	assert.Empty(t, tr.calls) // never reached the transport
}

func TestResidentsTracking(t *testing.T) {
	c := newTestChannel(&fakeTransport{}, nil)
	c.AddResident(1)
	c.AddResident(2)
	assert.ElementsMatch(t, []uint64{1, 2}, c.Residents())
	c.RemoveResident(1)
	assert.ElementsMatch(t, []uint64{2}, c.Residents())
}

type fakeExitHandler struct {
	gotAct    uint64
	gotStatus int32
}

func (f *fakeExitHandler) OnExit(ctx context.Context, act uint64, status int32) error {
	f.gotAct, f.gotStatus = act, status
	return nil
}

func TestHandleExitRemovesResidentAndDispatches(t *testing.T) {
	c := newTestChannel(&fakeTransport{}, nil)
	c.AddResident(7)
	h := &fakeExitHandler{}
	require.NoError(t, c.HandleExit(context.Background(), h, 7, 42))
	assert.EqualValues(t, 7, h.gotAct)
	assert.EqualValues(t, 42, h.gotStatus)
	assert.NotContains(t, c.Residents(), uint64(7))
}

func TestConfigSendAndRecvEPViaFabric(t *testing.T) {
	c := newTestChannel(&fakeTransport{}, nil)
	require.NoError(t, c.ConfigRecvEP(0, 4, tcu.RecvEP{Order: 7, MsgOrder: 6}))
	require.NoError(t, c.ConfigSendEP(0, 5, tcu.SendEP{TargetTile: 0, TargetEP: 4, Credits: 1, MaxCredits: 1}))

	_, err := c.fabric.Send(0, 5, []byte("hi"), 0)
	require.NoError(t, err)

	mask, err := c.Invalidate(0, 4)
	require.NoError(t, err)
	assert.NotZero(t, mask)
}
