// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tilemuxd

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/kernel/tilemux"
	"github.com/m3os/tilekernel/pkg/tcu"
)

type recordedExit struct {
	act    uint64
	status int32
}

type fakeExit struct{ exits []recordedExit }

func (f *fakeExit) NotifyExit(_ context.Context, act uint64, status int32) error {
	f.exits = append(f.exits, recordedExit{act, status})
	return nil
}

func newTestMux(t *testing.T) (*Mux, *fakeExit) {
	t.Helper()
	exit := &fakeExit{}
	return New(3, tcu.NewFabric(), exit, logr.Discard()), exit
}

func sidecall(t *testing.T, m *Mux, op tilemux.SidecallOp, act uint64, args any) any {
	t.Helper()
	res, err := m.HandleSidecall(context.Background(), tilemux.Sidecall{Op: op, ActID: act, Args: args})
	require.NoError(t, err)
	return res
}

func TestActInitAndCtrl(t *testing.T) {
	m, _ := newTestMux(t)
	sidecall(t, m, tilemux.OpActInit, 1, nil)
	assert.Contains(t, m.Residents(), uint64(1))

	_, err := m.HandleSidecall(context.Background(), tilemux.Sidecall{Op: tilemux.OpActInit, ActID: 1})
	assert.True(t, kerrors.HasCode(err, kerrors.Exists))

	sidecall(t, m, tilemux.OpActCtrl, 1, tilemux.ActCtrlStart)
	id, ok := m.NextActivity()
	require.True(t, ok)
	assert.EqualValues(t, 1, id)

	sidecall(t, m, tilemux.OpActCtrl, 1, tilemux.ActCtrlStop)
	_, ok = m.NextActivity()
	assert.False(t, ok, "stopped activity leaves the run queue")
}

func TestRoundRobinSchedulingConsumesQuota(t *testing.T) {
	m, _ := newTestMux(t)
	for _, id := range []uint64{1, 2} {
		sidecall(t, m, tilemux.OpActInit, id, nil)
		sidecall(t, m, tilemux.OpActCtrl, id, tilemux.ActCtrlStart)
	}

	var order []uint64
	for i := 0; i < 4; i++ {
		id, ok := m.NextActivity()
		require.True(t, ok)
		order = append(order, id)
	}
	assert.Equal(t, []uint64{1, 2, 1, 2}, order, "round-robin alternates")

	// Exhaust both quotas; the rotation then yields nothing once, refills,
	// and resumes.
	for i := 0; i < 2*defaultSlices-4; i++ {
		_, ok := m.NextActivity()
		require.True(t, ok)
	}
	_, ok := m.NextActivity()
	assert.False(t, ok, "all quotas exhausted")
	_, ok = m.NextActivity()
	assert.True(t, ok, "quotas refilled for the next rotation")
}

func TestMapUnmapTranslate(t *testing.T) {
	m, _ := newTestMux(t)
	sidecall(t, m, tilemux.OpActInit, 1, nil)

	sidecall(t, m, tilemux.OpMap, 1, tilemux.MapArgs{
		Act: 1, VirtPage: 0x100, Pages: 2, PhysTile: 7, PhysOffset: 0x40000, Perms: tcu.PermR | tcu.PermW,
	})

	res := sidecall(t, m, tilemux.OpTranslate, 1, tilemux.TranslateArgs{Act: 1, VirtPage: 0x101})
	tr := res.(tilemux.TranslateResult)
	assert.EqualValues(t, 7, tr.PhysTile)
	assert.EqualValues(t, 0x40000+tcu.PageSize, tr.PhysOffset)

	sidecall(t, m, tilemux.OpUnmap, 1, tilemux.UnmapArgs{Act: 1, VirtPage: 0x100, Pages: 2})
	_, err := m.HandleSidecall(context.Background(), tilemux.Sidecall{
		Op: tilemux.OpTranslate, ActID: 1, Args: tilemux.TranslateArgs{Act: 1, VirtPage: 0x100},
	})
	assert.True(t, kerrors.HasCode(err, kerrors.NotFound))
}

func TestPageFaultMissReportsExit(t *testing.T) {
	m, exit := newTestMux(t)
	sidecall(t, m, tilemux.OpActInit, 1, nil)
	sidecall(t, m, tilemux.OpMap, 1, tilemux.MapArgs{Act: 1, VirtPage: 0x10, Pages: 1, PhysTile: 2, PhysOffset: 0x1000, Perms: tcu.PermR})

	mp, err := m.HandlePageFault(context.Background(), 1, 0x10<<tcu.PageBits+4)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, mp.PhysOffset)

	_, err = m.HandlePageFault(context.Background(), 1, 0x9999<<tcu.PageBits)
	assert.Error(t, err)
	require.Len(t, exit.exits, 1)
	assert.EqualValues(t, 1, exit.exits[0].act)
	assert.NotZero(t, exit.exits[0].status)

	_, faults, ok := m.Stats(1)
	require.True(t, ok)
	assert.EqualValues(t, 2, faults)
}

func TestQuotaDeriveGetSetRemove(t *testing.T) {
	m, _ := newTestMux(t)
	sidecall(t, m, tilemux.OpActInit, 1, nil)

	// ActInit minted quota ids 1 (time) and 2 (pt).
	res := sidecall(t, m, tilemux.OpDeriveQuota, 1, tilemux.QuotaArgs{Act: 1, Time: 1, PT: 2})
	ids := res.([2]quota.QuotaId)
	assert.NotZero(t, ids[0])
	assert.NotZero(t, ids[1])

	res = sidecall(t, m, tilemux.OpGetQuota, 1, tilemux.QuotaArgs{Act: 1, Time: ids[0], PT: ids[1]})
	state := res.(QuotaState)
	assert.EqualValues(t, defaultSlices/2, state.TimeSlices)

	sidecall(t, m, tilemux.OpSetQuota, 1, tilemux.SetQuotaArgs{QuotaArgs: tilemux.QuotaArgs{Act: 1, Time: ids[0], PT: ids[1]}, Val: uint64(3)})
	res = sidecall(t, m, tilemux.OpGetQuota, 1, tilemux.QuotaArgs{Act: 1, Time: ids[0], PT: ids[1]})
	assert.EqualValues(t, 3, res.(QuotaState).TimeSlices)

	sidecall(t, m, tilemux.OpRemoveQuotas, 1, tilemux.QuotaArgs{Act: 1, Time: ids[0], PT: ids[1]})
	_, err := m.HandleSidecall(context.Background(), tilemux.Sidecall{
		Op: tilemux.OpGetQuota, ActID: 1, Args: tilemux.QuotaArgs{Act: 1, Time: ids[0], PT: ids[1]},
	})
	assert.Error(t, err)
}

func TestShutdownRefusesFurtherSidecalls(t *testing.T) {
	m, _ := newTestMux(t)
	sidecall(t, m, tilemux.OpShutdown, 0, nil)
	_, err := m.HandleSidecall(context.Background(), tilemux.Sidecall{Op: tilemux.OpActInit, ActID: 1})
	assert.True(t, kerrors.HasCode(err, kerrors.NotSup))
}

func TestLocalTransportRouting(t *testing.T) {
	tr := NewLocalTransport()
	m, _ := newTestMux(t)
	tr.Register(m)

	_, err := tr.Deliver(context.Background(), 3, tilemux.Sidecall{Op: tilemux.OpActInit, ActID: 1})
	require.NoError(t, err)
	assert.Contains(t, m.Residents(), uint64(1))

	_, err = tr.Deliver(context.Background(), 9, tilemux.Sidecall{Op: tilemux.OpActInit, ActID: 1})
	assert.True(t, kerrors.HasCode(err, kerrors.NotSup))
}
