// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package activity

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3os/tilekernel/pkg/kernel/capability"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/tcu"
)

type fakeEPConfig struct {
	invalidated []tcu.EpId
	sendCfgs    []tcu.SendEP
	recvCfgs    []tcu.RecvEP
}

func (f *fakeEPConfig) ConfigSendEP(tile uint16, ep tcu.EpId, cfg tcu.SendEP) error {
	f.sendCfgs = append(f.sendCfgs, cfg)
	return nil
}

func (f *fakeEPConfig) ConfigRecvEP(tile uint16, ep tcu.EpId, cfg tcu.RecvEP) error {
	f.recvCfgs = append(f.recvCfgs, cfg)
	return nil
}

func (f *fakeEPConfig) Invalidate(tile uint16, ep tcu.EpId) (uint64, error) {
	f.invalidated = append(f.invalidated, ep)
	return 0, nil
}

type fakeDrainer struct{ labels []uint64 }

func (f *fakeDrainer) DropMsgsWithLabel(label uint64) { f.labels = append(f.labels, label) }

type noopHooks struct{}

func (noopHooks) OnRelease(*capability.Capability, bool) error { return nil }

func newTestActivity(t *testing.T, id uint64) *Activity {
	t.Helper()
	k := quota.NewKMem(1<<20, logr.Discard())
	return New(id, "test", 0, k, 16, 0, logr.Discard())
}

func TestInitStandardEPsProgramsInOrder(t *testing.T) {
	a := newTestActivity(t, 1)
	cfg := &fakeEPConfig{}
	require.NoError(t, a.InitStandardEPs(cfg, 0, 5))

	require.Len(t, cfg.sendCfgs, 1)
	assert.EqualValues(t, 1, cfg.sendCfgs[0].Label)
	require.Len(t, cfg.recvCfgs, 3)
	assert.Len(t, a.AttachedEPs(), 4)
}

func TestInitStandardEPsFailsOutsideInit(t *testing.T) {
	a := newTestActivity(t, 1)
	require.NoError(t, a.Start())
	err := a.InitStandardEPs(&fakeEPConfig{}, 0, 5)
	assert.Error(t, err)
}

// TestStopAppIdempotent: stopping twice has no second effect, and a
// non-self stop force-invalidates every attached EP.
func TestStopAppIdempotent(t *testing.T) {
	a := newTestActivity(t, 1)
	cfg := &fakeEPConfig{}
	require.NoError(t, a.InitStandardEPs(cfg, 0, 5))
	require.NoError(t, a.Start())

	drainer := &fakeDrainer{}
	require.NoError(t, a.StopApp(7, false, cfg, drainer, noopHooks{}, time.Unix(0, 0)))
	assert.Equal(t, StateDead, a.State())
	code, ok := a.ExitCode()
	require.True(t, ok)
	assert.EqualValues(t, 7, code)
	assert.Len(t, cfg.invalidated, 4)
	assert.Equal(t, []uint64{1}, drainer.labels)

	// Second call is a no-op: no further invalidation, no code change.
	require.NoError(t, a.StopApp(99, false, cfg, drainer, noopHooks{}, time.Unix(0, 0)))
	code, _ = a.ExitCode()
	assert.EqualValues(t, 7, code)
	assert.Len(t, cfg.invalidated, 4)
}

func TestWaitExitReturnsOnCompletion(t *testing.T) {
	m := NewMngr(logr.Discard())
	a := m.Create(func(id uint64) *Activity { return New(id, "w", 0, quota.NewKMem(1<<16, logr.Discard()), 16, 0, logr.Discard()) })

	done := make(chan struct{})
	var gotID uint64
	var gotCode int32
	go func() {
		id, code, err := m.WaitExit(context.Background(), []uint64{a.ID})
		require.NoError(t, err)
		gotID, gotCode = id, code
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.StopApp(3, true, &fakeEPConfig{}, nil, noopHooks{}, time.Unix(0, 0)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitExit did not return")
	}
	assert.Equal(t, a.ID, gotID)
	assert.EqualValues(t, 3, gotCode)
}

func TestWaitExitUnknownActivityFailsActivityGone(t *testing.T) {
	m := NewMngr(logr.Discard())
	_, _, err := m.WaitExit(context.Background(), []uint64{999})
	assert.Error(t, err)
}
