// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/activity"
	"github.com/m3os/tilekernel/pkg/kernel/tilemux"
)

func createChild(t *testing.T, e *env, dst uint64, name string) uint64 {
	t.Helper()
	r := e.mustCall(t, e.root.ID, OpCreateActivity, CreateActivityArgs{
		Dst: dst, Name: name, Tile: 0, KMem: selKMem, TileCap: selTile,
	})
	return r.Payload.(CreateActivityResult).ActID
}

// TestActivityExitPropagation: a blocking wait delivers (selector, code)
// when the watched child stops; a second,
// event-tagged wait turns into a queued upcall when another child exits.
func TestActivityExitPropagation(t *testing.T) {
	e := newEnv(t)
	cID := createChild(t, e, 8, "c")
	dID := createChild(t, e, 9, "d")

	done := make(chan Reply, 1)
	go func() {
		done <- e.call(t, e.root.ID, OpActivityWait, ActivityWaitArgs{Activities: []uint64{8}})
	}()
	select {
	case r := <-done:
		t.Fatalf("wait returned %v before the child exited", r)
	case <-time.After(50 * time.Millisecond):
	}

	e.mustCall(t, e.root.ID, OpActivityCtrl, ActivityCtrlArgs{Activity: 8, Cmd: ActivityCtrlStop, ExitCode: 7})

	select {
	case r := <-done:
		require.Zero(t, r.Code)
		res := r.Payload.(ActivityWaitResult)
		assert.EqualValues(t, 8, res.Activity, "wait names the waiter's own selector")
		assert.EqualValues(t, 7, res.ExitCode)
	case <-time.After(time.Second):
		t.Fatal("wait never returned")
	}

	c, _ := e.d.Activities.Get(cID)
	assert.Equal(t, activity.StateDead, c.State())

	// Deferred wait: returns no-value now, upcall later.
	e.mustCall(t, e.root.ID, OpActivityWait, ActivityWaitArgs{Activities: []uint64{9}, Event: 42})
	assert.Empty(t, e.root.DrainUpcalls())

	e.mustCall(t, e.root.ID, OpActivityCtrl, ActivityCtrlArgs{Activity: 9, Cmd: ActivityCtrlStop, ExitCode: 0})

	msgs := e.root.DrainUpcalls()
	require.Len(t, msgs, 1)
	up, err := ParseUpcall(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, UpcallActivityWait, up.Op)
	assert.EqualValues(t, 42, up.Event)
	assert.EqualValues(t, 9, up.Activity)
	assert.EqualValues(t, 0, up.Code)

	d, _ := e.d.Activities.Get(dID)
	assert.Equal(t, activity.StateDead, d.State())
}

// TestDeadActivityStaysDead: DEAD is terminal, the exit code never
// changes, and a second Stop is a no-op.
func TestDeadActivityStaysDead(t *testing.T) {
	e := newEnv(t)
	cID := createChild(t, e, 8, "c")

	e.mustCall(t, e.root.ID, OpActivityCtrl, ActivityCtrlArgs{Activity: 8, Cmd: ActivityCtrlStop, ExitCode: 7})
	c, _ := e.d.Activities.Get(cID)
	code, ok := c.ExitCode()
	require.True(t, ok)
	assert.EqualValues(t, 7, code)

	e.mustCall(t, e.root.ID, OpActivityCtrl, ActivityCtrlArgs{Activity: 8, Cmd: ActivityCtrlStop, ExitCode: 99})
	code, _ = c.ExitCode()
	assert.EqualValues(t, 7, code, "exit code is latched")

	// A sidecall addressed to the dead activity short-circuits.
	ch, _ := e.d.Channels.Channel(0)
	err := ch.ActCtrl(t.Context(), cID, tilemux.ActCtrlStart)
	assert.True(t, kerrors.HasCode(err, kerrors.ActivityGone))
}

func TestActivityInitProgramsStandardEPs(t *testing.T) {
	e := newEnv(t)
	cID := createChild(t, e, 8, "c")
	e.mustCall(t, e.root.ID, OpActivityCtrl, ActivityCtrlArgs{Activity: 8, Cmd: ActivityCtrlInit})

	c, _ := e.d.Activities.Get(cID)
	assert.Len(t, c.AttachedEPs(), activity.StdEPsCount)

	// The syscall send EP targets the kernel's receive EP, labeled with the
	// activity id.
	sep, ok := e.fabric.Tile(0).SendEPAt(c.EPsStart + activity.StdEPSyscallSend)
	require.True(t, ok)
	assert.Equal(t, kernelTile, sep.TargetTile)
	assert.Equal(t, kernelSyscallEP, sep.TargetEP)
	assert.EqualValues(t, cID, sep.Label)

	e.mustCall(t, e.root.ID, OpActivityCtrl, ActivityCtrlArgs{Activity: 8, Cmd: ActivityCtrlStart})
	assert.Equal(t, activity.StateRunning, c.State())

	// Stop from outside force-invalidates the standard EPs.
	e.mustCall(t, e.root.ID, OpActivityCtrl, ActivityCtrlArgs{Activity: 8, Cmd: ActivityCtrlStop, ExitCode: 0})
	_, ok = e.fabric.Tile(0).SendEPAt(c.EPsStart + activity.StdEPSyscallSend)
	assert.False(t, ok, "standard EPs are invalidated on foreign stop")
}
