// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifyWakesWaiter(t *testing.T) {
	s := New()
	done := make(chan struct{})
	woke := make(chan bool, 1)

	go func() { woke <- s.Wait(1, done) }()

	// Give the waiter a chance to register before notifying.
	for s.Pending(1) == 0 {
		time.Sleep(time.Millisecond)
	}
	s.Notify(1)

	select {
	case ok := <-woke:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitReturnsFalseOnDone(t *testing.T) {
	s := New()
	done := make(chan struct{})
	close(done)
	assert.False(t, s.Wait(1, done))
}

func TestNotifyWakesAllWaitersOnSameEvent(t *testing.T) {
	s := New()
	done := make(chan struct{})
	const n = 5
	woke := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() { woke <- s.Wait(42, done) }()
	}
	for s.Pending(42) < n {
		time.Sleep(time.Millisecond)
	}
	s.Notify(42)
	for i := 0; i < n; i++ {
		select {
		case ok := <-woke:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("not all waiters woke")
		}
	}
}
