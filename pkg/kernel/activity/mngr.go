// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package activity

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/m3os/tilekernel/pkg/errors"
)

// Mngr is the kernel-global table of live activities.
type Mngr struct {
	mu     sync.RWMutex
	nextID uint64
	byID   map[uint64]*Activity

	log logr.Logger
}

func NewMngr(log logr.Logger) *Mngr {
	return &Mngr{byID: make(map[uint64]*Activity), nextID: 1, log: log}
}

// Create allocates a fresh activity id and registers it.
func (m *Mngr) Create(new func(id uint64) *Activity) *Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	a := new(id)
	m.byID[id] = a
	return a
}

func (m *Mngr) Get(id uint64) (*Activity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	return a, ok
}

// Remove drops a DEAD activity from the table; root activities self-
// remove on exit.
func (m *Mngr) Remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

// IsDead reports whether id names an activity that is DEAD or no longer
// registered, the short-circuit tilemux sidecalls apply before going out.
func (m *Mngr) IsDead(id uint64) bool {
	a, ok := m.Get(id)
	return !ok || a.State() == StateDead
}

// ForEach calls f for every registered activity. f must not call back into
// the manager.
func (m *Mngr) ForEach(f func(*Activity)) {
	m.mu.RLock()
	acts := make([]*Activity, 0, len(m.byID))
	for _, a := range m.byID {
		acts = append(acts, a)
	}
	m.mu.RUnlock()
	for _, a := range acts {
		f(a)
	}
}

func (m *Mngr) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// WaitExit blocks until any of the listed activities reaches DEAD, then
// returns its id and latched exit code. An already-DEAD id returns
// immediately with its code; an unknown id fails ActivityGone.
func (m *Mngr) WaitExit(ctx context.Context, ids []uint64) (uint64, int32, error) {
	acts := make([]*Activity, 0, len(ids))
	for _, id := range ids {
		a, ok := m.Get(id)
		if !ok {
			return id, 0, errors.WithCode(errors.ActivityGone, "activity %d does not exist", id)
		}
		if code, done := a.ExitCode(); done {
			return id, code, nil
		}
		acts = append(acts, a)
	}

	cases := make([]<-chan struct{}, len(acts))
	for i, a := range acts {
		cases[i] = a.ExitChan()
	}

	for {
		for i, ch := range cases {
			select {
			case <-ch:
				code, _ := acts[i].ExitCode()
				return acts[i].ID, code, nil
			default:
			}
		}
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		default:
		}
		// Block on the first channel that fires; re-scan afterwards since
		// more than one may have become ready concurrently.
		selectAny(ctx, cases)
	}
}

// selectAny blocks until ctx is done or any channel in chans is closed. It
// exists because Go's select cannot range over a dynamic channel slice
// directly; with at most StdEPsCount-ish waited ids this linear fan-in is
// cheap enough to avoid pulling in a reflection-based select.
func selectAny(ctx context.Context, chans []<-chan struct{}) {
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }
	for _, ch := range chans {
		go func(c <-chan struct{}) {
			select {
			case <-c:
				closeDone()
			case <-done:
			}
		}(ch)
	}
	select {
	case <-done:
	case <-ctx.Done():
		closeDone()
	}
}

// RegisterUpcallWait records that waiter wants a deferred upcall (rather
// than blocking) when target exits, tagged with event.
func (m *Mngr) RegisterUpcallWait(waiter *Activity, target uint64, event uint64) {
	waiter.mu.Lock()
	waiter.waiting[target] = event
	waiter.mu.Unlock()
}
