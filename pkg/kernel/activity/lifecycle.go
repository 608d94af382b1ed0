// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package activity

import (
	"time"

	"github.com/m3os/tilekernel/pkg/kernel/capability"
)

// SyscallDrainer removes pending syscall-receive-endpoint messages
// labeled with a given activity id. Implemented by the syscall
// dispatcher's receive endpoint owner; kept as an interface here to avoid
// an import cycle.
type SyscallDrainer interface {
	DropMsgsWithLabel(label uint64)
}

// StopApp tears an activity down. It is idempotent against
// an activity already DEAD. When isSelf is false, every standard and
// attached EP is force-invalidated before the activity is marked DEAD; a
// self-exit (the common case: the activity's own code called Exit) skips
// that since the activity's own EPs are already quiescent.
func (a *Activity) StopApp(code int32, isSelf bool, cfg EPConfigurator, drainer SyscallDrainer, hooks capability.Hooks, at time.Time) error {
	if a.State() == StateDead {
		return nil
	}

	if !isSelf {
		for _, ep := range a.AttachedEPs() {
			_, _ = cfg.Invalidate(a.Tile, ep)
		}
	}

	if drainer != nil {
		drainer.DropMsgsWithLabel(a.ID)
	}

	if !a.markDead(code, at) {
		return nil // a racing StopApp already won
	}

	// Revoke every capability the activity still owns; side effects
	// (EP invalidation, service teardown) run through hooks.
	for _, root := range a.Objs.Range(0, ^uint64(0)) {
		if root.Parent != nil {
			continue // only roots; descendants are torn down recursively
		}
		_ = capability.Revoke(root, true, hooks)
	}
	for _, root := range a.Maps.Range(0, ^uint64(0)) {
		if root.Parent != nil {
			continue
		}
		_ = capability.Revoke(root, true, hooks)
	}

	return nil
}
