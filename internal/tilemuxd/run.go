// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tilemuxd

import (
	"context"
	"time"
)

// Run drives the round-robin scheduling loop until ctx is done or a
// Shutdown sidecall arrives. Each tick grants one timeslice to the next
// runnable activity; an empty run queue just idles the tile.
func (m *Mux) Run(ctx context.Context, slice time.Duration) error {
	ticker := time.NewTicker(slice)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.Lock()
			done := m.shutdown
			m.mu.Unlock()
			if done {
				return nil
			}
			if id, ok := m.NextActivity(); ok {
				m.log.V(2).Info("scheduling", "activity", id)
			}
		}
	}
}
