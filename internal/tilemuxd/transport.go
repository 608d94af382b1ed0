// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tilemuxd

import (
	"context"
	"sync"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/tilemux"
)

// LocalTransport routes kernel sidecalls to in-process Mux instances. On
// real hardware this path is the TMSIDE receive endpoint of each tile; the
// in-process form keeps the same request/reply contract.
type LocalTransport struct {
	mu    sync.RWMutex
	muxes map[uint16]*Mux
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{muxes: make(map[uint16]*Mux)}
}

// Register adds m as the TileMux Core for its tile.
func (t *LocalTransport) Register(m *Mux) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muxes[m.Tile()] = m
}

// Deliver implements tilemux.Transport.
func (t *LocalTransport) Deliver(ctx context.Context, tile uint16, call tilemux.Sidecall) (any, error) {
	t.mu.RLock()
	m, ok := t.muxes[tile]
	t.mu.RUnlock()
	if !ok {
		return nil, errors.WithCode(errors.NotSup, "no TileMux Core registered for tile %d", tile)
	}
	return m.HandleSidecall(ctx, call)
}
