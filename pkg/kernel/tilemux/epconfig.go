// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tilemux

import (
	"github.com/m3os/tilekernel/pkg/tcu"
)

// ConfigSendEP writes a send-EP register triple. Like the other EP writes
// here it never requires a tile round-trip: the TCU registers are kernel-visible
// memory-mapped state, so it's a direct Fabric write. The caller (the syscall
// Activate handler) is responsible for checking the referenced RGate is
// activated before calling this.
func (c *Channel) ConfigSendEP(tile uint16, ep tcu.EpId, cfg tcu.SendEP) error {
	c.fabric.Tile(tile).ConfigSendEP(ep, cfg)
	return nil
}

// ConfigRecvEP writes a receive-EP register triple and then wakes any
// waiter on the owning RGate's activation event (the caller does the
// waking; this just performs the write).
func (c *Channel) ConfigRecvEP(tile uint16, ep tcu.EpId, cfg tcu.RecvEP) error {
	return c.fabric.Tile(tile).ConfigRecvEP(ep, cfg)
}

// ConfigMemEP writes a memory-EP register triple.
func (c *Channel) ConfigMemEP(tile uint16, ep tcu.EpId, cfg tcu.MemEP) error {
	c.fabric.Tile(tile).ConfigMemEP(ep, cfg)
	return nil
}

// Invalidate force-invalidates ep on tile and returns the bitmask of slots
// that held unread messages, so the caller can decide whether to emit a
// RemMsgs sidecall notification.
func (c *Channel) Invalidate(tile uint16, ep tcu.EpId) (uint64, error) {
	return c.fabric.Tile(tile).Invalidate(ep), nil
}

// SendEPAt and RecvEPAt let syscall preconditions (e.g. "RGate must be
// activated" for Activate) inspect current EP state without a sidecall.
func (c *Channel) SendEPAt(tile uint16, ep tcu.EpId) (tcu.SendEP, bool) {
	return c.fabric.Tile(tile).SendEPAt(ep)
}

func (c *Channel) RecvEPAt(tile uint16, ep tcu.EpId) (tcu.RecvEP, bool) {
	return c.fabric.Tile(tile).RecvEPAt(ep)
}
