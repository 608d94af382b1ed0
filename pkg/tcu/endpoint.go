// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tcu

// ActId identifies the activity owning an endpoint. InvalidAct is used by
// EPs on non-shared tiles, which carry no activity-id field in hardware.
type ActId uint16

const InvalidAct ActId = 0xffff

// Perm is a subset of {R, W, X} permissions on a memory endpoint.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

func (p Perm) Subset(of Perm) bool {
	return p&^of == 0
}

// PageBits is the log2 of the page size used for the page-boundary rule
// on sends and replies.
const PageBits = 12

// PageSize is 2^PageBits bytes.
const PageSize = 1 << PageBits

// EPKind is the hardware-programmed type of an endpoint register triple.
type EPKind uint8

const (
	EPInvalid EPKind = iota
	EPSend
	EPReceive
	EPMemory
)

// SendEP is the register triple for a send endpoint.
type SendEP struct {
	Act ActId
	// TargetTile/TargetEP name the receive EP this send EP is bound to.
	TargetTile uint16
	TargetEP   EpId
	Label      Label
	MsgOrder   uint8
	Credits    uint32
	MaxCredits uint32
	// ReplyEP marks this send EP as a reply channel rather than a direct
	// channel; reply channels are not credit controlled by the sender.
	ReplyEP bool
}

// RecvEP is the register triple for a receive endpoint.
type RecvEP struct {
	Act ActId
	// BufAddr is the physical address of the receive buffer.
	BufAddr uint64
	// Order is log2 of the buffer size; MsgOrder is log2 of one slot's
	// size. Slot count is 2^(Order-MsgOrder).
	Order    uint8
	MsgOrder uint8
	// ReplyEPBase, when HasReplyEPs, is the first of a contiguous block of
	// per-slot reply EPs reserved for this receive EP.
	ReplyEPBase EpId
	HasReplyEPs bool

	slots *SlotState
}

// SlotCount returns 2^(Order-MsgOrder).
func (r *RecvEP) SlotCount() int {
	return 1 << (r.Order - r.MsgOrder)
}

// SlotSize returns 2^MsgOrder.
func (r *RecvEP) SlotSize() int {
	return 1 << r.MsgOrder
}

// MemEP is the register triple for a memory endpoint.
type MemEP struct {
	Act     ActId
	Tile    uint16
	Offset  uint64
	Length  uint64
	Perms   Perm
}
