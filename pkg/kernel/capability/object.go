// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package capability implements the kernel's object model: typed kernel
// objects, per-activity capability tables, and insert/derive/obtain/
// revoke.
package capability

import (
	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/tcu"
)

// Kind tags the variant of a KObject, used for the "get as K" dynamic
// dispatch helpers instead of virtual inheritance.
type Kind uint8

const (
	KindRGate Kind = iota
	KindSGate
	KindMGate
	KindMap
	KindActivity
	KindTile
	KindKMem
	KindEP
	KindServ
	KindSess
	KindSem
)

func (k Kind) String() string {
	switch k {
	case KindRGate:
		return "RGate"
	case KindSGate:
		return "SGate"
	case KindMGate:
		return "MGate"
	case KindMap:
		return "Map"
	case KindActivity:
		return "Activity"
	case KindTile:
		return "Tile"
	case KindKMem:
		return "KMem"
	case KindEP:
		return "EP"
	case KindServ:
		return "Serv"
	case KindSess:
		return "Sess"
	case KindSem:
		return "Sem"
	default:
		return "Unknown"
	}
}

// HeaderSize is the fixed per-capability kernel-memory charge (selector
// range, tree links, flags) independent of the kernel object it points
// at.
const HeaderSize = 128

// KObject is the common interface implemented by every kernel-object
// variant.
type KObject interface {
	Kind() Kind
	// Size is the in-memory footprint of the object itself, charged to
	// KMem alongside HeaderSize when a fresh (non-derived) capability is
	// inserted.
	Size() uint64
}

// ActivityRef is the minimal view of an Activity that the capability
// package needs; it avoids an import cycle with pkg/kernel/activity, which
// itself depends on this package.
type ActivityRef interface {
	ID() uint64
}

// AsKind fetches obj as T, failing InvArgs if the dynamic kind does not
// match, matching the "get as K" helpers.
func AsKind[T KObject](obj KObject) (T, error) {
	if t, ok := obj.(T); ok {
		return t, nil
	}
	var zero T
	return zero, errors.WithCode(errors.InvArgs, "capability holds a %s, not the expected kind", obj.Kind())
}

// EPObject is a TCU endpoint capability.
type EPObject struct {
	Tile        uint16
	EP          tcu.EpId
	ReplySlots  int
	Gate        KObject // RGateObject, SGateObject, or MGateObject once attached
}

func (*EPObject) Kind() Kind    { return KindEP }
func (*EPObject) Size() uint64 { return 32 }

// RGateObject is a receive gate.
type RGateObject struct {
	Order, MsgOrder uint8
	Tile            uint16
	EP              tcu.EpId
	BufAddr         uint64
	Activated       bool
	Attached        *EPObject
	WaitEvent       uint64
}

func (*RGateObject) Kind() Kind    { return KindRGate }
func (*RGateObject) Size() uint64 { return 64 }

// SlotCount is 2^(Order-MsgOrder), the number of receive-buffer slots this
// gate will have once activated.
func (r *RGateObject) SlotCount() int { return 1 << (r.Order - r.MsgOrder) }

// MaxCredits is the credit ceiling any SGate bound to this RGate may
// carry: one credit per receive-buffer slot.
func (r *RGateObject) MaxCredits() uint32 { return uint32(r.SlotCount()) }

// SGateObject is a send gate.
type SGateObject struct {
	RGate      *RGateObject
	Label      tcu.Label
	Credits    uint32
	MaxCredits uint32
	Attached   *EPObject
}

func (*SGateObject) Kind() Kind    { return KindSGate }
func (*SGateObject) Size() uint64 { return 48 }

// MGateObject is a memory gate.
type MGateObject struct {
	Tile     uint16
	Offset   uint64
	Length   uint64
	Perms    tcu.Perm
	Derived  bool
	Attached *EPObject
}

func (*MGateObject) Kind() Kind    { return KindMGate }
func (*MGateObject) Size() uint64 { return 40 }

// MapObject is a virtual-memory mapping. The owning
// capability's selector doubles as the virtual page number.
type MapObject struct {
	Global uint64
	Flags  uint8
}

func (*MapObject) Kind() Kind    { return KindMap }
func (*MapObject) Size() uint64 { return 16 }

// KMemObject wraps a quota.KMem budget. Parent is nil for root KMem
// capabilities and non-nil for derived children, so that revoking a child
// can credit the amount transferred at DeriveKMem time back to the parent.
type KMemObject struct {
	Budget *quota.KMem
	Parent *quota.KMem
}

func (*KMemObject) Kind() Kind    { return KindKMem }
func (*KMemObject) Size() uint64 { return 24 }

// TileObject wraps a tile's endpoint quota. Parent mirrors KMemObject.Parent.
type TileObject struct {
	TileID     uint16
	EPs        *quota.TileEPQuota
	Parent     *quota.TileEPQuota
	Activities *int // shared counter of activities resident on TileID
}

func (*TileObject) Kind() Kind    { return KindTile }
func (*TileObject) Size() uint64 { return 24 }

// ActivityObject wraps a reference to an Activity living in
// pkg/kernel/activity.
type ActivityObject struct {
	Ref ActivityRef
}

func (*ActivityObject) Kind() Kind    { return KindActivity }
func (*ActivityObject) Size() uint64 { return 16 }

// ServObject is a registered service.
type ServObject struct {
	Owner     ActivityRef
	Name      string
	RGate     *RGateObject
	CreatorID uint64
	IsRoot    bool
}

func (*ServObject) Kind() Kind    { return KindServ }
func (s *ServObject) Size() uint64 { return uint64(48 + len(s.Name)) }

// SessObject is a session bound to a service.
type SessObject struct {
	Service   *ServObject
	CreatorID uint64
	Ident     uint64
}

func (*SessObject) Kind() Kind    { return KindSess }
func (*SessObject) Size() uint64 { return 24 }

// SemObject is a counting semaphore. Event is the scheduler
// event a blocked Down parks on; Up and revocation notify it.
type SemObject struct {
	Count   int
	Waiters int
	Revoked bool
	Event   uint64
}

func (*SemObject) Kind() Kind    { return KindSem }
func (*SemObject) Size() uint64 { return 16 }
