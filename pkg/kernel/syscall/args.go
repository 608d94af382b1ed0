// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import "github.com/m3os/tilekernel/pkg/tcu"

// CreateMGateArgs creates an MGate from a subrange of memory, bounded by a
// Map cap on VM tiles or raw physical elsewhere.
type CreateMGateArgs struct {
	Dst        uint64
	MemSel     uint64 // a Map capability selector, only consulted on VM tiles
	Tile       uint16
	Offset     uint64
	Length     uint64
	Perms      tcu.Perm
	RawPhysical bool // true on non-VM tiles, where Offset/Length are physical
}

// CreateRGateArgs creates an unactivated RGate.
type CreateRGateArgs struct {
	Dst      uint64
	Order    uint8
	MsgOrder uint8
}

// CreateSGateArgs creates an SGate bound to an RGate.
type CreateSGateArgs struct {
	Dst     uint64
	RGate   uint64
	Label   tcu.Label
	Credits uint32
}

// CreateSrvArgs registers a service at Name bound to an activated RGate.
type CreateSrvArgs struct {
	Dst   uint64
	RGate uint64
	Name  string
}

// CreateSessArgs creates a session under a service.
type CreateSessArgs struct {
	Dst uint64
	Srv uint64
}

// CreateActivityArgs allocates a contiguous endpoint range and creates the
// Activity.
type CreateActivityArgs struct {
	Dst     uint64
	Name    string
	Tile    uint16
	KMem    uint64 // a KMem capability selector to charge the activity against
	TileCap uint64 // a Tile capability selector providing the new activity's EP quota
}

// CreateActivityResult carries the allocated eps_start back to the caller.
type CreateActivityResult struct {
	EPsStart tcu.EpId
	ActID    uint64
}

// CreateSemArgs creates a counting semaphore with an initial value.
type CreateSemArgs struct {
	Dst   uint64
	Value int
}

// CreateMapArgs creates one Map capability at Dst covering Pages
// selectors (the virtual pages), backed by pages [First, First+Pages) of
// an MGate.
type CreateMapArgs struct {
	Dst    uint64
	MGate  uint64
	First  uint64
	Pages  uint64
	Perms  tcu.Perm
}

// AllocEPArgs reserves 1+Replies endpoints on the tile of the named Tile
// capability, charged against that capability's quota.
type AllocEPArgs struct {
	TileCap uint64
	Replies uint
}

// AllocEPResult carries back the first of the allocated endpoints.
type AllocEPResult struct {
	EPsStart tcu.EpId
	Count    uint
}

// DeriveMemArgs sub-allocates a memory region from an existing MGate.
type DeriveMemArgs struct {
	Dst    uint64
	Src    uint64
	Offset uint64
	Length uint64
	Perms  tcu.Perm
}

// DeriveKMemArgs creates a child KMem quota charged against the parent.
type DeriveKMemArgs struct {
	Dst    uint64
	Parent uint64
	Quota  uint64
}

// DeriveTileArgs creates a sub-quota of endpoints on a tile.
type DeriveTileArgs struct {
	Dst  uint64
	Src  uint64
	EPs  uint
}

// DeriveSrvArgs splits off a service capability with its own creator id,
// usable to answer upcall-driven session delegation.
type DeriveSrvArgs struct {
	Dst uint64
	Src uint64
}

// ActivateArgs binds a gate capability to an EP, and for an RGate also
// binds the physical receive buffer.
type ActivateArgs struct {
	Gate      uint64
	EP        tcu.EpId
	RecvMGate uint64 // only consulted when Gate names an RGate
	RecvOff   uint64
}

// ExchangeSessArgs invokes a service with a capability-range descriptor
// for obtain/delegate.
type ExchangeSessArgs struct {
	Sess     uint64
	Obtain   bool
	ArgWords [64]uint64
	NArgs    int
	CrdSel   uint64
	CrdLen   uint64
}

// ExchangeSessResult is the service's reply: an updated argument area and,
// for obtain, the range of caps the service is willing to yield.
type ExchangeSessResult struct {
	ArgWords [64]uint64
	NArgs    int
	CrdSel   uint64
	CrdLen   uint64
}

// ExchangeArgs moves capabilities between the sender's own table and
// another activity's table.
type ExchangeArgs struct {
	OwnSel   uint64
	OtherAct uint64
	OtherSel uint64
	Len      uint64
	ToOther  bool // direction: sender -> other, vs other -> sender
}

// RevokeArgs revokes a selector range. Maps selects the
// activity's map-capability table instead of the object table; the two
// selector spaces are disjoint since a Map capability's selector is its
// virtual page number.
type RevokeArgs struct {
	Sel      uint64
	Len      uint64
	Own      bool
	KeepSelf bool // "optionally leaving the sender's own cap alone"
	Maps     bool
}

// ActivityCtrlCmd is one of {Init, Start, Stop}.
type ActivityCtrlCmd uint8

const (
	ActivityCtrlInit ActivityCtrlCmd = iota
	ActivityCtrlStart
	ActivityCtrlStop
)

// ActivityCtrlArgs targets an Activity capability with one of the three
// control verbs.
type ActivityCtrlArgs struct {
	Activity uint64
	Cmd      ActivityCtrlCmd
	ExitCode int32 // only meaningful for Stop
}

// ActivityWaitArgs blocks or upcalls on the exit of any listed activity.
type ActivityWaitArgs struct {
	Activities []uint64
	Event      uint64 // 0 means block; non-zero registers a deferred upcall
}

// ActivityWaitResult is delivered once any watched activity exits.
type ActivityWaitResult struct {
	Activity uint64
	ExitCode int32
}

// SemCtrlCmd is Up or Down.
type SemCtrlCmd uint8

const (
	SemUp SemCtrlCmd = iota
	SemDown
)

// SemCtrlArgs operates a semaphore capability.
type SemCtrlArgs struct {
	Sem uint64
	Cmd SemCtrlCmd
}

// KMemQuotaArgs queries a KMem capability's quota/left.
type KMemQuotaArgs struct {
	KMem uint64
}

// KMemQuotaResult is the reply to KMemQuotaArgs.
type KMemQuotaResult struct {
	Quota uint64
	Left  uint64
}

// TileQuotaArgs queries a Tile capability's endpoint quota.
type TileQuotaArgs struct {
	Tile uint64
}

// TileQuotaResult is the reply to TileQuotaArgs.
type TileQuotaResult struct {
	Total     uint
	Remaining uint
}

// GetSessionArgs resolves a service-internal session id to a capability in
// a target activity.
type GetSessionArgs struct {
	Dst    uint64 // selector in the target activity's table
	Target uint64 // target activity id
	Srv    uint64
	Ident  uint64
}

// NoopArgs is the benchmark syscall: no fields, pure round trip.
type NoopArgs struct{}
