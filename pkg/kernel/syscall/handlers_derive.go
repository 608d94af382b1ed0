// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/activity"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
)

// deriveMem sub-allocates a narrower MGate from an existing one, within
// the same activity's table. The permission subset must not be exceeded,
// exactly as with CreateMap.
func (d *Dispatcher) deriveMem(act *activity.Activity, a DeriveMemArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	src, srcCap, err := lookupAs[*capability.MGateObject](act.Objs, a.Src)
	if err != nil {
		return nil, err
	}
	if !a.Perms.Subset(src.Perms) {
		return nil, errors.WithCode(errors.NoPerm, "requested permissions exceed source memory gate's")
	}
	if a.Offset+a.Length > src.Length {
		return nil, errors.WithCode(errors.InvArgs, "derived range [%d,%d) exceeds source length %d", a.Offset, a.Offset+a.Length, src.Length)
	}
	obj := &capability.MGateObject{Tile: src.Tile, Offset: src.Offset + a.Offset, Length: a.Length, Perms: a.Perms, Derived: true}
	return act.Objs.InsertChild(a.Dst, 1, obj, srcCap, d.now())
}

// deriveKMem creates a child KMem quota charged against the parent's
// remaining budget.
func (d *Dispatcher) deriveKMem(act *activity.Activity, a DeriveKMemArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	parentObj, parentCap, err := lookupAs[*capability.KMemObject](act.Objs, a.Parent)
	if err != nil {
		return nil, err
	}
	child, err := parentObj.Budget.DeriveChild(a.Quota)
	if err != nil {
		return nil, err
	}
	obj := &capability.KMemObject{Budget: child, Parent: parentObj.Budget}
	return act.Objs.InsertChild(a.Dst, 1, obj, parentCap, d.now())
}

// deriveTile creates a sub-quota of endpoints on an existing Tile
// capability.
func (d *Dispatcher) deriveTile(act *activity.Activity, a DeriveTileArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	srcObj, srcCap, err := lookupAs[*capability.TileObject](act.Objs, a.Src)
	if err != nil {
		return nil, err
	}
	child, err := srcObj.EPs.DeriveTile(a.EPs)
	if err != nil {
		return nil, err
	}
	obj := &capability.TileObject{TileID: srcObj.TileID, EPs: child, Parent: srcObj.EPs, Activities: srcObj.Activities}
	return act.Objs.InsertChild(a.Dst, 1, obj, srcCap, d.now())
}

// deriveSrv splits off a service capability with its own creator id, so
// session ownership derived through it can be traced independently of the
// root.
func (d *Dispatcher) deriveSrv(act *activity.Activity, a DeriveSrvArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	srcObj, srcCap, err := lookupAs[*capability.ServObject](act.Objs, a.Src)
	if err != nil {
		return nil, err
	}
	derived := &capability.ServObject{Owner: srcObj.Owner, Name: srcObj.Name, RGate: srcObj.RGate, CreatorID: d.Services.NextCreatorID()}
	return act.Objs.InsertChild(a.Dst, 1, derived, srcCap, d.now())
}
