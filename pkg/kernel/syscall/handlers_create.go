// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"context"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/activity"
	"github.com/m3os/tilekernel/pkg/kernel/capability"
	"github.com/m3os/tilekernel/pkg/kernel/paging"
	"github.com/m3os/tilekernel/pkg/platform"
	"github.com/m3os/tilekernel/pkg/tcu"
)

func (d *Dispatcher) createMGate(act *activity.Activity, a CreateMGateArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	desc, ok := d.Platform.TileDesc(platform.NewTileId(0, a.Tile))
	if !ok {
		return nil, errors.WithCode(errors.InvArgs, "unknown tile %d", a.Tile)
	}

	tile, offset, length := a.Tile, a.Offset, a.Length
	if desc.HasVirtMem && !a.RawPhysical {
		mapObj, mapCap, err := lookupAs[*capability.MapObject](act.Maps, a.MemSel)
		if err != nil {
			return nil, err
		}
		pageStart := mapCap.Sel << tcu.PageBits
		pageEnd := (mapCap.Sel + mapCap.Len) << tcu.PageBits
		if a.Offset < pageStart || a.Offset+a.Length > pageEnd {
			return nil, errors.WithCode(errors.InvArgs, "requested range is outside the bounding Map capability")
		}
		physTile, phys := paging.UnpackGlobal(mapObj.Global)
		offset = phys + (a.Offset - pageStart)
		tile = physTile
	}

	obj := &capability.MGateObject{Tile: tile, Offset: offset, Length: length, Perms: a.Perms}
	return act.Objs.InsertRoot(a.Dst, 1, obj, d.now())
}

func (d *Dispatcher) createRGate(act *activity.Activity, a CreateRGateArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	if a.MsgOrder > a.Order {
		return nil, errors.WithCode(errors.InvArgs, "msg_order %d exceeds order %d", a.MsgOrder, a.Order)
	}
	if slots := uint64(1) << (a.Order - a.MsgOrder); slots > tcu.MaxSlots {
		return nil, errors.WithCode(errors.InvArgs, "slot count %d exceeds MAX-SLOTS", slots)
	}
	obj := &capability.RGateObject{Order: a.Order, MsgOrder: a.MsgOrder}
	return act.Objs.InsertRoot(a.Dst, 1, obj, d.now())
}

func (d *Dispatcher) createSGate(act *activity.Activity, a CreateSGateArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	rg, _, err := lookupAs[*capability.RGateObject](act.Objs, a.RGate)
	if err != nil {
		return nil, err
	}
	if a.Credits > rg.MaxCredits() {
		return nil, errors.WithCode(errors.InvArgs, "credits %d exceed rgate max %d", a.Credits, rg.MaxCredits())
	}
	obj := &capability.SGateObject{RGate: rg, Label: a.Label, Credits: a.Credits, MaxCredits: a.Credits}
	return act.Objs.InsertRoot(a.Dst, 1, obj, d.now())
}

func (d *Dispatcher) createSrv(act *activity.Activity, a CreateSrvArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	rg, _, err := lookupAs[*capability.RGateObject](act.Objs, a.RGate)
	if err != nil {
		return nil, err
	}
	if !rg.Activated {
		return nil, errors.WithCode(errors.InvArgs, "service RGate must be activated")
	}
	return d.Services.CreateSrv(a.Name, act.Ref(), rg, act.Objs, a.Dst)
}

func (d *Dispatcher) createSess(act *activity.Activity, a CreateSessArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	_, srvCap, err := lookupAs[*capability.ServObject](act.Objs, a.Srv)
	if err != nil {
		return nil, err
	}
	so := srvCap.Obj.(*capability.ServObject)
	c, _, err := d.Services.CreateSess(srvCap, so.CreatorID, act.Objs, a.Dst)
	return c, err
}

func (d *Dispatcher) createActivity(ctx context.Context, act *activity.Activity, a CreateActivityArgs) (CreateActivityResult, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return CreateActivityResult{}, err
	}
	kmemObj, _, err := lookupAs[*capability.KMemObject](act.Objs, a.KMem)
	if err != nil {
		return CreateActivityResult{}, err
	}
	tileObj, _, err := lookupAs[*capability.TileObject](act.Objs, a.TileCap)
	if err != nil {
		return CreateActivityResult{}, err
	}

	before := tileObj.EPs.Remaining()
	if err := tileObj.EPs.Alloc(uint(activity.StdEPsCount)); err != nil {
		return CreateActivityResult{}, err
	}
	epsStart := tcu.EpId(tileObj.EPs.Total() - before)

	ch, ok := d.Channels.Channel(a.Tile)
	if !ok {
		tileObj.EPs.Free(uint(activity.StdEPsCount))
		return CreateActivityResult{}, errors.WithCode(errors.NotSup, "no TileMux channel for tile %d", a.Tile)
	}

	var created *activity.Activity
	d.Activities.Create(func(id uint64) *activity.Activity {
		created = activity.New(id, a.Name, a.Tile, kmemObj.Budget, epsStart, 0, d.log)
		return created
	})

	if err := ch.ActInit(ctx, created.ID); err != nil {
		d.Activities.Remove(created.ID)
		tileObj.EPs.Free(uint(activity.StdEPsCount))
		return CreateActivityResult{}, err
	}
	ch.AddResident(created.ID)
	if tileObj.Activities != nil {
		*tileObj.Activities++
		created.TileActs = tileObj.Activities
	}

	obj := &capability.ActivityObject{Ref: created.Ref()}
	if _, err := act.Objs.InsertRoot(a.Dst, 1, obj, d.now()); err != nil {
		return CreateActivityResult{}, err
	}

	return CreateActivityResult{EPsStart: epsStart, ActID: created.ID}, nil
}

func (d *Dispatcher) createSem(act *activity.Activity, a CreateSemArgs) (*capability.Capability, error) {
	if err := expectUnused(act.Objs, a.Dst, 1); err != nil {
		return nil, err
	}
	obj := &capability.SemObject{Count: a.Value}
	return act.Objs.InsertRoot(a.Dst, 1, obj, d.now())
}

// createMap implements the CreateMap syscall. Page alignment of the
// backing MGate region's base and size is enforced by
// paging.Glue.CreateMap; First/Pages are already expressed in page units
// here rather than bytes.
func (d *Dispatcher) createMap(ctx context.Context, act *activity.Activity, a CreateMapArgs) (*capability.Capability, error) {
	mgate, _, err := lookupAs[*capability.MGateObject](act.Objs, a.MGate)
	if err != nil {
		return nil, err
	}
	return d.Paging.CreateMap(ctx, act.ID, act.Tile, act.Maps, a.Dst, mgate, a.First, a.Pages, a.Perms)
}

// allocEP reserves 1+replies endpoints on the tile named by a.TileCap.
func (d *Dispatcher) allocEP(act *activity.Activity, a AllocEPArgs) (AllocEPResult, error) {
	tileObj, _, err := lookupAs[*capability.TileObject](act.Objs, a.TileCap)
	if err != nil {
		return AllocEPResult{}, err
	}
	need := 1 + a.Replies
	before := tileObj.EPs.Remaining()
	if err := tileObj.EPs.Alloc(need); err != nil {
		return AllocEPResult{}, err
	}
	return AllocEPResult{EPsStart: tcu.EpId(tileObj.EPs.Total() - before), Count: need}, nil
}
