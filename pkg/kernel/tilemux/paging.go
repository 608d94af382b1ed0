// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tilemux

import (
	"context"

	"github.com/m3os/tilekernel/pkg/kernel/quota"
	"github.com/m3os/tilekernel/pkg/tcu"
)

// MapArgs/UnmapArgs/TranslateArgs are the sidecall payloads for the paging
// glue in pkg/kernel/paging.
type MapArgs struct {
	Act        uint64
	VirtPage   uint64
	Pages      uint64
	PhysTile   uint16
	PhysOffset uint64
	Perms      tcu.Perm
}

type UnmapArgs struct {
	Act      uint64
	VirtPage uint64
	Pages    uint64
}

type TranslateArgs struct {
	Act      uint64
	VirtPage uint64
}

// TranslateResult is what a Translate sidecall resolves a virtual page to.
type TranslateResult struct {
	PhysTile   uint16
	PhysOffset uint64
	Perms      tcu.Perm
}

func (c *Channel) Map(ctx context.Context, act uint64, virtPage, pages uint64, physTile uint16, physOffset uint64, perms tcu.Perm) error {
	_, err := c.call(ctx, act, OpMap, MapArgs{Act: act, VirtPage: virtPage, Pages: pages, PhysTile: physTile, PhysOffset: physOffset, Perms: perms})
	return err
}

func (c *Channel) Unmap(ctx context.Context, act uint64, virtPage, pages uint64) error {
	_, err := c.call(ctx, act, OpUnmap, UnmapArgs{Act: act, VirtPage: virtPage, Pages: pages})
	return err
}

func (c *Channel) Translate(ctx context.Context, act uint64, virtPage uint64) (TranslateResult, error) {
	res, err := c.call(ctx, act, OpTranslate, TranslateArgs{Act: act, VirtPage: virtPage})
	if err != nil {
		return TranslateResult{}, err
	}
	tr, _ := res.(TranslateResult)
	return tr, nil
}

// QuotaArgs carries the (time_id, pt_id) pair administered by TileMux.
type QuotaArgs struct {
	Act  uint64
	Time quota.TimeQuotaId
	PT   quota.PTQuotaId
}

func (c *Channel) DeriveQuota(ctx context.Context, act uint64, t quota.TimeQuotaId, pt quota.PTQuotaId) (quota.TimeQuotaId, quota.PTQuotaId, error) {
	res, err := c.call(ctx, act, OpDeriveQuota, QuotaArgs{Act: act, Time: t, PT: pt})
	if err != nil {
		return quota.InvalidQuotaId, quota.InvalidQuotaId, err
	}
	ids, _ := res.([2]quota.QuotaId)
	return ids[0], ids[1], nil
}

func (c *Channel) GetQuota(ctx context.Context, act uint64, t quota.TimeQuotaId, pt quota.PTQuotaId) (any, error) {
	return c.call(ctx, act, OpGetQuota, QuotaArgs{Act: act, Time: t, PT: pt})
}

// SetQuotaArgs pairs the quota ids with the value to install.
type SetQuotaArgs struct {
	QuotaArgs
	Val any
}

func (c *Channel) SetQuota(ctx context.Context, act uint64, t quota.TimeQuotaId, pt quota.PTQuotaId, val any) error {
	_, err := c.call(ctx, act, OpSetQuota, SetQuotaArgs{QuotaArgs{Act: act, Time: t, PT: pt}, val})
	return err
}

func (c *Channel) RemoveQuotas(ctx context.Context, act uint64, t quota.TimeQuotaId, pt quota.PTQuotaId) error {
	_, err := c.call(ctx, act, OpRemoveQuotas, QuotaArgs{Act: act, Time: t, PT: pt})
	return err
}
