// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package quota

import (
	"sync"

	"github.com/m3os/tilekernel/pkg/errors"
)

// TileEPQuota tracks the total and remaining user-visible endpoints on one
// tile.
type TileEPQuota struct {
	mu        sync.Mutex
	total     uint
	remaining uint
}

func NewTileEPQuota(total uint) *TileEPQuota {
	return &TileEPQuota{total: total, remaining: total}
}

func (t *TileEPQuota) Total() uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *TileEPQuota) Remaining() uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Alloc reserves n endpoints, failing NoSpace if fewer than n remain.
func (t *TileEPQuota) Alloc(n uint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.remaining {
		return errors.WithCode(errors.NoSpace, "tile endpoint quota exhausted: need %d, have %d", n, t.remaining)
	}
	t.remaining -= n
	return nil
}

// Free releases n endpoints back to the quota.
func (t *TileEPQuota) Free(n uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining += n
	if t.remaining > t.total {
		t.remaining = t.total
	}
}

// DeriveTile creates a sub-quota of eps endpoints, charged against this
// quota's remaining budget.
func (t *TileEPQuota) DeriveTile(eps uint) (*TileEPQuota, error) {
	if err := t.Alloc(eps); err != nil {
		return nil, err
	}
	return NewTileEPQuota(eps), nil
}

// QuotaId identifies an opaque CPU-time or page-table quota administered by
// TileMux; the kernel only forwards derive/get/set/remove requests as
// sidecalls and never interprets the ids itself.
type QuotaId uint64

// PTQuotaId and TimeQuotaId pair up into the (time_id, pt_id) identifying a
// TileMux-side scheduling quota.
type PTQuotaId = QuotaId
type TimeQuotaId = QuotaId

const InvalidQuotaId QuotaId = 0
