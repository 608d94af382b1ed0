// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package capability

import (
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/m3os/tilekernel/pkg/errors"
	"github.com/m3os/tilekernel/pkg/kernel/quota"
)

// Capability is one node in a capability tree: a selector range pointing at
// a kernel object, linked to its parent, its first child, and its sibling
// list. Plain pointers suffice for the links: the garbage collector
// reclaims cycles without any weak-reference bookkeeping.
type Capability struct {
	Sel uint64 // first selector of the range
	Len uint64 // number of consecutive selectors this capability covers
	Obj KObject

	Table *CapTable

	Parent *Capability
	Child  *Capability // first child; siblings reachable via Next
	Prev   *Capability
	Next   *Capability

	// Derived is true for every capability obtained via Obtain/Exchange
	// rather than freshly created; it governs how much KMem a revoke
	// credits back.
	Derived bool

	CreatedAt *timestamppb.Timestamp
}

// ChargedBytes is what revoking this single capability (ignoring children)
// returns to its KMem quota: the full header+object size for an original
// capability, header only for a derived one.
func (c *Capability) ChargedBytes() uint64 {
	if c.Derived {
		return HeaderSize
	}
	return HeaderSize + c.Obj.Size()
}

// End is the selector just past this capability's range.
func (c *Capability) End() uint64 { return c.Sel + c.Len }

// CapTable is the per-activity store of capability selectors, kept sorted
// by starting selector to support range lookups and gap detection.
type CapTable struct {
	mu    sync.Mutex
	caps  []*Capability // sorted by Sel, non-overlapping
	owner uint64

	// KMem is the quota every capability inserted into this table is
	// charged against and credited back to on revoke.
	KMem *quota.KMem
}

// NewCapTable creates an empty table for the activity identified by owner,
// charging its capabilities against kmem.
func NewCapTable(owner uint64, kmem *quota.KMem) *CapTable {
	return &CapTable{owner: owner, KMem: kmem}
}

func (t *CapTable) Owner() uint64 { return t.owner }

// indexOf returns the slice position of the capability range covering sel, or
// -1 if none does. Caller must hold t.mu.
func (t *CapTable) indexOf(sel uint64) int {
	i := sort.Search(len(t.caps), func(i int) bool { return t.caps[i].End() > sel })
	if i < len(t.caps) && t.caps[i].Sel <= sel {
		return i
	}
	return -1
}

// Get returns the capability covering selector sel, or nil if unoccupied.
func (t *CapTable) Get(sel uint64) *Capability {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexOf(sel); i >= 0 {
		return t.caps[i]
	}
	return nil
}

// IsUnused reports whether every selector in [sel, sel+n) is free.
func (t *CapTable) IsUnused(sel, n uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	end := sel + n
	i := sort.Search(len(t.caps), func(i int) bool { return t.caps[i].End() > sel })
	return i >= len(t.caps) || t.caps[i].Sel >= end
}

func (t *CapTable) insertLocked(c *Capability) error {
	end := c.Sel + c.Len
	i := sort.Search(len(t.caps), func(i int) bool { return t.caps[i].End() > c.Sel })
	if i < len(t.caps) && t.caps[i].Sel < end {
		return errors.WithCode(errors.Exists, "selector range [%d,%d) overlaps an existing capability", c.Sel, end)
	}
	t.caps = append(t.caps, nil)
	copy(t.caps[i+1:], t.caps[i:])
	t.caps[i] = c
	c.Table = t
	return nil
}

// InsertRoot inserts a freshly created (non-derived) capability with no
// parent, used for the initial capabilities an activity is born with. It
// charges HeaderSize+obj.Size() against the table's KMem quota.
func (t *CapTable) InsertRoot(sel, n uint64, obj KObject, now time.Time) (*Capability, error) {
	c := &Capability{Sel: sel, Len: n, Obj: obj, CreatedAt: timestamppb.New(now)}
	if t.KMem != nil {
		if err := t.KMem.Alloc(c.ChargedBytes()); err != nil {
			return nil, err
		}
	}
	t.mu.Lock()
	err := t.insertLocked(c)
	t.mu.Unlock()
	if err != nil {
		if t.KMem != nil {
			t.KMem.Free(c.ChargedBytes())
		}
		return nil, err
	}
	return c, nil
}

// InsertChild inserts c into this table as a new child of parent, linking
// the sibling list, and marks it Derived so revocation charges it
// correctly. parent may live in a different table (cross-activity Obtain).
func (t *CapTable) InsertChild(sel, n uint64, obj KObject, parent *Capability, now time.Time) (*Capability, error) {
	c := &Capability{Sel: sel, Len: n, Obj: obj, Parent: parent, Derived: true, CreatedAt: timestamppb.New(now)}
	if t.KMem != nil {
		if err := t.KMem.Alloc(c.ChargedBytes()); err != nil {
			return nil, err
		}
	}
	t.mu.Lock()
	err := t.insertLocked(c)
	t.mu.Unlock()
	if err != nil {
		if t.KMem != nil {
			t.KMem.Free(c.ChargedBytes())
		}
		return nil, err
	}

	if parent != nil {
		parent.Table.mu.Lock()
		c.Next = parent.Child
		if parent.Child != nil {
			parent.Child.Prev = c
		}
		parent.Child = c
		parent.Table.mu.Unlock()
	}
	return c, nil
}

// Remove unlinks c from its table's selector index. It does not touch the
// parent/child/sibling links; callers revoking a subtree unlink those
// separately, in the order the teardown walk requires (see revoke.go).
func (t *CapTable) Remove(c *Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.caps), func(i int) bool { return t.caps[i].Sel >= c.Sel })
	if i < len(t.caps) && t.caps[i] == c {
		t.caps = append(t.caps[:i], t.caps[i+1:]...)
	}
}

// Range returns every capability whose range intersects [sel, sel+n).
func (t *CapTable) Range(sel, n uint64) []*Capability {
	t.mu.Lock()
	defer t.mu.Unlock()
	end := sel + n
	i := sort.Search(len(t.caps), func(i int) bool { return t.caps[i].End() > sel })
	var out []*Capability
	for ; i < len(t.caps) && t.caps[i].Sel < end; i++ {
		out = append(out, t.caps[i])
	}
	return out
}
