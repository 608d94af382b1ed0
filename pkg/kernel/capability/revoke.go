// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package capability

import "github.com/m3os/tilekernel/pkg/errors"

// Hooks lets the dispatch layer (pkg/kernel/syscall, which has visibility
// into tilemux, activity, and service) run the per-kind side effect a
// capability's release demands: EP invalidation for gates, a service
// shutdown for Serv, a semaphore wakeup for Sem, and so on. Keeping this as
// an interface here, rather than importing those packages directly, avoids
// the import cycle they'd otherwise create with capability. The hook
// receives the full capability rather than just the object: a Map
// capability's selector range is its virtual page range, which the unmap
// side effect needs. foreign is true for every capability below the one
// the revoke was issued against; a foreign gate release additionally
// notifies the owning tile's TileMux of the EP invalidation.
type Hooks interface {
	OnRelease(c *Capability, foreign bool) error
}

// CanRevoke reports whether cap's capability may currently be revoked,
// following the per-kind rules: a KMem
// capability is only revocable once every byte charged against it has been
// freed, and a Tile capability only once no activity is running on it.
func CanRevoke(c *Capability) bool {
	switch o := c.Obj.(type) {
	case *KMemObject:
		return o.Budget.CanRevoke()
	case *TileObject:
		return o.Activities == nil || *o.Activities == 0
	default:
		return true
	}
}

// Revoke removes c from the capability tree. When own is true the whole
// subtree rooted at c (c itself plus every descendant) is revoked,
// matching a REVOKE syscall issued against c's own selector. When own is
// false only c's children are revoked and c itself survives, matching a
// REVOKE syscall with own=false.
//
// The walk is post-order: each capability is unlinked from the tree and
// removed from its table before its release side effect runs, so a
// capability is never observably reachable while being torn down. The
// side effects may block and yield.
func Revoke(c *Capability, own bool, hooks Hooks) error {
	if own {
		if !CanRevoke(c) {
			return errors.WithCode(errors.NotRevocable, "capability %d is not currently revocable", c.Sel)
		}
		return revokeOne(c, false, false, hooks)
	}

	child := c.Child
	c.Child = nil
	for child != nil {
		next := child.Next
		if !CanRevoke(child) {
			return errors.WithCode(errors.NotRevocable, "capability %d is not currently revocable", child.Sel)
		}
		child.Table.Remove(child)
		if err := revokeRec(child, false, true, hooks); err != nil {
			return err
		}
		child = next
	}
	return nil
}

// revokeOne unlinks c from its parent/sibling list and its table, then
// tears down its subtree.
func revokeOne(c *Capability, revNext, foreign bool, hooks Hooks) error {
	unlink(c)
	c.Table.Remove(c)
	return revokeRec(c, revNext, foreign, hooks)
}

// unlink removes c from its parent's child pointer or its previous
// sibling's next pointer, and from its next sibling's prev pointer. It
// does not touch c.Child: the caller still needs it to walk the subtree.
func unlink(c *Capability) {
	if c.Prev != nil {
		c.Prev.Next = c.Next
	} else if c.Parent != nil {
		c.Parent.Child = c.Next
	}
	if c.Next != nil {
		c.Next.Prev = c.Prev
	}
	c.Prev = nil
	c.Next = nil
}

// revokeRec tears down c's single child subtree, then (if revNext) every
// later sibling's subtree, then releases c itself. c must already be
// unlinked from the tree and removed from its table.
func revokeRec(c *Capability, revNext, foreign bool, hooks Hooks) error {
	if child := c.Child; child != nil {
		c.Child = nil
		child.Table.Remove(child)
		if err := revokeRec(child, true, true, hooks); err != nil {
			return err
		}
	}

	if revNext {
		sib := c.Next
		c.Next = nil
		for sib != nil {
			next := sib.Next
			sib.Table.Remove(sib)
			if err := revokeRec(sib, false, true, hooks); err != nil {
				return err
			}
			sib = next
		}
	}

	return release(c, foreign, hooks)
}

// release credits c's charge back to its table's KMem quota and runs the
// per-kind side effect. A derived capability only ever charged
// HeaderSize, so only that much is returned; an original capability also
// returns its object's own footprint.
func release(c *Capability, foreign bool, hooks Hooks) error {
	if c.Table != nil && c.Table.KMem != nil {
		c.Table.KMem.Free(c.ChargedBytes())
	}
	if hooks == nil {
		return nil
	}
	return hooks.OnRelease(c, foreign)
}
