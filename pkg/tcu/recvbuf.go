// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tcu

import "github.com/m3os/tilekernel/pkg/errors"

// MaxSlots bounds 2^(order-msg_order) for any single receive buffer;
// CreateRGate fails InvArgs past it. 64 slots keeps the unread bitmap a
// single machine word.
const MaxSlots = 64

// SlotStatus is one of the three states a receive-buffer slot cycles
// through.
type SlotStatus uint8

const (
	SlotFree SlotStatus = iota
	SlotUnread
	SlotOccupied
)

// SlotState is the receive-buffer slot state machine for one RecvEP. It is
// not safe for concurrent use; callers serialize access the same way the
// rest of the TCU model does.
type SlotState struct {
	status      []SlotStatus
	lastWritten int
}

// NewSlotState allocates slot bookkeeping for a receive buffer with n
// slots. n must be a power of two no greater than MaxSlots.
func NewSlotState(n int) (*SlotState, error) {
	if n <= 0 || n > MaxSlots || n&(n-1) != 0 {
		return nil, errors.WithCode(errors.InvArgs, "invalid receive buffer slot count %d", n)
	}
	return &SlotState{status: make([]SlotStatus, n), lastWritten: n - 1}, nil
}

func (s *SlotState) Len() int { return len(s.status) }

func (s *SlotState) Status(i int) SlotStatus { return s.status[i] }

// Write advances the first free slot found scanning round-robin from
// lastWritten+1 to Unread, and returns its index. It fails RecvNoSpace if
// no slot is free.
func (s *SlotState) Write() (int, error) {
	n := len(s.status)
	for i := 1; i <= n; i++ {
		idx := (s.lastWritten + i) % n
		if s.status[idx] == SlotFree {
			s.status[idx] = SlotUnread
			s.lastWritten = idx
			return idx, nil
		}
	}
	return -1, errors.WithCode(errors.RecvNoSpace, "no free receive-buffer slot")
}

// Fetch transitions the oldest Unread slot to Occupied and returns its
// index. It fails NotFound if no slot is Unread.
func (s *SlotState) Fetch() (int, error) {
	n := len(s.status)
	for i := 1; i <= n; i++ {
		idx := (s.lastWritten + i) % n
		if s.status[idx] == SlotUnread {
			s.status[idx] = SlotOccupied
			return idx, nil
		}
	}
	return -1, errors.WithCode(errors.NotFound, "no unread message")
}

// Ack transitions slot i from Occupied back to Free, via an explicit ack
// or a reply.
func (s *SlotState) Ack(i int) error {
	if i < 0 || i >= len(s.status) {
		return errors.WithCode(errors.InvArgs, "slot index %d out of range", i)
	}
	if s.status[i] != SlotOccupied {
		return errors.WithCode(errors.InvArgs, "slot %d is not occupied", i)
	}
	s.status[i] = SlotFree
	return nil
}

// Drop transitions slot i directly from Unread to Free, bypassing the
// Fetch/Ack cycle, used when a message is discarded without ever being
// fetched: the label-based drain on activity exit and
// service abort.
func (s *SlotState) Drop(i int) error {
	if i < 0 || i >= len(s.status) {
		return errors.WithCode(errors.InvArgs, "slot index %d out of range", i)
	}
	if s.status[i] != SlotUnread {
		return errors.WithCode(errors.InvArgs, "slot %d is not unread", i)
	}
	s.status[i] = SlotFree
	return nil
}

// Counts returns the number of slots in each of the three states, useful
// for asserting that the free/unread/occupied partition stays intact.
func (s *SlotState) Counts() (free, unread, occupied int) {
	for _, st := range s.status {
		switch st {
		case SlotFree:
			free++
		case SlotUnread:
			unread++
		case SlotOccupied:
			occupied++
		}
	}
	return
}
