// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tcu

import (
	"sync"

	"github.com/m3os/tilekernel/pkg/errors"
)

// TCU is the per-tile set of endpoint registers plus message-buffer
// metadata. Access is serialized by mu; the kernel itself is
// single-threaded cooperative but the Fabric may be driven from multiple
// tiles' goroutines concurrently.
type TCU struct {
	tile uint16

	mu    sync.Mutex
	send  map[EpId]*SendEP
	recv  map[EpId]*RecvEP
	mem   map[EpId]*MemEP
	inbox map[EpId][]*Message
}

func newTCU(tile uint16) *TCU {
	return &TCU{
		tile:  tile,
		send:  make(map[EpId]*SendEP),
		recv:  make(map[EpId]*RecvEP),
		mem:   make(map[EpId]*MemEP),
		inbox: make(map[EpId][]*Message),
	}
}

// ConfigSendEP programs ep as a send endpoint, requiring config_snd_ep's
// precondition (the referenced RGate is activated) to have already been
// checked by the caller.
func (t *TCU) ConfigSendEP(ep EpId, cfg SendEP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := cfg
	t.send[ep] = &c
	delete(t.recv, ep)
	delete(t.mem, ep)
}

// ConfigRecvEP programs ep as a receive endpoint and allocates its slot
// bookkeeping.
func (t *TCU) ConfigRecvEP(ep EpId, cfg RecvEP) error {
	slots, err := NewSlotState(1 << (cfg.Order - cfg.MsgOrder))
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c := cfg
	c.slots = slots
	t.recv[ep] = &c
	t.inbox[ep] = make([]*Message, slots.Len())
	delete(t.send, ep)
	delete(t.mem, ep)
	return nil
}

// ConfigMemEP programs ep as a memory endpoint.
func (t *TCU) ConfigMemEP(ep EpId, cfg MemEP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := cfg
	t.mem[ep] = &c
	delete(t.send, ep)
	delete(t.recv, ep)
}

// Invalidate force-invalidates ep, returning the bitmask of slots that were
// still Unread (for a receive EP) so the caller can emit a RemMsgs
// notification.
func (t *TCU) Invalidate(ep EpId) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var mask uint64
	if rep, ok := t.recv[ep]; ok {
		for i := 0; i < rep.slots.Len(); i++ {
			if rep.slots.Status(i) == SlotUnread {
				mask |= 1 << uint(i)
			}
		}
	}
	delete(t.send, ep)
	delete(t.recv, ep)
	delete(t.mem, ep)
	delete(t.inbox, ep)
	return mask
}

// EPs returns the ids of every currently programmed endpoint on this tile.
func (t *TCU) EPs() []EpId {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]EpId, 0, len(t.send)+len(t.recv)+len(t.mem))
	for ep := range t.send {
		out = append(out, ep)
	}
	for ep := range t.recv {
		out = append(out, ep)
	}
	for ep := range t.mem {
		out = append(out, ep)
	}
	return out
}

// OwnerAt returns the activity id programmed into ep's register triple,
// or false if ep is not programmed.
func (t *TCU) OwnerAt(ep EpId) (ActId, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.send[ep]; ok {
		return s.Act, true
	}
	if r, ok := t.recv[ep]; ok {
		return r.Act, true
	}
	if m, ok := t.mem[ep]; ok {
		return m.Act, true
	}
	return InvalidAct, false
}

func (t *TCU) SendEPAt(ep EpId) (SendEP, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.send[ep]
	if !ok {
		return SendEP{}, false
	}
	return *s, true
}

func (t *TCU) RecvEPAt(ep EpId) (RecvEP, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.recv[ep]
	if !ok {
		return RecvEP{}, false
	}
	return *r, true
}

func (t *TCU) MemEPAt(ep EpId) (MemEP, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mem[ep]
	if !ok {
		return MemEP{}, false
	}
	return *m, true
}

// Fetch transitions the oldest unread message on ep to Occupied and
// returns it along with its slot index.
func (t *TCU) Fetch(ep EpId) (*Message, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep, ok := t.recv[ep]
	if !ok {
		return nil, 0, errors.WithCode(errors.InvArgs, "ep %d is not a receive EP", ep)
	}
	slot, err := rep.slots.Fetch()
	if err != nil {
		return nil, 0, err
	}
	return t.inbox[ep][slot], slot, nil
}

// Ack explicitly frees slot on ep without sending a reply.
func (t *TCU) Ack(ep EpId, slot int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep, ok := t.recv[ep]
	if !ok {
		return errors.WithCode(errors.InvArgs, "ep %d is not a receive EP", ep)
	}
	if err := rep.slots.Ack(slot); err != nil {
		return err
	}
	t.inbox[ep][slot] = nil
	return nil
}

// DropMsgsWithLabel acks every currently Unread message on ep whose header
// label equals label, leaving other slots untouched. It implements
// drop_msgs_with(label): draining an activity's pending syscall messages
// on exit and aborting a service's stuck messages for a
// revoked session.
func (t *TCU) DropMsgsWithLabel(ep EpId, label Label) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep, ok := t.recv[ep]
	if !ok {
		return 0
	}
	n := 0
	for i := 0; i < rep.slots.Len(); i++ {
		if rep.slots.Status(i) != SlotUnread {
			continue
		}
		msg := t.inbox[ep][i]
		if msg == nil || msg.Header.Label != label {
			continue
		}
		if err := rep.slots.Drop(i); err != nil {
			continue
		}
		t.inbox[ep][i] = nil
		n++
	}
	return n
}

// CheckPageBoundary implements the page-boundary rule:
// a send/reply payload may not straddle a page.
func CheckPageBoundary(pageOffset uint64, length int) error {
	if length == 0 {
		return nil
	}
	end := pageOffset + uint64(length) - 1
	if pageOffset/PageSize != end/PageSize {
		return errors.WithCode(errors.PageBoundary, "payload of %d bytes at offset %#x crosses a page boundary", length, pageOffset)
	}
	return nil
}

// Fabric wires together every tile's TCU and is the only path by which a
// message crosses from one tile to another, modeling the physical TCU
// interconnect: "user bulk data never transits the kernel".
type Fabric struct {
	mu   sync.RWMutex
	tcus map[uint16]*TCU
}

func NewFabric() *Fabric {
	return &Fabric{tcus: make(map[uint16]*TCU)}
}

// Tile returns the TCU for tile, creating it on first use.
func (f *Fabric) Tile(tile uint16) *TCU {
	f.mu.RLock()
	t, ok := f.tcus[tile]
	f.mu.RUnlock()
	if ok {
		return t
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tcus[tile]; ok {
		return t
	}
	t = newTCU(tile)
	f.tcus[tile] = t
	return t
}

// DropMsgsWithLabel is the Fabric-level wrapper around TCU.DropMsgsWithLabel
// for the receive EP identified by (tile, ep).
func (f *Fabric) DropMsgsWithLabel(tile uint16, ep EpId, label Label) int {
	return f.Tile(tile).DropMsgsWithLabel(ep, label)
}

// DeliverKernel places a kernel-originated message (an upcall or a syscall
// reply) directly into a receive EP's next free slot. The kernel's own send
// path is not credit controlled; its EPs are programmed by the kernel
// itself at boot.
func (f *Fabric) DeliverKernel(srcTile uint16, dstTile uint16, ep EpId, label Label, payload []byte) error {
	dst := f.Tile(dstTile)
	dst.mu.Lock()
	defer dst.mu.Unlock()
	rep, ok := dst.recv[ep]
	if !ok {
		return errors.WithCode(errors.NoSEP, "no receive EP %d on tile %d", ep, dstTile)
	}
	slot, err := rep.slots.Write()
	if err != nil {
		return err
	}
	dst.inbox[ep][slot] = &Message{
		Header:  Header{SenderTile: srcTile, Length: uint32(len(payload)), Label: label},
		Payload: payload,
	}
	return nil
}

// Send implements the TCU send primitive: credit check, page-boundary
// check, slot allocation on the target receive EP.
func (f *Fabric) Send(srcTile uint16, srcEP EpId, payload []byte, pageOffset uint64) (Header, error) {
	src := f.Tile(srcTile)

	src.mu.Lock()
	sep, ok := src.send[srcEP]
	if !ok {
		src.mu.Unlock()
		return Header{}, errors.WithCode(errors.InvArgs, "ep %d is not a send EP", srcEP)
	}
	if !sep.ReplyEP && sep.Credits == 0 {
		src.mu.Unlock()
		return Header{}, errors.WithCode(errors.MissCredits, "send EP %d has no credits", srcEP)
	}
	if err := CheckPageBoundary(pageOffset, len(payload)); err != nil {
		src.mu.Unlock()
		return Header{}, err
	}
	if !sep.ReplyEP {
		sep.Credits--
	}
	header := Header{
		SenderTile: srcTile,
		SenderEP:   srcEP,
		Length:     uint32(len(payload)),
		Label:      sep.Label,
	}
	targetTile, targetEP := sep.TargetTile, sep.TargetEP
	src.mu.Unlock()

	dst := f.Tile(targetTile)
	dst.mu.Lock()
	defer dst.mu.Unlock()
	rep, ok := dst.recv[targetEP]
	if !ok {
		return Header{}, errors.WithCode(errors.NoSEP, "no receive EP %d on tile %d", targetEP, targetTile)
	}
	slot, err := rep.slots.Write()
	if err != nil {
		return Header{}, err
	}
	dst.inbox[targetEP][slot] = &Message{Header: header, Payload: payload}
	return header, nil
}

// Reply implements the TCU reply primitive: it acks the fetched slot and
// replenishes exactly one credit on the originating send EP.
func (f *Fabric) Reply(tile uint16, ep EpId, slot int, payload []byte, pageOffset uint64) (Header, error) {
	if err := CheckPageBoundary(pageOffset, len(payload)); err != nil {
		return Header{}, err
	}

	t := f.Tile(tile)
	t.mu.Lock()
	rep, ok := t.recv[ep]
	if !ok {
		t.mu.Unlock()
		return Header{}, errors.WithCode(errors.InvArgs, "ep %d is not a receive EP", ep)
	}
	msg := t.inbox[ep][slot]
	if msg == nil {
		t.mu.Unlock()
		return Header{}, errors.WithCode(errors.InvArgs, "slot %d on ep %d holds no message", slot, ep)
	}
	if err := rep.slots.Ack(slot); err != nil {
		t.mu.Unlock()
		return Header{}, err
	}
	t.inbox[ep][slot] = nil
	senderTile, senderEP := msg.Header.SenderTile, msg.Header.SenderEP
	t.mu.Unlock()

	src := f.Tile(senderTile)
	src.mu.Lock()
	if sep, ok := src.send[senderEP]; ok && !sep.ReplyEP && sep.Credits < sep.MaxCredits {
		sep.Credits++
	}
	src.mu.Unlock()

	return Header{
		SenderTile: tile,
		SenderEP:   ep,
		Length:     uint32(len(payload)),
		Flags:      FlagReply,
	}, nil
}
