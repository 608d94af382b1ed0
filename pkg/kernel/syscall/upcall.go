// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"encoding/binary"

	"github.com/m3os/tilekernel/pkg/errors"
)

// UpcallOp tags an upcall delivered to an activity's upcall receive
// gate.
type UpcallOp uint32

const (
	UpcallActivityWait UpcallOp = iota
	UpcallDeriveSrv
)

// Upcall is the wire message { opcode: u32, event: u64, payload }; the
// payload for both opcodes is (activity selector, code).
type Upcall struct {
	Op       UpcallOp
	Event    uint64
	Activity uint64
	Code     int32
}

const upcallSize = 4 + 8 + 8 + 4

// Marshal packs the upcall little-endian, the TCU's native byte order.
func (u Upcall) Marshal() []byte {
	buf := make([]byte, upcallSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(u.Op))
	binary.LittleEndian.PutUint64(buf[4:], u.Event)
	binary.LittleEndian.PutUint64(buf[12:], u.Activity)
	binary.LittleEndian.PutUint32(buf[20:], uint32(u.Code))
	return buf
}

// ParseUpcall is the inverse of Marshal.
func ParseUpcall(b []byte) (Upcall, error) {
	if len(b) < upcallSize {
		return Upcall{}, errors.WithCode(errors.InvArgs, "upcall message of %d bytes is too short", len(b))
	}
	return Upcall{
		Op:       UpcallOp(binary.LittleEndian.Uint32(b[0:])),
		Event:    binary.LittleEndian.Uint64(b[4:]),
		Activity: binary.LittleEndian.Uint64(b[12:]),
		Code:     int32(binary.LittleEndian.Uint32(b[20:])),
	}, nil
}
