// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"encoding/binary"
	"encoding/json"

	"github.com/m3os/tilekernel/pkg/errors"
)

// The syscall wire format is the opcode as a little-endian u64 followed by
// the JSON-encoded args struct; replies carry the error code as a
// little-endian u32 followed by the JSON-encoded typed result, if the
// opcode has one. The TCU fixes only the message header layout; the body
// encoding is the kernel's own.

// EncodeRequest packs one syscall message.
func EncodeRequest(op Opcode, body any) ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(op))
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return append(buf, b...), nil
}

func decodeBody[T any](b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, errors.WithCode(errors.InvArgs, "malformed syscall body: %v", err)
	}
	return v, nil
}

// DecodeRequest is the inverse of EncodeRequest. sender is the activity id
// stamped into the message header's label.
func DecodeRequest(sender uint64, msg []byte) (Request, error) {
	if len(msg) < 8 {
		return Request{}, errors.WithCode(errors.InvArgs, "syscall message of %d bytes is too short", len(msg))
	}
	op := Opcode(binary.LittleEndian.Uint64(msg))
	rest := msg[8:]

	var (
		body any
		err  error
	)
	switch op {
	case OpCreateMGate:
		body, err = decodeBody[CreateMGateArgs](rest)
	case OpCreateRGate:
		body, err = decodeBody[CreateRGateArgs](rest)
	case OpCreateSGate:
		body, err = decodeBody[CreateSGateArgs](rest)
	case OpCreateSrv:
		body, err = decodeBody[CreateSrvArgs](rest)
	case OpCreateSess:
		body, err = decodeBody[CreateSessArgs](rest)
	case OpCreateActivity:
		body, err = decodeBody[CreateActivityArgs](rest)
	case OpCreateSem:
		body, err = decodeBody[CreateSemArgs](rest)
	case OpCreateMap:
		body, err = decodeBody[CreateMapArgs](rest)
	case OpAllocEP:
		body, err = decodeBody[AllocEPArgs](rest)
	case OpDeriveMem:
		body, err = decodeBody[DeriveMemArgs](rest)
	case OpDeriveKMem:
		body, err = decodeBody[DeriveKMemArgs](rest)
	case OpDeriveTile:
		body, err = decodeBody[DeriveTileArgs](rest)
	case OpDeriveSrv:
		body, err = decodeBody[DeriveSrvArgs](rest)
	case OpActivate:
		body, err = decodeBody[ActivateArgs](rest)
	case OpExchangeSess:
		body, err = decodeBody[ExchangeSessArgs](rest)
	case OpExchange:
		body, err = decodeBody[ExchangeArgs](rest)
	case OpRevoke:
		body, err = decodeBody[RevokeArgs](rest)
	case OpActivityCtrl:
		body, err = decodeBody[ActivityCtrlArgs](rest)
	case OpActivityWait:
		body, err = decodeBody[ActivityWaitArgs](rest)
	case OpSemCtrl:
		body, err = decodeBody[SemCtrlArgs](rest)
	case OpKMemQuota:
		body, err = decodeBody[KMemQuotaArgs](rest)
	case OpTileQuota:
		body, err = decodeBody[TileQuotaArgs](rest)
	case OpGetSession:
		body, err = decodeBody[GetSessionArgs](rest)
	case OpNoop:
		body, err = NoopArgs{}, nil
	default:
		return Request{}, errors.WithCode(errors.InvArgs, "unrecognized syscall opcode %d", uint64(op))
	}
	if err != nil {
		return Request{}, err
	}
	return Request{Op: op, Sender: sender, Body: body}, nil
}

// EncodeReply packs one syscall reply. Only the typed result structs cross
// the wire; in-kernel handles (capability pointers returned by the create
// and derive handlers) collapse to the bare-code default reply.
func EncodeReply(r Reply) ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(r.Code))

	switch p := r.Payload.(type) {
	case CreateActivityResult, AllocEPResult, ExchangeSessResult, ActivityWaitResult, KMemQuotaResult, TileQuotaResult:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	default:
		return buf, nil
	}
}

// DecodeReply unpacks a reply to a syscall of the given opcode.
func DecodeReply(op Opcode, msg []byte) (Reply, error) {
	if len(msg) < 4 {
		return Reply{}, errors.WithCode(errors.InvArgs, "syscall reply of %d bytes is too short", len(msg))
	}
	r := Reply{Code: errors.Code(binary.LittleEndian.Uint32(msg))}
	rest := msg[4:]
	if len(rest) == 0 {
		return r, nil
	}

	var err error
	switch op {
	case OpCreateActivity:
		r.Payload, err = decodeBody[CreateActivityResult](rest)
	case OpAllocEP:
		r.Payload, err = decodeBody[AllocEPResult](rest)
	case OpExchangeSess:
		r.Payload, err = decodeBody[ExchangeSessResult](rest)
	case OpActivityWait:
		r.Payload, err = decodeBody[ActivityWaitResult](rest)
	case OpKMemQuota:
		r.Payload, err = decodeBody[KMemQuotaResult](rest)
	case OpTileQuota:
		r.Payload, err = decodeBody[TileQuotaResult](rest)
	default:
		// Trailing bytes on a default reply are not an error; the payload
		// just has no typed shape for this opcode.
	}
	if err != nil {
		return Reply{}, err
	}
	return r, nil
}
