// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errors provides the kernel's error taxonomy on top of the
// standard library errors package.
package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Code is a kernel error code exposed to user space.
type Code int

const (
	// InvArgs: selector unused, type mismatch, malformed message, constraint violated.
	InvArgs Code = iota + 1
	// NoSpace: KMem exhausted, no free EP range, selector-range overlap.
	NoSpace
	// NoPerm: permission subset violated for Derive/CreateMap.
	NoPerm
	// Exists: re-activating an RGate or re-binding a gate.
	Exists
	// NotRevocable: the revocability check refused the capability.
	NotRevocable
	// ActivityGone: target activity is DEAD.
	ActivityGone
	// RecvNoSpace: credit-controlled send found no free slot.
	RecvNoSpace
	// MissCredits: sender lacks credits.
	MissCredits
	// RecvGone: receive gate invalidated while waiting.
	RecvGone
	// NoSEP: EP invalidated while in use.
	NoSEP
	// PageBoundary: send/reply buffer crosses a page boundary.
	PageBoundary
	// NotFound: fetch on an empty receive queue.
	NotFound
	// NotSup: feature unavailable on this tile.
	NotSup
)

func (c Code) String() string {
	switch c {
	case InvArgs:
		return "InvArgs"
	case NoSpace:
		return "NoSpace"
	case NoPerm:
		return "NoPerm"
	case Exists:
		return "Exists"
	case NotRevocable:
		return "NotRevocable"
	case ActivityGone:
		return "ActivityGone"
	case RecvNoSpace:
		return "RecvNoSpace"
	case MissCredits:
		return "MissCredits"
	case RecvGone:
		return "RecvGone"
	case NoSEP:
		return "NoSEP"
	case PageBoundary:
		return "PageBoundary"
	case NotFound:
		return "NotFound"
	case NotSup:
		return "NotSup"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// KernelError is the error returned by kernel operations that fail with
// one of the Code values above.
type KernelError struct {
	code Code
	msg  string
}

func (e *KernelError) Error() string {
	if e.msg == "" {
		return e.code.String()
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

// CodeOf returns the error code of err, or 0 if err does not wrap a *KernelError.
func CodeOf(err error) Code {
	var kerr *KernelError
	if As(err, &kerr) {
		return kerr.code
	}
	return 0
}

// WithCode builds a new KernelError carrying code and a formatted message.
func WithCode(code Code, format string, args ...any) *KernelError {
	return &KernelError{code: code, msg: fmt.Sprintf(format, args...)}
}

// HasCode reports whether err is a KernelError with exactly code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
