// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dtcerr defines the error taxonomy shared by every layer of the
// driver: the device handle, the DMA ring manager, the sub-event parser,
// the register gateway and the link state machine all raise one of the
// Kinds below instead of an ad-hoc error string, so a caller can branch on
// errors.Is(err, dtcerr.ErrDataCorruption) or dtcerr.Of(err,
// dtcerr.DataCorruption) regardless of which layer produced it.
package dtcerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of failure. See spec §7 for the contract
// each kind carries.
type Kind int

const (
	// Timeout signals a bounded poll or ioctl did not complete in the
	// budgeted time. The caller may retry.
	Timeout Kind = iota
	// IOError signals an ioctl failed with a negative return code; the
	// device may be unusable. Fatal to the current transaction.
	IOError
	// DataCorruption signals a parser invariant was violated (truncated
	// record, duplicate tag, meta size saturated at 0x10000).
	DataCorruption
	// WrongPacketType signals firmware delivered a record whose type byte
	// does not match what was expected.
	WrongPacketType
	// RegisterVerifyMismatch signals a readback-checked write observed a
	// different value than written, after applying the register's mask.
	RegisterVerifyMismatch
	// VersionMismatch signals the firmware design version read back at
	// construction does not match what the caller expected.
	VersionMismatch
	// LockTimeout signals the DCS lock could not be acquired within its
	// budget; the library force-releases and raises this.
	LockTimeout
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case IOError:
		return "io error"
	case DataCorruption:
		return "data corruption"
	case WrongPacketType:
		return "wrong packet type"
	case RegisterVerifyMismatch:
		return "register verify mismatch"
	case VersionMismatch:
		return "version mismatch"
	case LockTimeout:
		return "lock timeout"
	default:
		return fmt.Sprintf("dtcerr.Kind(%d)", int(k))
	}
}

// Error is the concrete error type every layer returns. Wrap an underlying
// cause with Wrap, or construct directly with New.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "chardev.RegAccess"
	Msg  string
	Err  error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// Unwrap lets errors.Is/errors.As reach the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e.Kind, so callers can
// write errors.Is(err, dtcerr.ErrDataCorruption) against the bare
// per-Kind sentinels declared below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Msg != "" || t.Err != nil {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// sentinel returns a bare *Error usable only as a target for errors.Is.
func sentinel(k Kind) error {
	return &Error{Kind: k}
}

// Sentinels for errors.Is(err, dtcerr.ErrXxx) comparisons against any
// *Error of that Kind, regardless of Op/Msg/wrapped cause.
var (
	ErrTimeout                = sentinel(Timeout)
	ErrIOError                = sentinel(IOError)
	ErrDataCorruption         = sentinel(DataCorruption)
	ErrWrongPacketType        = sentinel(WrongPacketType)
	ErrRegisterVerifyMismatch = sentinel(RegisterVerifyMismatch)
	ErrVersionMismatch        = sentinel(VersionMismatch)
	ErrLockTimeout            = sentinel(LockTimeout)
)

// Of reports whether err is a *dtcerr.Error of the given Kind.
func Of(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
