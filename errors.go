// Copyright 2018 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipbus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies a member of the core's closed error taxonomy.
// Every error the core raises carries exactly one Kind, recoverable
// from a wrapped chain with errors.As.
type Kind int

const (
	// KindTimeout means a dispatch deadline expired before a reply arrived.
	KindTimeout Kind = iota
	// KindSocketCreation means the transport could not create or connect a socket.
	KindSocketCreation
	// KindSocketIO means a send or receive failed at the transport level.
	KindSocketIO
	// KindValidation means a reply failed transaction-by-transaction validation.
	KindValidation
	// KindControlHub means the control-hub gateway reported a routing error.
	KindControlHub
	// KindBufferOverflow means a single transaction does not fit MaxSend/MaxReply.
	KindBufferOverflow
	// KindNonValidatedMemory means a handle was read before its buffer validated.
	KindNonValidatedMemory
	// KindURIParse means the device URI could not be parsed at construction.
	KindURIParse
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindSocketCreation:
		return "SocketCreationError"
	case KindSocketIO:
		return "SocketIoError"
	case KindValidation:
		return "ValidationError"
	case KindControlHub:
		return "ControlHubError"
	case KindBufferOverflow:
		return "BufferOverflow"
	case KindNonValidatedMemory:
		return "NonValidatedMemory"
	case KindURIParse:
		return "URIParseError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete type behind every error this package raises.
type Error struct {
	Kind Kind
	// Code is the control-hub gateway error code; only meaningful for KindControlHub.
	Code uint16
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("ipbus: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("ipbus: %s: %s", e.Kind, e.msg)
}

// Unwrap exposes the underlying cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is an *Error of the same Kind, so callers
// can write errors.Is(err, ipbus.ErrTimeout) against the sentinel values below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other.msg == "" && other.err == nil && other.Code == 0 {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind Kind, msg string, cause error) *Error {
	var err error
	if cause != nil {
		err = errors.WithStack(cause)
	}
	return &Error{Kind: kind, msg: msg, err: err}
}

func newErrorf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return newError(kind, fmt.Sprintf(format, args...), cause)
}

func newControlHubError(code uint16, msg string) *Error {
	return &Error{Kind: KindControlHub, Code: code, msg: msg}
}

// Sentinel values usable with errors.Is(err, ipbus.ErrTimeout) and friends;
// they carry no message or cause, matching only on Kind.
var (
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrSocketCreation     = &Error{Kind: KindSocketCreation}
	ErrSocketIO           = &Error{Kind: KindSocketIO}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrControlHub         = &Error{Kind: KindControlHub}
	ErrBufferOverflow     = &Error{Kind: KindBufferOverflow}
	ErrNonValidatedMemory = &Error{Kind: KindNonValidatedMemory}
	ErrURIParse           = &Error{Kind: KindURIParse}
)
