// Package cerr implements the cell substrate's closed error taxonomy:
// a small set of wire-visible kinds, each carrying a numeric code that
// travels in OPS-channel error replies, plus the retry policy each kind
// implies.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cerr

import (
	"errors"
	"fmt"
	"sync"
)

// Kind is one of the closed taxonomy's members.
type Kind int

const (
	ConnectionRefused Kind = iota + 1
	ConnectionReset
	Timeout
	AccessDenied
	CapabilityMissing
	IoError
	CircuitBreakerOpen
	InvalidHeader
	SerializationFailure
	Corruption
	ProtocolMismatch
)

// Code is the wire-visible numeric code for each kind
func (k Kind) Code() int {
	switch k {
	case ConnectionRefused:
		return 100
	case ConnectionReset:
		return 101
	case Timeout:
		return 102
	case AccessDenied:
		return 103
	case CapabilityMissing:
		return 104
	case IoError:
		return 105
	case CircuitBreakerOpen:
		return 106
	case InvalidHeader:
		return 200
	case SerializationFailure:
		return 203
	case Corruption:
		return 204
	case ProtocolMismatch:
		return 205
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case ConnectionRefused:
		return "ConnectionRefused"
	case ConnectionReset:
		return "ConnectionReset"
	case Timeout:
		return "Timeout"
	case AccessDenied:
		return "AccessDenied"
	case CapabilityMissing:
		return "CapabilityMissing"
	case IoError:
		return "IoError"
	case CircuitBreakerOpen:
		return "CircuitBreakerOpen"
	case InvalidHeader:
		return "InvalidHeader"
	case SerializationFailure:
		return "SerializationFailure"
	case Corruption:
		return "Corruption"
	case ProtocolMismatch:
		return "ProtocolMismatch"
	default:
		return "Unknown"
	}
}

// Retriable reports whether the deadline/retry policy should retry an
// error of this kind: only ConnectionRefused, ConnectionReset, and Timeout are.
func (k Kind) Retriable() bool {
	switch k {
	case ConnectionRefused, ConnectionReset, Timeout:
		return true
	default:
		return false
	}
}

// CellError is the concrete error type carrying a Kind, a human-readable
// message, and an optional wrapped cause.
type CellError struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, format string, a ...any) *CellError {
	return &CellError{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

func Wrap(kind Kind, err error, format string, a ...any) *CellError {
	return &CellError{Kind: kind, Msg: fmt.Sprintf(format, a...), Err: err}
}

func (e *CellError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Kind.Code(), e.Msg, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Kind.Code(), e.Msg)
}

func (e *CellError) Unwrap() error { return e.Err }

// As reports whether err is (or wraps) a *CellError and returns it.
func As(err error) (*CellError, bool) {
	var ce *CellError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is a *CellError, or IoError as the
// catch-all for anything else.
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return IoError
}

// FromCode reconstructs a Kind from its wire code, for decoding OPS-channel
// error replies. Ok is false for unrecognized codes.
func FromCode(code int) (Kind, bool) {
	for _, k := range []Kind{
		ConnectionRefused, ConnectionReset, Timeout, AccessDenied, CapabilityMissing,
		IoError, CircuitBreakerOpen, InvalidHeader, SerializationFailure, Corruption, ProtocolMismatch,
	} {
		if k.Code() == code {
			return k, true
		}
	}
	return 0, false
}

// Errs aggregates up to maxErrs distinct errors, deduplicated by message.
type Errs struct {
	mu   sync.Mutex
	errs []error
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Cnt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

func (e *Errs) JoinErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return errors.Join(e.errs...)
}
