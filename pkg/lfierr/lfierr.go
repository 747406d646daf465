// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lfierr defines the stable error taxonomy used across the
// sandbox runtime: a small set of Code values that every public
// operation's returned error can be tested against with errors.Is, plus
// a process-wide last-error slot mirroring the most recently returned
// code for diagnostics.
package lfierr

import (
	"fmt"
	"sync/atomic"
)

// Code is one of the stable, externally-visible error codes from the
// runtime's public surface.
type Code int

const (
	// NoSpace indicates that an allocator (BoxMap, MemMap) could not find
	// room for the requested range.
	NoSpace Code = iota + 1
	// NoMem indicates that a host allocation failed outright (mmap,
	// malloc-equivalent).
	NoMem
	// InvalidELF indicates a malformed or out-of-bounds ELF image.
	InvalidELF
	// CannotMap indicates the host rejected a mapping/protection change
	// for a reason other than verification.
	CannotMap
	// Verify indicates the configured Verifier rejected an executable
	// range, or an operation attempted W+X.
	Verify
	// InvalidGas indicates gas metering was requested but the
	// architecture has no gas register.
	InvalidGas
	// Guard indicates an operation's range overlapped a guard region.
	Guard
	// Config indicates a Platform or Options construction error.
	Config
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case NoSpace:
		return "no space"
	case NoMem:
		return "out of memory"
	case InvalidELF:
		return "invalid elf"
	case CannotMap:
		return "cannot map"
	case Verify:
		return "verification failed"
	case InvalidGas:
		return "invalid gas configuration"
	case Guard:
		return "operation overlaps a guard region"
	case Config:
		return "invalid configuration"
	default:
		return fmt.Sprintf("lfierr.Code(%d)", int(c))
	}
}

// Error is the concrete error type returned from the runtime's public
// operations. It carries a stable Code, the operation that produced it,
// and an optional wrapped cause.
type Error struct {
	Code  Code
	Op    string
	cause error
}

// Error implements the error interface for Code itself, so that a bare
// Code can be used as an errors.Is sentinel (errors.Is(err,
// lfierr.Verify)) without allocating an *Error.
func (c Code) Error() string {
	return c.String()
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is the same Code, so that errors.Is(err,
// lfierr.Verify) works without exposing the concrete *Error type.
func (e *Error) Is(target error) bool {
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var last atomic.Value // stores Code

// New builds an *Error for op with the given code and records it as the
// process-wide last error.
func New(op string, code Code) error {
	e := &Error{Op: op, Code: code}
	last.Store(code)
	return e
}

// Wrap builds an *Error for op with the given code and cause, and
// records it as the process-wide last error.
func Wrap(op string, code Code, cause error) error {
	e := &Error{Op: op, Code: code, cause: cause}
	last.Store(code)
	return e
}

// Last returns the most recently recorded error code across the entire
// process, or 0 if no runtime operation has failed yet. It exists only
// for diagnostics; callers should prefer the error value returned
// directly by the operation they invoked.
func Last() Code {
	c, _ := last.Load().(Code)
	return c
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func CodeOf(err error) (code Code, ok bool) {
	for err != nil {
		if e, isErr := err.(*Error); isErr {
			return e.Code, true
		}
		u, isUnwrapper := err.(interface{ Unwrap() error })
		if !isUnwrapper {
			break
		}
		err = u.Unwrap()
	}
	return 0, false
}
