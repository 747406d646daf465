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

// Package verifier defines the interface AddrSpace and Proc use to
// decide whether a byte range is safe to make executable. The runtime
// never decides this itself: W^X is enforced mechanically (a range is
// never both writable and executable at once), but "is this machine
// code actually safe to run in the sandbox" is delegated to an external
// oracle supplied by the embedder.
package verifier

import "fmt"

// Verifier checks whether code is safe to execute inside a sandbox.
// Implementations are expected to be pure functions of their input:
// the same bytes at the same address must always produce the same
// verdict, since callers may cache results keyed on a range.
type Verifier interface {
	// Verify reports whether code, which will be mapped at guest
	// virtual address addr, is safe to execute. A false return with a
	// nil error means verification ran and rejected the code. An error
	// return means the code was not accepted, either because
	// verification could not be completed or, with a *RejectedError,
	// because it was rejected with a reason; AddrSpace treats both
	// like a rejection.
	Verify(addr uintptr, code []byte) (bool, error)
}

// RejectedError is returned by a Verifier's Verify method in place of
// (false, nil) when the caller needs a reason string for diagnostics.
// Using an error here is optional; most Verifiers can just return
// (false, nil).
type RejectedError struct {
	Addr   uintptr
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("verification rejected code at %#x: %s", e.Addr, e.Reason)
}

// AllowAll is a Verifier that accepts every range unconditionally. It
// exists for embedders that perform verification out of band (for
// example at build time, before an image is ever loaded) and for
// tests that don't exercise verification itself.
type AllowAll struct{}

// Verify always returns (true, nil).
func (AllowAll) Verify(uintptr, []byte) (bool, error) { return true, nil }

// DenyAll is a Verifier that rejects every range. It is useful for
// exercising a sandbox's failure path in tests.
type DenyAll struct{}

// Verify always returns (false, nil).
func (DenyAll) Verify(uintptr, []byte) (bool, error) { return false, nil }
