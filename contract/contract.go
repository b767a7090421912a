// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package contract turns documented preconditions into checks.
//
// A violated precondition panics with a *Violation in default builds.
// Building with the `blockmem_release` tag compiles the checks away, in which
// case the behavior of a violating call is undefined.
package contract

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation is wrapped by every *Violation.
	ErrContractViolation = errors.New("contract violation")

	// ErrInvalidArgument marks violations caused by an argument out of the documented domain.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Violation is the panic value raised by Assert.
type Violation struct {
	Op   string // e.g. "seqpool.Allocate"
	Msg  string
	Kind error // optional, e.g. ErrInvalidArgument
}

func (v *Violation) Error() string {
	if v.Kind != nil {
		return fmt.Sprintf("%s: %s: %s (%v)", v.Op, ErrContractViolation, v.Msg, v.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", v.Op, ErrContractViolation, v.Msg)
}

// Unwrap allows errors.Is against both ErrContractViolation and Kind.
func (v *Violation) Unwrap() []error {
	if v.Kind != nil {
		return []error{ErrContractViolation, v.Kind}
	}
	return []error{ErrContractViolation}
}

// Assert panics with a *Violation if cond is false and checks are enabled.
//
// MAKE SURE IT CAN BE INLINE: the slow path lives in fail.
func Assert(cond bool, op, msg string) {
	if Enabled && !cond {
		fail(op, msg, nil)
	}
}

// AssertArg is Assert for argument checks, the violation kind is ErrInvalidArgument.
func AssertArg(cond bool, op, msg string) {
	if Enabled && !cond {
		fail(op, msg, ErrInvalidArgument)
	}
}

func fail(op, msg string, kind error) {
	panic(&Violation{Op: op, Msg: msg, Kind: kind})
}

// Recover converts a recovered panic value back into a *Violation.
// It returns nil if r is not a contract violation.
func Recover(r interface{}) *Violation {
	v, _ := r.(*Violation)
	return v
}
