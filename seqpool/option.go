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

package seqpool

import (
	"github.com/cloudwego/blockmem/unsafex/align"
)

// GrowthStrategy decides how the size of successive buffers evolves.
type GrowthStrategy int

const (
	// Geometric doubles the buffer size until a request fits.
	Geometric GrowthStrategy = iota
	// Constant keeps every buffer at the size of the first one.
	Constant
)

func (g GrowthStrategy) String() string {
	switch g {
	case Geometric:
		return "Geometric"
	case Constant:
		return "Constant"
	}
	return "GrowthStrategy(?)"
}

const (
	DefaultInitialSize   = 256
	DefaultMaxBufferSize = 1 << 20
)

// Option configures a Pool. It is copied on construction.
type Option struct {
	GrowthStrategy GrowthStrategy

	// Alignment used when carving allocations from a buffer.
	Alignment align.Strategy

	// InitialSize is the size of the first buffer, and of every buffer
	// with the Constant strategy.
	InitialSize int

	// MaxBufferSize caps the buffer size. Requests larger than the next
	// buffer size are served by a dedicated allocation from the source.
	MaxBufferSize int
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		GrowthStrategy: Geometric,
		Alignment:      align.Natural,
		InitialSize:    DefaultInitialSize,
		MaxBufferSize:  DefaultMaxBufferSize,
	}
}
