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

// Package align carves aligned sub-ranges out of raw buffers.
//
// All functions are pure: for the same buffer address, cursor, size and
// strategy they always produce the same offset, so buffer layouts are
// reproducible.
package align

import (
	"math/bits"
	"unsafe"

	"github.com/cloudwego/blockmem/contract"
	"github.com/cloudwego/blockmem/unsafex"
)

// Strategy selects how a carved range is aligned.
type Strategy int

const (
	// Maximum aligns every range to MaxAlignment regardless of its size.
	Maximum Strategy = iota
	// Natural aligns a range like the compiler would align a value of that size:
	// the lowest set bit of the size, capped at MaxAlignment.
	Natural
	// Byte does not align at all.
	Byte
)

func (s Strategy) String() string {
	switch s {
	case Maximum:
		return "maximum"
	case Natural:
		return "natural"
	case Byte:
		return "byte"
	}
	return "unknown"
}

type maxAligned struct {
	_ uint64
	_ float64
	_ complex128
	_ uintptr
	_ unsafe.Pointer
}

// MaxAlignment is the strictest alignment required by any fundamental type.
const MaxAlignment = int(unsafe.Alignof(maxAligned{}))

// AlignmentOf returns the alignment a range of size bytes gets under s.
// size must be positive for Natural.
func AlignmentOf(s Strategy, size int) int {
	switch s {
	case Natural:
		contract.AssertArg(size > 0, "align.AlignmentOf", "natural alignment needs a positive size")
		a := size & -size
		if a > MaxAlignment || a <= 0 {
			return MaxAlignment
		}
		return a
	case Byte:
		return 1
	default:
		return MaxAlignment
	}
}

// Offset returns the smallest o >= 0 such that addr+o is a multiple of alignment.
// alignment must be a power of two.
func Offset(addr uintptr, alignment int) int {
	contract.AssertArg(alignment > 0 && bits.OnesCount(uint(alignment)) == 1,
		"align.Offset", "alignment must be a power of two")
	mask := uintptr(alignment - 1)
	return int((uintptr(alignment) - addr&mask) & mask)
}

// Up rounds n up to a multiple of alignment, which must be a power of two.
func Up(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Allocate carves size bytes out of buf starting at *cursor, aligned by s.
//
// If the aligned range does not fit it returns nil and leaves *cursor unchanged.
// Otherwise it advances *cursor past the range and returns it with len and cap
// equal to size.
func Allocate(cursor *int, buf []byte, size int, s Strategy) []byte {
	contract.AssertArg(size > 0, "align.Allocate", "size must be positive")
	contract.Assert(*cursor >= 0 && *cursor <= len(buf), "align.Allocate", "cursor out of buffer")
	start := *cursor + Offset(unsafex.Addr(buf)+uintptr(*cursor), AlignmentOf(s, size))
	end := start + size
	if end > len(buf) {
		return nil
	}
	*cursor = end
	return buf[start:end:end]
}

// AllocateRaw is Allocate without the bounds result.
//
// The caller guarantees the aligned range fits in buf; violating that is a
// contract violation, not a recoverable error.
func AllocateRaw(cursor *int, buf []byte, size int, s Strategy) []byte {
	contract.AssertArg(size > 0, "align.AllocateRaw", "size must be positive")
	start := *cursor + Offset(unsafex.Addr(buf)+uintptr(*cursor), AlignmentOf(s, size))
	end := start + size
	contract.Assert(end <= len(buf), "align.AllocateRaw", "buffer too small for request")
	*cursor = end
	return buf[start:end:end]
}

// Fits reports whether size bytes aligned by s can be carved at cursor.
func Fits(cursor int, buf []byte, size int, s Strategy) bool {
	start := cursor + Offset(unsafex.Addr(buf)+uintptr(cursor), AlignmentOf(s, size))
	return start+size <= len(buf)
}
