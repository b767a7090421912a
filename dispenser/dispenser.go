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

// Package dispenser supplies raw memory blocks whose access protection can be toggled.
//
// A Dispenser is the external source of memory for a protectable block list.
// Implementations in this package:
//
//   - Heap: Go heap memory, protection is a no-op.
//   - Pooled: Go heap memory recycled through size classes, protection is a no-op.
//   - Mmap: anonymous page mappings, protection via mprotect(2).
//   - Buddy: power-of-two blocks carved from one arena, returns a null
//     descriptor instead of failing hard when the arena is exhausted.
//   - Tracking: wraps another Dispenser and records every block it hands out.
package dispenser

import "unsafe"

// Dispenser is implemented by sources of protectable memory blocks.
//
// Allocate returns a block of at least size bytes; the exact size is governed
// by the dispenser's own rounding. Running out of memory is either fatal or
// reported by a null descriptor, depending on the implementation.
//
// Deallocate, Protect and Unprotect must only be given descriptors returned
// by Allocate of the same dispenser.
type Dispenser interface {
	Allocate(size int) MemoryBlockDescriptor
	Deallocate(block MemoryBlockDescriptor)

	// Protect makes the block read-only; writes to it fault afterwards.
	Protect(block MemoryBlockDescriptor) error
	// Unprotect makes the block writable again.
	Unprotect(block MemoryBlockDescriptor) error

	// MinimumBlockSize is the granularity blocks are rounded up to.
	MinimumBlockSize() int
}

// MemoryBlockDescriptor describes a block of memory: its address and usable size.
// The zero value is the null descriptor.
type MemoryBlockDescriptor struct {
	b []byte
}

// NewMemoryBlockDescriptor describes the memory of b, len(b) bytes long.
func NewMemoryBlockDescriptor(b []byte) MemoryBlockDescriptor {
	return MemoryBlockDescriptor{b: b}
}

// Bytes returns the block's memory.
func (d MemoryBlockDescriptor) Bytes() []byte {
	return d.b
}

// Address returns the address of the first byte of the block, nil for a null descriptor.
func (d MemoryBlockDescriptor) Address() unsafe.Pointer {
	if len(d.b) == 0 {
		return nil
	}
	return unsafe.Pointer(&d.b[0])
}

// Size returns the usable size in bytes.
func (d MemoryBlockDescriptor) Size() int {
	return len(d.b)
}

// IsNull reports whether d describes no memory.
func (d MemoryBlockDescriptor) IsNull() bool {
	return len(d.b) == 0
}
