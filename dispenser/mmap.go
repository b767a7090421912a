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

package dispenser

import (
	"fmt"

	"github.com/cloudwego/blockmem/unsafex/align"
)

var _ Dispenser = (*Mmap)(nil)

// Mmap dispenses page-rounded anonymous mappings.
//
// Protect and Unprotect switch a block between read-only and read-write with
// mprotect(2), so a write to a protected block faults. Failing to map memory
// is treated as fatal and panics.
//
// Mmap holds no per-block state and may be shared by many block lists.
// On platforms without mmap it falls back to heap memory and protection
// becomes a no-op, see ProtectionSupported.
type Mmap struct {
	pageSize int
}

// NewMmap returns a dispenser rounding blocks to the system page size.
func NewMmap() *Mmap {
	return &Mmap{pageSize: pageSize()}
}

func (m *Mmap) Allocate(size int) MemoryBlockDescriptor {
	if size <= 0 {
		return MemoryBlockDescriptor{}
	}
	n := align.Up(size, m.pageSize)
	b, err := mapRegion(n)
	if err != nil {
		panic(fmt.Errorf("dispenser: map %d bytes: %w", n, err))
	}
	return NewMemoryBlockDescriptor(b)
}

func (m *Mmap) Deallocate(block MemoryBlockDescriptor) {
	if block.IsNull() {
		return
	}
	if err := unmapRegion(block.b); err != nil {
		panic(fmt.Errorf("dispenser: unmap block %p: %w", block.Address(), err))
	}
}

func (m *Mmap) Protect(block MemoryBlockDescriptor) error {
	if err := protectRegion(block.b, true); err != nil {
		return fmt.Errorf("dispenser: protect block %p: %w", block.Address(), err)
	}
	return nil
}

func (m *Mmap) Unprotect(block MemoryBlockDescriptor) error {
	if err := protectRegion(block.b, false); err != nil {
		return fmt.Errorf("dispenser: unprotect block %p: %w", block.Address(), err)
	}
	return nil
}

func (m *Mmap) MinimumBlockSize() int { return m.pageSize }

// PageSize returns the page size blocks are rounded to.
func (m *Mmap) PageSize() int { return m.pageSize }

// ProtectionSupported reports whether Protect really revokes write access on this platform.
func ProtectionSupported() bool { return protectionSupported }
