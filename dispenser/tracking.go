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
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/google/btree"

	"github.com/cloudwego/blockmem/contract"
)

var _ Dispenser = (*Tracking)(nil)

// ErrModifiedWhileProtected is reported by Verify.
var ErrModifiedWhileProtected = errors.New("dispenser: block modified while protected")

type trackedBlock struct {
	addr      uintptr
	size      int
	protected bool
	sum       uint64 // content checksum taken by Protect
	mem       []byte
}

// TrackingStats is a snapshot of a Tracking dispenser's counters.
type TrackingStats struct {
	Allocations   int // successful Allocate calls
	Deallocations int
	Protects      int // successful Protect calls
	Unprotects    int
	BlocksInUse   int
	BytesInUse    int

	// ModifiedWhileProtected counts Unprotect calls that found the content
	// changed since Protect. It stays 0 over dispensers enforcing protection.
	ModifiedWhileProtected int
}

// Tracking wraps a Dispenser and records every live block, ordered by address,
// with its protection state.
//
// It checks the discipline expected from its clients: deallocating or
// (un)protecting an unknown block and deallocating a protected block are
// contract violations. Protect also checksums the block with xxhash3, so
// writes to protected blocks are detected over dispensers whose protection
// is a no-op. Tracking is safe for concurrent use.
type Tracking struct {
	d Dispenser

	mu     sync.Mutex
	blocks *btree.BTreeG[*trackedBlock]
	stats  TrackingStats
}

// NewTracking wraps d. A nil d wraps Heap.
func NewTracking(d Dispenser) *Tracking {
	if d == nil {
		d = Heap{}
	}
	return &Tracking{
		d: d,
		blocks: btree.NewG(32, func(a, b *trackedBlock) bool {
			return a.addr < b.addr
		}),
	}
}

func (t *Tracking) Allocate(size int) MemoryBlockDescriptor {
	block := t.d.Allocate(size)
	if block.IsNull() {
		return block
	}
	t.mu.Lock()
	t.blocks.ReplaceOrInsert(&trackedBlock{addr: uintptr(block.Address()), size: block.Size(), mem: block.Bytes()})
	t.stats.Allocations++
	t.stats.BlocksInUse++
	t.stats.BytesInUse += block.Size()
	t.mu.Unlock()
	return block
}

func (t *Tracking) Deallocate(block MemoryBlockDescriptor) {
	if block.IsNull() {
		return
	}
	t.mu.Lock()
	b, ok := t.blocks.Get(&trackedBlock{addr: uintptr(block.Address())})
	if !ok {
		t.mu.Unlock()
		contract.Assert(false, "dispenser.Tracking.Deallocate", "unknown block")
		return
	}
	if b.protected {
		t.mu.Unlock()
		contract.Assert(false, "dispenser.Tracking.Deallocate", "block is protected")
		return
	}
	t.blocks.Delete(b)
	t.stats.Deallocations++
	t.stats.BlocksInUse--
	t.stats.BytesInUse -= b.size
	t.mu.Unlock()

	t.d.Deallocate(block)
}

func (t *Tracking) Protect(block MemoryBlockDescriptor) error {
	return t.setProtection(block, true)
}

func (t *Tracking) Unprotect(block MemoryBlockDescriptor) error {
	return t.setProtection(block, false)
}

func (t *Tracking) setProtection(block MemoryBlockDescriptor, protected bool) error {
	t.mu.Lock()
	b, ok := t.blocks.Get(&trackedBlock{addr: uintptr(block.Address())})
	t.mu.Unlock()
	if !ok {
		contract.Assert(false, "dispenser.Tracking.Protect", "unknown block")
		return nil
	}

	var err error
	if protected {
		err = t.d.Protect(block)
	} else {
		err = t.d.Unprotect(block)
	}
	if err != nil {
		return err
	}
	sum := xxhash3.Hash(block.Bytes())

	t.mu.Lock()
	if protected {
		b.sum = sum
		t.stats.Protects++
	} else {
		if b.protected && b.sum != sum {
			t.stats.ModifiedWhileProtected++
		}
		t.stats.Unprotects++
	}
	b.protected = protected
	t.mu.Unlock()
	return nil
}

// Verify checks that no protected block changed since it was protected.
func (t *Tracking) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	t.blocks.Ascend(func(b *trackedBlock) bool {
		if b.protected && xxhash3.Hash(b.mem) != b.sum {
			err = fmt.Errorf("%w: block %#x, %d bytes", ErrModifiedWhileProtected, b.addr, b.size)
			return false
		}
		return true
	})
	return err
}

func (t *Tracking) MinimumBlockSize() int { return t.d.MinimumBlockSize() }

// IsProtected reports whether p points into a live, protected block.
func (t *Tracking) IsProtected(p unsafe.Pointer) bool {
	b, ok := t.find(uintptr(p))
	return ok && b.protected
}

// Owns reports whether p points into a live block.
func (t *Tracking) Owns(p unsafe.Pointer) bool {
	_, ok := t.find(uintptr(p))
	return ok
}

// NumProtectedBlocks counts live blocks currently protected.
func (t *Tracking) NumProtectedBlocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	t.blocks.Ascend(func(b *trackedBlock) bool {
		if b.protected {
			n++
		}
		return true
	})
	return n
}

// Stats returns a snapshot of the counters.
func (t *Tracking) Stats() TrackingStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// find returns a copy of the live block containing addr.
func (t *Tracking) find(addr uintptr) (found trackedBlock, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks.DescendLessOrEqual(&trackedBlock{addr: addr}, func(b *trackedBlock) bool {
		if addr < b.addr+uintptr(b.size) {
			found, ok = *b, true
		}
		return false
	})
	return found, ok
}
