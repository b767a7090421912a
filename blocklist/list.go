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

// Package blocklist implements a list of memory blocks obtained from a
// protectable dispenser, whose access protection is switched list-wide.
//
// Blocks are allocated and deallocated individually while the list is
// unprotected. Protect makes every block read-only, Unprotect makes them
// writable again, Release frees everything whatever the protection state.
//
// A List is not safe for concurrent use. Distinct lists may share one
// dispenser from distinct goroutines.
package blocklist

import (
	"fmt"
	"log"
	"unsafe"

	"github.com/cloudwego/blockmem/contract"
	"github.com/cloudwego/blockmem/dispenser"
	"github.com/cloudwego/blockmem/unsafex"
	"github.com/cloudwego/blockmem/unsafex/align"
)

const (
	// blockMagic marks a live block header, it is cleared on deallocation.
	blockMagic uint32 = 0xB10CB10C

	noBlock int32 = -1
)

// blockHeader prefixes every dispensed block. It holds no Go pointers.
type blockHeader struct {
	magic uint32
	index uint32 // slot in List.nodes
	size  uint64 // requested size
}

// headerSize keeps the payload max-aligned.
const headerSize = (int(unsafe.Sizeof(blockHeader{})) + align.MaxAlignment - 1) &^ (align.MaxAlignment - 1)

// BlockHeaderSize returns the bookkeeping overhead of every block in bytes.
// It is a platform constant and does not depend on the block size.
func BlockHeaderSize() int {
	return headerSize
}

type node struct {
	prev, next int32
	size       int // requested, immutable
	block      dispenser.MemoryBlockDescriptor
}

// List is a doubly-linked list of blocks obtained from a dispenser.
//
// Nodes live in an index-addressed arena owned by the list; each block's
// header records its node index so Deallocate finds the node in O(1).
// There is no finalizer: call Release when done with the list.
type List struct {
	d dispenser.Dispenser

	nodes []node
	free  []int32 // recycled node slots
	head  int32
	count int

	protected bool
}

// New creates an empty, unprotected list.
// d is held, not owned: it must outlive the list.
func New(d dispenser.Dispenser) *List {
	return &List{d: d, head: noBlock}
}

// Allocate returns a block of at least n usable bytes, aligned to align.MaxAlignment.
//
// The list must be unprotected. A zero n returns the null descriptor.
// If the dispenser signals exhaustion with a null descriptor, so does Allocate.
func (l *List) Allocate(n int) dispenser.MemoryBlockDescriptor {
	contract.AssertArg(n >= 0, "blocklist.Allocate", "negative size")
	contract.Assert(!l.protected, "blocklist.Allocate", "list is protected")
	if n == 0 {
		return dispenser.MemoryBlockDescriptor{}
	}
	block := l.d.Allocate(n + headerSize)
	if block.IsNull() {
		return block
	}

	idx := l.newNode()
	nd := &l.nodes[idx]
	nd.size = n
	nd.block = block
	nd.prev = noBlock
	nd.next = l.head
	if l.head != noBlock {
		l.nodes[l.head].prev = idx
	}
	l.head = idx
	l.count++

	h := (*blockHeader)(block.Address())
	h.magic = blockMagic
	h.index = uint32(idx)
	h.size = uint64(n)

	payload := block.Bytes()[headerSize:]
	return dispenser.NewMemoryBlockDescriptor(payload[:len(payload):len(payload)])
}

func (l *List) newNode() int32 {
	if n := len(l.free); n > 0 {
		idx := l.free[n-1]
		l.free = l.free[:n-1]
		return idx
	}
	l.nodes = append(l.nodes, node{})
	return int32(len(l.nodes) - 1)
}

// Deallocate returns the block whose payload starts at p to the dispenser.
//
// It is a no-op for an empty p. The list must be unprotected and p must have
// been returned by Allocate and not deallocated since.
func (l *List) Deallocate(p []byte) {
	if len(p) == 0 {
		return
	}
	contract.Assert(!l.protected, "blocklist.Deallocate", "list is protected")

	h := (*blockHeader)(unsafe.Add(unsafex.Pointer(p), -headerSize))
	idx := int32(h.index)
	contract.Assert(h.magic == blockMagic, "blocklist.Deallocate", "double free or foreign address")
	contract.Assert(idx >= 0 && int(idx) < len(l.nodes) && l.nodes[idx].block.Address() == unsafe.Pointer(h),
		"blocklist.Deallocate", "block belongs to another list")

	nd := l.nodes[idx]
	if nd.prev != noBlock {
		l.nodes[nd.prev].next = nd.next
	} else {
		l.head = nd.next
	}
	if nd.next != noBlock {
		l.nodes[nd.next].prev = nd.prev
	}
	l.nodes[idx] = node{prev: noBlock, next: noBlock}
	l.free = append(l.free, idx)
	l.count--

	h.magic = 0
	l.d.Deallocate(nd.block)
}

// Release frees every block and leaves the list empty and unprotected.
// It may be called in any protection state and on an empty list.
func (l *List) Release() {
	if l.protected {
		for i := l.head; i != noBlock; i = l.nodes[i].next {
			if err := l.d.Unprotect(l.nodes[i].block); err != nil {
				log.Printf("blocklist: release: %v", err)
			}
		}
		l.protected = false
	}
	for i := l.head; i != noBlock; {
		nd := l.nodes[i]
		l.d.Deallocate(nd.block)
		i = nd.next
	}
	for i := range l.nodes {
		l.nodes[i] = node{}
	}
	l.nodes = l.nodes[:0]
	l.free = l.free[:0]
	l.head = noBlock
	l.count = 0
}

// Protect makes every block read-only. It is a no-op if already protected.
//
// If the dispenser fails on some block, blocks already protected are
// unprotected again, the list stays unprotected and the error is returned.
func (l *List) Protect() error {
	if l.protected {
		return nil
	}
	if err := l.setProtection(true); err != nil {
		return err
	}
	l.protected = true
	return nil
}

// Unprotect makes every block writable. It is a no-op if not protected.
func (l *List) Unprotect() error {
	if !l.protected {
		return nil
	}
	if err := l.setProtection(false); err != nil {
		return err
	}
	l.protected = false
	return nil
}

func (l *List) setProtection(readOnly bool) error {
	apply, undo, op := l.d.Protect, l.d.Unprotect, "protect"
	if !readOnly {
		apply, undo, op = l.d.Unprotect, l.d.Protect, "unprotect"
	}
	for i := l.head; i != noBlock; i = l.nodes[i].next {
		err := apply(l.nodes[i].block)
		if err == nil {
			continue
		}
		for j := l.head; j != i; j = l.nodes[j].next {
			if uerr := undo(l.nodes[j].block); uerr != nil {
				log.Printf("blocklist: %s rollback: %v", op, uerr)
			}
		}
		return fmt.Errorf("blocklist: %s: %w", op, err)
	}
	return nil
}

// IsProtected reports whether the blocks are currently read-only.
func (l *List) IsProtected() bool {
	return l.protected
}

// NumBlocks returns the number of live blocks.
func (l *List) NumBlocks() int {
	return l.count
}

// Blocks returns the payload descriptors of the live blocks, most recent first.
func (l *List) Blocks() []dispenser.MemoryBlockDescriptor {
	ret := make([]dispenser.MemoryBlockDescriptor, 0, l.count)
	for i := l.head; i != noBlock; i = l.nodes[i].next {
		b := l.nodes[i].block.Bytes()[headerSize:]
		ret = append(ret, dispenser.NewMemoryBlockDescriptor(b[:len(b):len(b)]))
	}
	return ret
}

// RequestedSize returns the size p was allocated with, p being a live payload.
func (l *List) RequestedSize(p []byte) int {
	h := (*blockHeader)(unsafe.Add(unsafex.Pointer(p), -headerSize))
	contract.Assert(h.magic == blockMagic, "blocklist.RequestedSize", "not a live block")
	return int(h.size)
}

// Dispenser returns the dispenser blocks come from.
func (l *List) Dispenser() dispenser.Dispenser {
	return l.d
}
