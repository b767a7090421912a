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

// Package seqpool implements a sequential (bump pointer) allocator.
//
// A Pool carves allocations out of one current buffer, replacing it with a
// fresh buffer from its BlockSource when a request does not fit. Individual
// allocations are never freed: memory goes back to the source all at once
// on Release.
//
// A Pool is not safe for concurrent use.
package seqpool

import (
	"github.com/cloudwego/blockmem/contract"
	"github.com/cloudwego/blockmem/unsafex"
	"github.com/cloudwego/blockmem/unsafex/align"
)

// Metrics is a snapshot of a pool's bookkeeping.
type Metrics struct {
	Buffers       int // buffers obtained from the source, oversized ones included
	Oversized     int
	BytesCarved   int
	BufferSize    int
	BufferRemains int
}

// Pool is a sequential allocator. The zero value is not usable, see New.
type Pool struct {
	o   Option
	src BlockSource

	buf    []byte
	cursor int
	last   int // offset of the most recent carving in buf, -1 if none

	buffers   int
	oversized int
	carved    int
}

// New creates a pool backed by the Go heap through mcache.
// A nil o means DefaultOption().
func New(o *Option) *Pool {
	return NewWithSource(&heapSource{}, o)
}

// NewWithSource creates a pool that obtains its buffers from src.
// src is held, not owned, but Release releases it.
func NewWithSource(src BlockSource, o *Option) *Pool {
	if o == nil {
		o = DefaultOption()
	}
	contract.AssertArg(src != nil, "seqpool.New", "nil block source")
	contract.AssertArg(o.InitialSize > 0, "seqpool.New", "InitialSize must be positive")
	contract.AssertArg(o.MaxBufferSize >= o.InitialSize, "seqpool.New", "MaxBufferSize below InitialSize")
	contract.AssertArg(o.GrowthStrategy == Geometric || o.GrowthStrategy == Constant,
		"seqpool.New", "unknown growth strategy")
	return &Pool{o: *o, src: src, last: -1}
}

// Allocate returns size bytes of memory aligned per the pool's Option.
//
// size must be positive. Allocate returns nil only when the source is
// exhausted.
func (p *Pool) Allocate(size int) []byte {
	contract.AssertArg(size > 0, "seqpool.Allocate", "size must be positive")

	start := p.cursor
	if b := align.Allocate(&p.cursor, p.buf, size, p.o.Alignment); b != nil {
		p.carve(start, size)
		return b
	}

	next := p.CalculateNextBufferSize(size)
	if next < size {
		return p.allocateOversized(size)
	}
	if !p.replaceBuffer(next) {
		return nil
	}
	b := align.AllocateRaw(&p.cursor, p.buf, size, p.o.Alignment)
	p.carve(0, size)
	return b
}

func (p *Pool) carve(from, size int) {
	p.last = p.cursor - size
	p.carved += p.cursor - from
}

// allocateOversized serves size from the source without touching the
// current buffer.
func (p *Pool) allocateOversized(size int) []byte {
	b := p.src.AllocateBuffer(size)
	if b == nil {
		return nil
	}
	p.buffers++
	p.oversized++
	p.carved += size
	return b[:size:size]
}

// replaceBuffer installs a fresh buffer of n bytes. The old one is
// abandoned to the source.
func (p *Pool) replaceBuffer(n int) bool {
	b := p.src.AllocateBuffer(n)
	if b == nil {
		return false
	}
	p.buffers++
	p.buf = b[:n:n]
	p.cursor = 0
	p.last = -1
	return true
}

// AllocateAndExpand allocates size bytes and grows the result in place up
// to the end of the current buffer. The returned length is the size granted.
// An allocation served outside the current buffer is not expanded.
func (p *Pool) AllocateAndExpand(size int) []byte {
	return p.Expand(p.Allocate(size))
}

// Expand grows b, the most recent allocation, to the end of the current
// buffer and returns the grown slice at the same address. Any other b is
// returned unchanged.
func (p *Pool) Expand(b []byte) []byte {
	if !p.isLast(b) {
		return b
	}
	p.carved += len(p.buf) - p.cursor
	p.cursor = len(p.buf)
	return p.buf[p.last:p.cursor:p.cursor]
}

// Truncate shrinks b, the most recent allocation, to newSize bytes and
// gives the tail back to the current buffer. It returns the resulting size
// of b: newSize, or len(b) when b is not the most recent allocation.
func (p *Pool) Truncate(b []byte, newSize int) int {
	contract.AssertArg(newSize >= 0 && newSize <= len(b), "seqpool.Truncate", "newSize out of range")
	if !p.isLast(b) {
		return len(b)
	}
	p.carved -= len(b) - newSize
	p.cursor = p.last + newSize
	return newSize
}

func (p *Pool) isLast(b []byte) bool {
	return p.last >= 0 && len(b) > 0 &&
		unsafex.Addr(b) == unsafex.Addr(p.buf)+uintptr(p.last) &&
		p.last+len(b) == p.cursor
}

// Deallocate has no effect: memory is reclaimed on Release.
func (p *Pool) Deallocate([]byte) {}

// ReserveCapacity makes sure the next allocations totalling size bytes,
// alignment padding aside, fit in the current buffer. The buffer is
// replaced if needed; nothing is returned to the caller.
func (p *Pool) ReserveCapacity(size int) {
	contract.AssertArg(size >= 0, "seqpool.ReserveCapacity", "negative size")
	if size == 0 || len(p.buf)-p.cursor >= size {
		return
	}
	n := p.CalculateNextBufferSize(size)
	if n < size {
		n = size
	}
	p.replaceBuffer(n)
}

// CalculateNextBufferSize returns the size of the buffer that would replace
// the current one for a request of size bytes.
//
// Without a current buffer the computation starts from InitialSize. With
// Constant growth the current size is kept. With Geometric growth the size
// is doubled, then doubled again while below size. The result never
// exceeds MaxBufferSize, so it may be smaller than size.
func (p *Pool) CalculateNextBufferSize(size int) int {
	n := len(p.buf)
	switch {
	case n == 0:
		n = p.o.InitialSize
	case p.o.GrowthStrategy == Geometric && n<<1 > n:
		n <<= 1
	}
	if p.o.GrowthStrategy == Geometric {
		for n < size && n<<1 > n {
			n <<= 1
		}
	}
	if n > p.o.MaxBufferSize {
		n = p.o.MaxBufferSize
	}
	return n
}

// Release returns all memory to the source and resets the pool.
// Slices handed out before become invalid.
func (p *Pool) Release() {
	p.src.Release()
	p.buf = nil
	p.cursor = 0
	p.last = -1
}

// Metrics returns a snapshot of the pool's counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Buffers:       p.buffers,
		Oversized:     p.oversized,
		BytesCarved:   p.carved,
		BufferSize:    len(p.buf),
		BufferRemains: len(p.buf) - p.cursor,
	}
}

// Option returns the configuration the pool was created with.
func (p *Pool) Option() Option {
	return p.o
}
