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

package bufchain

import (
	"sync"

	"github.com/cloudwego/blockmem/contract"
	"github.com/cloudwego/blockmem/seqpool"
	"github.com/cloudwego/blockmem/unsafex/align"
)

const (
	DefaultBufferSize     = 4096
	DefaultBuffersPerSlab = 16
)

// Factory hands out buffers of one fixed size.
//
// Buffers are carved from slabs of a sequential pool and recycled through a
// free list when put back. A Factory is safe for concurrent use.
type Factory struct {
	size int

	mu   sync.Mutex
	pool *seqpool.Pool
	free [][]byte
	out  int
}

// NewFactory creates a factory backed by the Go heap.
func NewFactory(bufferSize, buffersPerSlab int) *Factory {
	return newFactory(nil, bufferSize, buffersPerSlab)
}

// NewFactoryWithSource creates a factory whose slabs come from src.
func NewFactoryWithSource(src seqpool.BlockSource, bufferSize, buffersPerSlab int) *Factory {
	contract.AssertArg(src != nil, "bufchain.NewFactory", "nil block source")
	return newFactory(src, bufferSize, buffersPerSlab)
}

func newFactory(src seqpool.BlockSource, bufferSize, buffersPerSlab int) *Factory {
	contract.AssertArg(bufferSize > 0, "bufchain.NewFactory", "buffer size must be positive")
	contract.AssertArg(buffersPerSlab > 0, "bufchain.NewFactory", "buffers per slab must be positive")
	// keep every carving max-aligned so a slab holds exactly buffersPerSlab buffers
	slab := align.Up(bufferSize, align.MaxAlignment) * buffersPerSlab
	o := &seqpool.Option{
		GrowthStrategy: seqpool.Constant,
		Alignment:      align.Maximum,
		InitialSize:    slab,
		MaxBufferSize:  slab,
	}
	f := &Factory{size: bufferSize}
	if src == nil {
		f.pool = seqpool.New(o)
	} else {
		f.pool = seqpool.NewWithSource(src, o)
	}
	return f
}

// BufferSize returns the length of every buffer handed out.
func (f *Factory) BufferSize() int {
	return f.size
}

// Get returns a buffer of BufferSize bytes, or nil if the block source is exhausted.
// The content is unspecified.
func (f *Factory) Get() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.free); n > 0 {
		b := f.free[n-1]
		f.free[n-1] = nil
		f.free = f.free[:n-1]
		f.out++
		return b
	}
	b := f.pool.Allocate(f.size)
	if b == nil {
		return nil
	}
	f.out++
	return b
}

// Put gives back a buffer obtained from Get.
func (f *Factory) Put(b []byte) {
	contract.AssertArg(cap(b) == f.size, "bufchain.Factory.Put", "buffer not from this factory")
	f.mu.Lock()
	f.free = append(f.free, b[:f.size])
	f.out--
	f.mu.Unlock()
}

// InUse returns the number of buffers handed out and not put back.
func (f *Factory) InUse() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out
}

// Release returns every slab to the block source. Buffers handed out
// before become invalid.
func (f *Factory) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.free {
		f.free[i] = nil
	}
	f.free = f.free[:0]
	f.out = 0
	f.pool.Release()
}

// Metrics exposes the bookkeeping of the underlying pool.
func (f *Factory) Metrics() seqpool.Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool.Metrics()
}
