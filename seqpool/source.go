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
	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/cloudwego/blockmem/blocklist"
	"github.com/cloudwego/blockmem/unsafex"
	"github.com/cloudwego/blockmem/unsafex/align"
)

// Allocator hands out memory that is never returned individually.
// *Pool implements it, so pools can be stacked.
type Allocator interface {
	Allocate(size int) []byte
}

// BlockSource supplies the buffers a Pool carves from.
//
// A BlockSource serves a single Pool. AllocateBuffer returns at least size
// bytes aligned to align.MaxAlignment, or nil when the underlying memory is
// exhausted. Release returns
// every buffer handed out by this source and nothing else.
type BlockSource interface {
	AllocateBuffer(size int) []byte
	Release()
}

// heapSource backs a pool with size-classed buffers from mcache.
type heapSource struct {
	bufs [][]byte
}

func (s *heapSource) AllocateBuffer(size int) []byte {
	b := mcache.Malloc(size)
	s.bufs = append(s.bufs, b)
	return b
}

func (s *heapSource) Release() {
	for i, b := range s.bufs {
		mcache.Free(b)
		s.bufs[i] = nil
	}
	s.bufs = s.bufs[:0]
}

type listSource struct {
	l    *blocklist.List
	bufs [][]byte
}

// BlockListSource obtains buffers from l.
//
// Release deallocates the buffers this source obtained; other blocks of l
// are left alone. l must be unprotected whenever the pool allocates or is
// released.
func BlockListSource(l *blocklist.List) BlockSource {
	return &listSource{l: l}
}

func (s *listSource) AllocateBuffer(size int) []byte {
	d := s.l.Allocate(size)
	if d.IsNull() {
		return nil
	}
	b := d.Bytes()
	s.bufs = append(s.bufs, b)
	return b
}

func (s *listSource) Release() {
	for i := len(s.bufs) - 1; i >= 0; i-- {
		s.l.Deallocate(s.bufs[i])
		s.bufs[i] = nil
	}
	s.bufs = s.bufs[:0]
}

type allocatorSource struct {
	a Allocator
}

// AllocatorSource obtains buffers from a. Since a cannot take memory back,
// Release is a no-op and the memory lives as long as a does.
// The memory returned by a may have any alignment.
func AllocatorSource(a Allocator) BlockSource {
	return allocatorSource{a: a}
}

func (s allocatorSource) AllocateBuffer(size int) []byte {
	b := s.a.Allocate(size + align.MaxAlignment - 1)
	if b == nil {
		return nil
	}
	off := align.Offset(unsafex.Addr(b), align.MaxAlignment)
	return b[off : off+size : off+size]
}

func (allocatorSource) Release() {}
