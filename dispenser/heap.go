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
	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/blockmem/unsafex/align"
)

var _ Dispenser = Heap{}

// Heap dispenses blocks from the Go heap.
// Blocks are not zeroed and cannot be protected: Protect and Unprotect are no-ops.
// Heap is stateless and may be shared freely.
type Heap struct{}

func (Heap) Allocate(size int) MemoryBlockDescriptor {
	if size <= 0 {
		return MemoryBlockDescriptor{}
	}
	n := align.Up(size, align.MaxAlignment)
	return NewMemoryBlockDescriptor(dirtmake.Bytes(n, n))
}

// Deallocate drops the block, the garbage collector reclaims it.
func (Heap) Deallocate(MemoryBlockDescriptor) {}

func (Heap) Protect(MemoryBlockDescriptor) error { return nil }

func (Heap) Unprotect(MemoryBlockDescriptor) error { return nil }

func (Heap) MinimumBlockSize() int { return align.MaxAlignment }
