/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dispenser

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/cloudwego/blockmem/contract"
)

var _ Dispenser = Pooled{}

type sizeClass struct {
	sync.Pool

	Size int
}

var classes []*sizeClass

const (
	minPooledSize = 4 << 10   // 4KB
	maxPooledSize = 128 << 30 // 128GB
)

const (
	// footer is a [8]byte, it contains two parts: magic(58 bits) and index (6 bits):
	// * magic marks a live block of this dispenser, it's cleared on Deallocate
	// * index is for `classes`, the block's memory is always classes[i].Size long
	footerLen = 8

	footerMagicMask = uint64(0xFFFFFFFFFFFFFFC0) // 58 bits mask
	footerIndexMask = uint64(0x000000000000003F) // 6 bits mask
	footerMagic     = uint64(0xB10CD15BB10CD140) // it ends with 6 zero bits which used by index
)

// bits2class maps bits.Len to the index of `classes`
var bits2class [64]int

func init() {
	i := 0
	for sz := minPooledSize; sz <= maxPooledSize; sz <<= 1 {
		c := &sizeClass{Size: sz}
		c.New = func() interface{} {
			b := make([]byte, c.Size)
			return &b[0]
		}
		classes = append(classes, c)
		bits2class[bits.Len(uint(c.Size))] = i
		i++
	}
}

// classIndex returns index of a class which fits the given size `sz`
func classIndex(sz int) int {
	if sz <= minPooledSize {
		return 0
	}
	i := bits2class[bits.Len(uint(sz))]
	if uint(sz)&(uint(sz)-1) == 0 {
		return i
	}
	return i + 1
}

// Pooled dispenses Go heap blocks recycled through power-of-two size classes.
//
// A block is the class size minus an 8 byte footer, so Size reports more than
// requested. Deallocate puts the memory back for reuse; the block must not be
// touched afterwards. Protection is a no-op.
// Pooled is stateless and may be shared freely.
type Pooled struct{}

func (Pooled) Allocate(size int) MemoryBlockDescriptor {
	if size <= 0 {
		return MemoryBlockDescriptor{}
	}
	contract.AssertArg(size <= maxPooledSize-footerLen, "dispenser.Pooled.Allocate", "size exceeds the largest class")
	i := classIndex(size + footerLen)
	c := classes[i]
	p := c.Get().(*byte)
	*(*uint64)(unsafe.Add(unsafe.Pointer(p), c.Size-footerLen)) = footerMagic | uint64(i)
	return NewMemoryBlockDescriptor(unsafe.Slice(p, c.Size-footerLen))
}

// Deallocate returns block to its class.
// Panics if block was not handed out by Pooled or was already returned.
func (Pooled) Deallocate(block MemoryBlockDescriptor) {
	if block.IsNull() {
		return
	}
	n := block.Size() + footerLen
	contract.Assert(n >= minPooledSize && n&(n-1) == 0, "dispenser.Pooled.Deallocate", "not a pooled block")
	footer := (*uint64)(unsafe.Add(block.Address(), block.Size()))
	contract.Assert(*footer&footerMagicMask == footerMagic, "dispenser.Pooled.Deallocate", "double free or invalid block")
	i := int(*footer & footerIndexMask)
	contract.Assert(i < len(classes) && classes[i].Size == n, "dispenser.Pooled.Deallocate", "block size changed")
	*footer = 0
	classes[i].Put((*byte)(block.Address()))
}

func (Pooled) Protect(MemoryBlockDescriptor) error { return nil }

func (Pooled) Unprotect(MemoryBlockDescriptor) error { return nil }

func (Pooled) MinimumBlockSize() int { return minPooledSize - footerLen }
