package dispenser

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/cloudwego/blockmem/unsafex"
)

const (
	// DefaultBuddyMinBlockSize is the default smallest block (4KB, one page on most systems).
	DefaultBuddyMinBlockSize = 4 * 1024

	// DefaultBuddyMaxBlockSize is the default largest block (512KB).
	DefaultBuddyMaxBlockSize = 512 * 1024

	freeSlot int8 = -1
)

var _ Dispenser = (*Buddy)(nil)

// Buddy dispenses power-of-two blocks from a single arena with a buddy system.
//
// A request is rounded up to the next power of two between the minimum and
// maximum block size. When no block is left Allocate returns the null
// descriptor rather than failing hard, so callers can degrade gracefully.
//
// Buddy is safe for concurrent use by several block lists.
type Buddy struct {
	mu sync.Mutex

	arena []byte

	// freeLists[o] holds arena offsets of free blocks of size minBlockSize<<o.
	freeLists [][]int

	// orders[i] is the order of the live block starting at minBlockSize*i,
	// or freeSlot. It detects double free and foreign descriptors.
	orders []int8

	// needsCoalesce is a hint that adjacent free buddies may exist.
	needsCoalesce bool

	minBlockSize  int
	minBlockShift int
	maxBlockSize  int
	maxBlockOrder int

	live     int
	liveSize int

	// mapped arenas can really be protected, heap arenas cannot.
	mapped bool
}

// NewBuddy creates a buddy dispenser over arena with default block sizes.
// The arena's size MUST be a multiple of DefaultBuddyMaxBlockSize.
func NewBuddy(arena []byte) (*Buddy, error) {
	return NewBuddyWithBlockSize(arena, DefaultBuddyMinBlockSize, DefaultBuddyMaxBlockSize)
}

// NewBuddyWithBlockSize creates a buddy dispenser over a caller supplied arena.
// Both minBlock and maxBlock must be powers of two, and minBlock <= maxBlock.
// The arena's size MUST be a multiple of maxBlock.
// Protection is a no-op for caller supplied arenas.
func NewBuddyWithBlockSize(arena []byte, minBlock, maxBlock int) (*Buddy, error) {
	if minBlock <= 0 || (minBlock&(minBlock-1)) != 0 {
		return nil, fmt.Errorf("dispenser: minBlockSize must be a power of two, got %d", minBlock)
	}
	if maxBlock <= 0 || (maxBlock&(maxBlock-1)) != 0 {
		return nil, fmt.Errorf("dispenser: maxBlockSize must be a power of two, got %d", maxBlock)
	}
	if minBlock > maxBlock {
		return nil, fmt.Errorf("dispenser: minBlockSize (%d) must be <= maxBlockSize (%d)", minBlock, maxBlock)
	}
	if len(arena) < maxBlock || len(arena)%maxBlock != 0 {
		return nil, fmt.Errorf("dispenser: arena size must be a multiple of %d bytes, got %d", maxBlock, len(arena))
	}
	minShift := bits.TrailingZeros(uint(minBlock))
	maxOrder := bits.TrailingZeros(uint(maxBlock)) - minShift

	d := &Buddy{
		arena:         arena,
		freeLists:     make([][]int, maxOrder+1),
		orders:        make([]int8, len(arena)/minBlock),
		minBlockSize:  minBlock,
		minBlockShift: minShift,
		maxBlockSize:  maxBlock,
		maxBlockOrder: maxOrder,
	}
	d.resetFreeLists()
	return d, nil
}

// NewMappedBuddy maps a fresh arena of arenaSize bytes and dispenses from it.
// Blocks of a mapped arena honour Protect when minBlock is a multiple of the
// page size. Close unmaps the arena.
func NewMappedBuddy(arenaSize, minBlock, maxBlock int) (*Buddy, error) {
	if minBlock%pageSize() != 0 {
		return nil, fmt.Errorf("dispenser: minBlockSize %d is not a multiple of the page size %d", minBlock, pageSize())
	}
	arena, err := mapRegion(arenaSize)
	if err != nil {
		return nil, fmt.Errorf("dispenser: map arena: %w", err)
	}
	d, err := NewBuddyWithBlockSize(arena, minBlock, maxBlock)
	if err != nil {
		_ = unmapRegion(arena)
		return nil, err
	}
	d.mapped = true
	return d, nil
}

func (d *Buddy) resetFreeLists() {
	for o := 0; o < d.maxBlockOrder; o++ {
		// capacity 2^(maxOrder-o), capped to avoid over-allocation
		c := 1 << (d.maxBlockOrder - o)
		if c > 64 {
			c = 64
		}
		d.freeLists[o] = make([]int, 0, c)
	}
	roots := len(d.arena) / d.maxBlockSize
	d.freeLists[d.maxBlockOrder] = make([]int, 0, roots)
	for i := 0; i < roots; i++ {
		d.freeLists[d.maxBlockOrder] = append(d.freeLists[d.maxBlockOrder], i*d.maxBlockSize)
	}
	for i := range d.orders {
		d.orders[i] = freeSlot
	}
	d.needsCoalesce = false
}

// Allocate returns a block of the smallest power of two >= size,
// or the null descriptor if size is out of range or the arena is exhausted.
func (d *Buddy) Allocate(size int) MemoryBlockDescriptor {
	if size <= 0 || size > d.maxBlockSize {
		return MemoryBlockDescriptor{}
	}
	order := d.orderFor(size)

	d.mu.Lock()
	defer d.mu.Unlock()

	found := -1
	for o := order; o <= d.maxBlockOrder; o++ {
		if len(d.freeLists[o]) > 0 {
			found = o
			break
		}
	}
	if found < 0 {
		if !d.needsCoalesce {
			return MemoryBlockDescriptor{}
		}
		if found = d.coalesceUntil(order); found < 0 {
			d.needsCoalesce = false
			return MemoryBlockDescriptor{}
		}
	}

	fl := d.freeLists[found]
	off := fl[len(fl)-1]
	d.freeLists[found] = fl[:len(fl)-1]

	// the left half keeps off, the right half goes to the lower order's free list
	for found > order {
		found--
		d.freeLists[found] = append(d.freeLists[found], off+(d.minBlockSize<<found))
	}

	n := d.minBlockSize << order
	d.orders[off>>d.minBlockShift] = int8(order)
	d.live++
	d.liveSize += n
	return NewMemoryBlockDescriptor(d.arena[off : off+n : off+n])
}

// Deallocate returns a block to its free list. Buddies are merged lazily.
// Panics if block was not handed out by d or was already returned.
func (d *Buddy) Deallocate(block MemoryBlockDescriptor) {
	if block.IsNull() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	off, order := d.locate(block)
	d.orders[off>>d.minBlockShift] = freeSlot
	d.freeLists[order] = append(d.freeLists[order], off)
	if order < d.maxBlockOrder {
		d.needsCoalesce = true
	}
	d.live--
	d.liveSize -= block.Size()
}

func (d *Buddy) Protect(block MemoryBlockDescriptor) error {
	return d.setProtection(block, true)
}

func (d *Buddy) Unprotect(block MemoryBlockDescriptor) error {
	return d.setProtection(block, false)
}

func (d *Buddy) setProtection(block MemoryBlockDescriptor, readOnly bool) error {
	d.mu.Lock()
	d.locate(block)
	d.mu.Unlock()
	if !d.mapped {
		return nil
	}
	if err := protectRegion(block.b, readOnly); err != nil {
		return fmt.Errorf("dispenser: buddy block %p: %w", block.Address(), err)
	}
	return nil
}

func (d *Buddy) MinimumBlockSize() int { return d.minBlockSize }

// MaximumBlockSize is the largest block Allocate can return.
func (d *Buddy) MaximumBlockSize() int { return d.maxBlockSize }

// Available returns the total bytes in free blocks.
func (d *Buddy) Available() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for o, fl := range d.freeLists {
		total += len(fl) * (d.minBlockSize << o)
	}
	return total
}

// NumBlocksInUse returns the number of blocks handed out and not yet returned.
func (d *Buddy) NumBlocksInUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Close unmaps the arena of a dispenser created by NewMappedBuddy.
// All blocks become invalid. It is a no-op for caller supplied arenas.
func (d *Buddy) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.mapped || d.arena == nil {
		return nil
	}
	err := unmapRegion(d.arena)
	d.arena = nil
	d.mapped = false
	return err
}

// locate validates block and returns its arena offset and order.
func (d *Buddy) locate(block MemoryBlockDescriptor) (off, order int) {
	if len(d.arena) == 0 || cap(block.b) == 0 {
		panic("dispenser: buddy block not in arena")
	}
	off = int(uintptr(block.Address()) - unsafex.Addr(d.arena))
	if off < 0 || off >= len(d.arena) || off&(d.minBlockSize-1) != 0 {
		panic("dispenser: buddy block not in arena")
	}
	o := d.orders[off>>d.minBlockShift]
	if o == freeSlot || d.minBlockSize<<o != block.Size() {
		panic("dispenser: buddy double free or invalid block")
	}
	return off, int(o)
}

// coalesceUntil merges adjacent free buddies until a block >= targetOrder exists.
// Returns the order of such a block, or -1.
func (d *Buddy) coalesceUntil(targetOrder int) int {
	for order := 0; order < d.maxBlockOrder; order++ {
		fl := d.freeLists[order]
		if len(fl) < 2 {
			continue
		}
		// insertion sort, free lists are small and mostly sorted
		for i := 1; i < len(fl); i++ {
			for j := i; j > 0 && fl[j] < fl[j-1]; j-- {
				fl[j], fl[j-1] = fl[j-1], fl[j]
			}
		}
		blockSize := d.minBlockSize << order
		n := 0
		for i := 0; i < len(fl); {
			off := fl[i]
			// once sorted, the left buddy is always followed by its right buddy
			if off&blockSize == 0 && i+1 < len(fl) && fl[i+1] == off+blockSize {
				d.freeLists[order+1] = append(d.freeLists[order+1], off)
				i += 2
				continue
			}
			fl[n] = off
			n++
			i++
		}
		d.freeLists[order] = fl[:n]
		if order+1 >= targetOrder && len(d.freeLists[order+1]) > 0 {
			break
		}
	}
	for o := targetOrder; o <= d.maxBlockOrder; o++ {
		if len(d.freeLists[o]) > 0 {
			return o
		}
	}
	return -1
}

// orderFor returns the smallest order whose block holds size bytes.
func (d *Buddy) orderFor(size int) int {
	if size <= d.minBlockSize {
		return 0
	}
	return bits.Len(uint(size-1)) - d.minBlockShift
}
