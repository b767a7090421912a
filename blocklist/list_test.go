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

package blocklist

import (
	"errors"
	"math/rand"
	"runtime/debug"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cloudwego/blockmem/contract"
	"github.com/cloudwego/blockmem/dispenser"
	"github.com/cloudwego/blockmem/unsafex"
	"github.com/cloudwego/blockmem/unsafex/align"
)

func violation(f func()) (v *contract.Violation) {
	defer func() { v = contract.Recover(recover()) }()
	f()
	return nil
}

func writeFaults(b []byte) (faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		faulted = recover() != nil
	}()
	b[0] = 0xa5
	return false
}

func liveSet(l *List) map[unsafe.Pointer]bool {
	m := make(map[unsafe.Pointer]bool)
	for _, b := range l.Blocks() {
		m[b.Address()] = true
	}
	return m
}

func TestBlockHeaderSize(t *testing.T) {
	assert.Greater(t, BlockHeaderSize(), 0)
	assert.Equal(t, 0, BlockHeaderSize()%align.MaxAlignment)
	assert.GreaterOrEqual(t, BlockHeaderSize(), int(unsafe.Sizeof(blockHeader{})))
}

func TestAllocate(t *testing.T) {
	td := dispenser.NewTracking(nil)
	l := New(td)
	defer l.Release()
	assert.False(t, l.IsProtected())
	assert.Equal(t, 0, l.NumBlocks())
	assert.Same(t, td, l.Dispenser())

	assert.True(t, l.Allocate(0).IsNull())
	assert.Equal(t, 0, l.NumBlocks())
	assert.Equal(t, 0, td.Stats().Allocations)

	var prev []byte
	for _, n := range []int{1, 7, 64, 100, 4096} {
		d := l.Allocate(n)
		require.False(t, d.IsNull())
		assert.GreaterOrEqual(t, d.Size(), n)
		assert.Equal(t, 0, int(uintptr(d.Address())%uintptr(align.MaxAlignment)))
		assert.Equal(t, n, l.RequestedSize(d.Bytes()))
		assert.True(t, td.Owns(unsafe.Add(d.Address(), -BlockHeaderSize())), "header precedes the payload")
		b := d.Bytes()
		for i := range b {
			b[i] = byte(i)
		}
		assert.False(t, unsafex.Overlap(prev, b))
		prev = b
	}
	assert.Equal(t, 5, l.NumBlocks())
	assert.Equal(t, 5, td.Stats().BlocksInUse)

	// most recent first
	blocks := l.Blocks()
	require.Len(t, blocks, 5)
	assert.Equal(t, unsafex.Pointer(prev), blocks[0].Address())

	v := violation(func() { l.Allocate(-1) })
	require.NotNil(t, v)
	assert.True(t, errors.Is(v, contract.ErrInvalidArgument))
}

func TestDeallocate(t *testing.T) {
	td := dispenser.NewTracking(nil)
	l := New(td)
	defer l.Release()

	a := l.Allocate(10)
	b := l.Allocate(20)
	c := l.Allocate(30)

	l.Deallocate(nil)
	assert.Equal(t, 3, l.NumBlocks())

	// middle, then head, then tail
	l.Deallocate(b.Bytes())
	assert.Equal(t, map[unsafe.Pointer]bool{a.Address(): true, c.Address(): true}, liveSet(l))
	l.Deallocate(c.Bytes())
	assert.Equal(t, map[unsafe.Pointer]bool{a.Address(): true}, liveSet(l))
	l.Deallocate(a.Bytes())
	assert.Empty(t, liveSet(l))
	assert.Equal(t, 0, l.NumBlocks())
	assert.Equal(t, 0, td.Stats().BlocksInUse)
	assert.Equal(t, 3, td.Stats().Deallocations)

	// node slots are recycled
	d := l.Allocate(8)
	assert.Equal(t, 1, l.NumBlocks())
	assert.Len(t, l.nodes, 3)
	l.Deallocate(d.Bytes())
}

func TestDeallocateContract(t *testing.T) {
	l := New(dispenser.NewTracking(nil))
	defer l.Release()

	a := l.Allocate(10)
	l.Deallocate(a.Bytes())
	assert.NotNil(t, violation(func() { l.Deallocate(a.Bytes()) }), "double free")

	foreign := make([]byte, 64)
	assert.NotNil(t, violation(func() { l.Deallocate(foreign[BlockHeaderSize():]) }), "foreign address")

	other := New(dispenser.NewTracking(nil))
	defer other.Release()
	ob := other.Allocate(10)
	other.Allocate(10)
	l.Allocate(10)
	assert.NotNil(t, violation(func() { l.Deallocate(ob.Bytes()) }), "block of another list")

	b := l.Allocate(10)
	require.NoError(t, l.Protect())
	assert.NotNil(t, violation(func() { l.Allocate(10) }))
	assert.NotNil(t, violation(func() { l.Deallocate(b.Bytes()) }))
	require.NoError(t, l.Unprotect())
	l.Deallocate(b.Bytes())
}

func TestConservation(t *testing.T) {
	td := dispenser.NewTracking(nil)
	l := New(td)
	defer l.Release()

	r := rand.New(rand.NewSource(42))
	live := make(map[unsafe.Pointer][]byte)
	for i := 0; i < 2000; i++ {
		if len(live) == 0 || r.Intn(3) > 0 {
			d := l.Allocate(1 + r.Intn(300))
			require.False(t, d.IsNull())
			live[d.Address()] = d.Bytes()
		} else {
			for k, b := range live {
				l.Deallocate(b)
				delete(live, k)
				break
			}
		}
		if i%97 == 0 {
			got := liveSet(l)
			require.Len(t, got, len(live))
			for k := range live {
				require.True(t, got[k])
			}
		}
	}
	assert.Equal(t, len(live), l.NumBlocks())
	assert.Equal(t, len(live), td.Stats().BlocksInUse)
}

func TestProtectUnprotect(t *testing.T) {
	td := dispenser.NewTracking(nil)
	l := New(td)
	defer l.Release()

	// empty list
	require.NoError(t, l.Protect())
	assert.True(t, l.IsProtected())
	require.NoError(t, l.Unprotect())
	assert.False(t, l.IsProtected())

	a := l.Allocate(100)
	l.Allocate(200)
	l.Allocate(300)

	require.NoError(t, l.Protect())
	assert.True(t, l.IsProtected())
	assert.Equal(t, 3, td.NumProtectedBlocks())
	assert.True(t, td.IsProtected(a.Address()))

	// no-op when already protected
	require.NoError(t, l.Protect())
	assert.Equal(t, 3, td.Stats().Protects)

	require.NoError(t, l.Unprotect())
	require.NoError(t, l.Unprotect())
	assert.Equal(t, 0, td.NumProtectedBlocks())
	assert.Equal(t, 3, td.Stats().Unprotects)
}

func TestRelease(t *testing.T) {
	td := dispenser.NewTracking(nil)
	l := New(td)

	l.Release()
	assert.Equal(t, 0, l.NumBlocks())
	assert.False(t, l.IsProtected())

	for i := 0; i < 10; i++ {
		l.Allocate(64 * (i + 1))
	}
	require.NoError(t, l.Protect())

	// Tracking panics if a protected block is deallocated
	l.Release()
	assert.Equal(t, 0, l.NumBlocks())
	assert.False(t, l.IsProtected())
	assert.Empty(t, l.Blocks())
	assert.Equal(t, 0, td.Stats().BlocksInUse)
	// freed blocks are not referenced any more
	for _, nd := range l.nodes[:cap(l.nodes)] {
		require.True(t, nd.block.IsNull())
	}

	l.Release()
	assert.Equal(t, 0, l.NumBlocks())

	// still usable
	d := l.Allocate(10)
	assert.False(t, d.IsNull())
	l.Release()
}

func TestMmapProtection(t *testing.T) {
	if !dispenser.ProtectionSupported() {
		t.Skip("page protection not supported")
	}
	l := New(dispenser.NewMmap())
	defer l.Release()

	a := l.Allocate(100)
	b := l.Allocate(5000)
	assert.False(t, writeFaults(a.Bytes()))

	require.NoError(t, l.Protect())
	assert.True(t, writeFaults(a.Bytes()))
	assert.True(t, writeFaults(b.Bytes()))
	assert.Equal(t, byte(0xa5), a.Bytes()[0], "protected payload stays readable")

	require.NoError(t, l.Unprotect())
	assert.False(t, writeFaults(a.Bytes()))
	assert.False(t, writeFaults(b.Bytes()))

	require.NoError(t, l.Protect())
	l.Release()
	assert.False(t, l.IsProtected())
}

func TestDispenserExhaustion(t *testing.T) {
	d, err := dispenser.NewBuddyWithBlockSize(make([]byte, 8*1024), 1024, 8*1024)
	require.NoError(t, err)
	l := New(d)
	defer l.Release()

	big := l.Allocate(8*1024 - BlockHeaderSize())
	require.False(t, big.IsNull())
	assert.Equal(t, 8*1024-BlockHeaderSize(), big.Size())

	assert.True(t, l.Allocate(1).IsNull())
	assert.Equal(t, 1, l.NumBlocks())

	l.Deallocate(big.Bytes())
	assert.False(t, l.Allocate(1).IsNull())
}

var errInjected = errors.New("injected protect failure")

// failingDispenser fails the n-th Protect call.
type failingDispenser struct {
	*dispenser.Tracking
	failAt int
	calls  int
}

func (f *failingDispenser) Protect(b dispenser.MemoryBlockDescriptor) error {
	f.calls++
	if f.calls == f.failAt {
		return errInjected
	}
	return f.Tracking.Protect(b)
}

func TestProtectRollback(t *testing.T) {
	fd := &failingDispenser{Tracking: dispenser.NewTracking(nil), failAt: 3}
	l := New(fd)
	defer l.Release()
	for i := 0; i < 5; i++ {
		l.Allocate(32)
	}

	err := l.Protect()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errInjected))
	assert.False(t, l.IsProtected())
	assert.Equal(t, 0, fd.NumProtectedBlocks())

	// the list is still fully usable
	d := l.Allocate(16)
	l.Deallocate(d.Bytes())
	require.NoError(t, l.Protect())
	assert.Equal(t, 5, fd.NumProtectedBlocks())
}

func TestListsShareDispenser(t *testing.T) {
	td := dispenser.NewTracking(dispenser.NewMmap())
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			l := New(td)
			defer l.Release()
			r := rand.New(rand.NewSource(int64(w)))
			var live [][]byte
			for i := 0; i < 200; i++ {
				if len(live) > 0 && r.Intn(4) == 0 {
					l.Deallocate(live[0])
					live = live[1:]
					continue
				}
				d := l.Allocate(1 + r.Intn(8000))
				d.Bytes()[0] = byte(w)
				live = append(live, d.Bytes())
			}
			if err := l.Protect(); err != nil {
				return err
			}
			for _, b := range live {
				if b[0] != byte(w) {
					return errors.New("block content changed")
				}
			}
			return l.Unprotect()
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, td.Stats().BlocksInUse)
}

func BenchmarkAllocateDeallocate(b *testing.B) {
	l := New(dispenser.Heap{})
	defer l.Release()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d := l.Allocate(256)
		l.Deallocate(d.Bytes())
	}
}
