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

// Package bufchain implements a seekable stream over a chain of fixed-size
// buffers obtained from a Factory.
package bufchain

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/bytedance/gopkg/lang/span"
	"github.com/eapache/queue"

	"github.com/cloudwego/blockmem/contract"
)

var (
	ErrNegativeCount  = errors.New("bufchain: negative count")
	ErrInvalidWhence  = errors.New("bufchain: invalid whence")
	ErrSeekOutOfRange = errors.New("bufchain: seek position out of range")
	ErrNoBuffer       = errors.New("bufchain: buffer factory exhausted")
)

var (
	spanCache     = span.NewSpanCache(1 << 20)
	streamBufPool = sync.Pool{
		New: func() interface{} {
			return &StreamBuf{chain: queue.New()}
		},
	}
)

// cursor addresses a byte as (buffer index, offset within buffer).
// off is always below the buffer size; idx may point one past the chain.
type cursor struct {
	idx, off int
}

// StreamBuf is a stream with independent read and write positions over a
// chain of factory buffers. Written data spans [0, Len()).
//
// A StreamBuf is not safe for concurrent use.
type StreamBuf struct {
	f     *Factory
	size  int
	chain *queue.Queue // of []byte, all of length size

	r, w   cursor
	length int
}

// NewStreamBuf returns an empty stream whose buffers come from f.
func NewStreamBuf(f *Factory) *StreamBuf {
	contract.AssertArg(f != nil, "bufchain.NewStreamBuf", "nil factory")
	sb := streamBufPool.Get().(*StreamBuf)
	sb.f = f
	sb.size = f.BufferSize()
	return sb
}

func (sb *StreamBuf) pos(c cursor) int {
	return c.idx*sb.size + c.off
}

func (sb *StreamBuf) at(pos int) cursor {
	return cursor{idx: pos / sb.size, off: pos % sb.size}
}

func (sb *StreamBuf) buffer(i int) []byte {
	return sb.chain.Get(i).([]byte)
}

// grow makes sure the chain holds buffer i.
func (sb *StreamBuf) grow(i int) bool {
	for sb.chain.Length() <= i {
		b := sb.f.Get()
		if b == nil {
			return false
		}
		sb.chain.Add(b)
	}
	return true
}

// Write writes p at the write position, growing the chain as needed.
// It only fails with ErrNoBuffer.
func (sb *StreamBuf) Write(p []byte) (n int, err error) {
	for n < len(p) {
		if !sb.grow(sb.w.idx) {
			err = ErrNoBuffer
			break
		}
		m := copy(sb.buffer(sb.w.idx)[sb.w.off:], p[n:])
		n += m
		sb.advanceWrite(m)
	}
	return n, err
}

// WriteString is Write for a string.
func (sb *StreamBuf) WriteString(s string) (n int, err error) {
	for n < len(s) {
		if !sb.grow(sb.w.idx) {
			err = ErrNoBuffer
			break
		}
		m := copy(sb.buffer(sb.w.idx)[sb.w.off:], s[n:])
		n += m
		sb.advanceWrite(m)
	}
	return n, err
}

// WriteByte writes c at the write position.
func (sb *StreamBuf) WriteByte(c byte) error {
	if !sb.grow(sb.w.idx) {
		return ErrNoBuffer
	}
	sb.buffer(sb.w.idx)[sb.w.off] = c
	sb.advanceWrite(1)
	return nil
}

func (sb *StreamBuf) advanceWrite(m int) {
	sb.w.off += m
	if sb.w.off == sb.size {
		sb.w.idx++
		sb.w.off = 0
	}
	if p := sb.pos(sb.w); p > sb.length {
		sb.length = p
	}
}

// ReadFrom writes data read from r until io.EOF.
func (sb *StreamBuf) ReadFrom(r io.Reader) (n int64, err error) {
	for {
		if !sb.grow(sb.w.idx) {
			return n, ErrNoBuffer
		}
		m, rerr := r.Read(sb.buffer(sb.w.idx)[sb.w.off:])
		if m < 0 {
			panic("bufchain: reader returned negative count")
		}
		n += int64(m)
		sb.advanceWrite(m)
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

// Remaining returns the number of bytes between the read position and Len.
func (sb *StreamBuf) Remaining() int {
	if r := sb.length - sb.pos(sb.r); r > 0 {
		return r
	}
	return 0
}

// Read reads up to len(p) bytes from the read position.
// At the end of the written data it returns io.EOF.
func (sb *StreamBuf) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	avail := sb.Remaining()
	if avail == 0 {
		return 0, io.EOF
	}
	if len(p) > avail {
		p = p[:avail]
	}
	for n < len(p) {
		m := copy(p[n:], sb.buffer(sb.r.idx)[sb.r.off:])
		n += m
		sb.advanceRead(m)
	}
	return n, nil
}

// ReadByte reads one byte from the read position.
func (sb *StreamBuf) ReadByte() (byte, error) {
	if sb.Remaining() == 0 {
		return 0, io.EOF
	}
	c := sb.buffer(sb.r.idx)[sb.r.off]
	sb.advanceRead(1)
	return c, nil
}

func (sb *StreamBuf) advanceRead(m int) {
	sb.r.off += m
	if sb.r.off == sb.size {
		sb.r.idx++
		sb.r.off = 0
	}
}

// Next returns the next n bytes and advances the read position past them.
//
// If the bytes lie in one buffer the result aliases it and stays valid until
// the data is overwritten or the StreamBuf is reset. Otherwise they are
// copied. If fewer than n bytes remain, Next returns io.EOF and does not move.
func (sb *StreamBuf) Next(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeCount
	}
	if n > sb.Remaining() {
		return nil, io.EOF
	}
	if n == 0 {
		return []byte{}, nil
	}
	if sb.r.off+n <= sb.size {
		b := sb.buffer(sb.r.idx)[sb.r.off : sb.r.off+n : sb.r.off+n]
		sb.advanceRead(n)
		return b, nil
	}
	b := spanCache.Make(n)
	m, _ := sb.Read(b)
	contract.Assert(m == n, "bufchain.StreamBuf.Next", "short read within the written data")
	return b, nil
}

// Seek moves the read position. whence is relative to 0, the read position
// or Len. Positions outside [0, Len()] yield ErrSeekOutOfRange.
func (sb *StreamBuf) Seek(offset int64, whence int) (int64, error) {
	p, err := sb.seek(sb.pos(sb.r), offset, whence)
	if err != nil {
		return int64(sb.pos(sb.r)), err
	}
	sb.r = sb.at(p)
	return int64(p), nil
}

// SeekWrite moves the write position, like Seek does for the read position.
// Writing before Len overwrites data.
func (sb *StreamBuf) SeekWrite(offset int64, whence int) (int64, error) {
	p, err := sb.seek(sb.pos(sb.w), offset, whence)
	if err != nil {
		return int64(sb.pos(sb.w)), err
	}
	sb.w = sb.at(p)
	return int64(p), nil
}

func (sb *StreamBuf) seek(cur int, offset int64, whence int) (int, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(cur)
	case io.SeekEnd:
		base = int64(sb.length)
	default:
		return 0, ErrInvalidWhence
	}
	p := base + offset
	if p < 0 || p > int64(sb.length) {
		return 0, ErrSeekOutOfRange
	}
	return int(p), nil
}

// Len returns the number of bytes written, that is the end of the stream.
func (sb *StreamBuf) Len() int {
	return sb.length
}

// NumBuffers returns the length of the chain.
func (sb *StreamBuf) NumBuffers() int {
	return sb.chain.Length()
}

// Bytes returns the written data as one slice per buffer. The slices alias
// the chain.
func (sb *StreamBuf) Bytes() [][]byte {
	return sb.segments(0)
}

func (sb *StreamBuf) segments(from int) [][]byte {
	if from >= sb.length {
		return nil
	}
	first, last := sb.at(from), sb.at(sb.length-1)
	ret := make([][]byte, 0, last.idx-first.idx+1)
	for i := first.idx; i <= last.idx; i++ {
		b := sb.buffer(i)
		lo, hi := 0, sb.size
		if i == first.idx {
			lo = first.off
		}
		if i == last.idx {
			hi = last.off + 1
		}
		ret = append(ret, b[lo:hi:hi])
	}
	return ret
}

// WriteTo writes the data between the read position and Len to w with one
// vectored write where w supports it, then advances the read position.
func (sb *StreamBuf) WriteTo(w io.Writer) (n int64, err error) {
	bufs := net.Buffers(sb.segments(sb.pos(sb.r)))
	n, err = bufs.WriteTo(w)
	sb.r = sb.at(sb.pos(sb.r) + int(n))
	return n, err
}

// Reset gives every buffer back to the factory and empties the stream.
func (sb *StreamBuf) Reset() {
	for sb.chain.Length() > 0 {
		sb.f.Put(sb.chain.Remove().([]byte))
	}
	sb.r, sb.w = cursor{}, cursor{}
	sb.length = 0
}

// Free resets the stream and recycles it. sb must not be used afterwards.
func (sb *StreamBuf) Free() {
	if sb == nil {
		return
	}
	sb.Reset()
	sb.f = nil
	sb.size = 0
	streamBufPool.Put(sb)
}
