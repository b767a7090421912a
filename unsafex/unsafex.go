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

package unsafex

import "unsafe"

// Addr returns the address of the first byte of b, or 0 for a nil slice.
// It reads the slice header directly so a zero-length slice does not panic.
func Addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// Pointer is Addr as an unsafe.Pointer.
func Pointer(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}

// SliceAt returns a []byte of length and capacity n starting at p.
func SliceAt(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// Overlap reports whether the backing memory of a and b intersects.
// Capacity is taken into account, not only length.
func Overlap(a, b []byte) bool {
	if cap(a) == 0 || cap(b) == 0 {
		return false
	}
	a0, b0 := Addr(a), Addr(b)
	return a0 < b0+uintptr(cap(b)) && b0 < a0+uintptr(cap(a))
}

// Contains reports whether p lies inside the capacity of b.
func Contains(b []byte, p unsafe.Pointer) bool {
	base, x := Addr(b), uintptr(p)
	return x >= base && x < base+uintptr(cap(b))
}
