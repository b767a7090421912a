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

//go:build unix

package dispenser

import (
	"errors"

	"golang.org/x/sys/unix"
)

const protectionSupported = true

func pageSize() int {
	return unix.Getpagesize()
}

// mapRegion maps n bytes of anonymous, private, read-write memory.
func mapRegion(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// unmapRegion releases a mapping; b must be the exact slice returned by mapRegion.
func unmapRegion(b []byte) error {
	err := unix.Munmap(b)
	if errors.Is(err, unix.EINVAL) {
		return errors.New("not a mapping returned by this dispenser")
	}
	return err
}

func protectRegion(b []byte, readOnly bool) error {
	if len(b) == 0 {
		return nil
	}
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readOnly {
		prot = unix.PROT_READ
	}
	return unix.Mprotect(b, prot)
}
