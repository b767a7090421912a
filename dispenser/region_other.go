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

//go:build !unix

package dispenser

import "github.com/bytedance/gopkg/lang/dirtmake"

const protectionSupported = false

func pageSize() int {
	return 4096
}

// mapRegion falls back to heap memory when mmap is not available.
func mapRegion(n int) ([]byte, error) {
	return dirtmake.Bytes(n, n), nil
}

func unmapRegion([]byte) error { return nil }

func protectRegion([]byte, bool) error { return nil }
