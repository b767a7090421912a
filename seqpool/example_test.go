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

package seqpool_test

import (
	"fmt"

	"github.com/cloudwego/blockmem/blocklist"
	"github.com/cloudwego/blockmem/dispenser"
	"github.com/cloudwego/blockmem/seqpool"
	"github.com/cloudwego/blockmem/unsafex/align"
)

func Example() {
	l := blocklist.New(dispenser.Heap{})
	defer l.Release()

	p := seqpool.NewWithSource(seqpool.BlockListSource(l), &seqpool.Option{
		GrowthStrategy: seqpool.Geometric,
		Alignment:      align.Byte,
		InitialSize:    256,
		MaxBufferSize:  1024,
	})
	defer p.Release()

	p.Allocate(250)
	p.Allocate(10) // does not fit, a 512 byte buffer replaces the first one
	p.Allocate(4000)

	m := p.Metrics()
	fmt.Println(m.Buffers, m.Oversized, m.BufferSize, m.BufferRemains, l.NumBlocks())
	// Output: 3 1 512 502 3
}
