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

package contract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catch(f func()) (v *Violation) {
	defer func() {
		v = Recover(recover())
	}()
	f()
	return nil
}

func TestAssert(t *testing.T) {
	require.True(t, Enabled)

	assert.Nil(t, catch(func() { Assert(true, "op", "fine") }))

	v := catch(func() { Assert(false, "blocklist.Deallocate", "list is protected") })
	require.NotNil(t, v)
	assert.Equal(t, "blocklist.Deallocate", v.Op)
	assert.True(t, errors.Is(v, ErrContractViolation))
	assert.False(t, errors.Is(v, ErrInvalidArgument))
	assert.Equal(t, "blocklist.Deallocate: contract violation: list is protected", v.Error())
}

func TestAssertArg(t *testing.T) {
	v := catch(func() { AssertArg(false, "seqpool.Allocate", "size must be positive") })
	require.NotNil(t, v)
	assert.True(t, errors.Is(v, ErrContractViolation))
	assert.True(t, errors.Is(v, ErrInvalidArgument))
}

func TestRecoverForeignPanic(t *testing.T) {
	assert.Nil(t, Recover("boom"))
	assert.Nil(t, Recover(nil))
}
