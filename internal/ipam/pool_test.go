/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipam

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/platform/contracts"
)

func testPool(t *testing.T, start, end string) *Pool {
	t.Helper()
	pool, err := NewPool(&config.IPPoolConfig{
		CIDR:       "10.10.0.0/24",
		RangeStart: start,
		RangeEnd:   end,
		Gateway:    "10.10.0.1",
		DNS:        []string{"10.10.0.1"},
	})
	require.NoError(t, err)
	return pool
}

func vmRef(name string) contracts.EntityRef {
	return contracts.EntityRef{Kind: "vm", ID: "pve/" + name}
}

func TestAllocateAscending(t *testing.T) {
	pool := testPool(t, "10.10.0.50", "10.10.0.52")

	a, err := pool.Allocate(vmRef("web01"))
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.50", a.IP)
	assert.False(t, a.Fallback)
	assert.Equal(t, "10.10.0.0/24", a.CIDR)

	b, err := pool.Allocate(vmRef("web02"))
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.51", b.IP)
}

func TestAllocateFallbackDescending(t *testing.T) {
	pool := testPool(t, "10.10.0.50", "10.10.0.51")

	for i := 0; i < 2; i++ {
		_, err := pool.Allocate(vmRef(fmt.Sprintf("vm%02d", i)))
		require.NoError(t, err)
	}

	// Range exhausted: next allocations walk down from broadcast-1.
	a, err := pool.Allocate(vmRef("extra01"))
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.254", a.IP)
	assert.True(t, a.Fallback)

	b, err := pool.Allocate(vmRef("extra02"))
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.253", b.IP)
	assert.True(t, b.Fallback)
}

func TestAllocateSkipsGateway(t *testing.T) {
	pool, err := NewPool(&config.IPPoolConfig{
		CIDR:       "10.20.0.0/24",
		RangeStart: "10.20.0.1",
		RangeEnd:   "10.20.0.3",
		Gateway:    "10.20.0.1",
	})
	require.NoError(t, err)

	a, err := pool.Allocate(vmRef("vm"))
	require.NoError(t, err)
	assert.Equal(t, "10.20.0.2", a.IP)
}

func TestReleaseAndReuse(t *testing.T) {
	pool := testPool(t, "10.10.0.50", "10.10.0.51")

	a, err := pool.Allocate(vmRef("a"))
	require.NoError(t, err)
	_, err = pool.Allocate(vmRef("b"))
	require.NoError(t, err)

	pool.Release(a.IP)
	c, err := pool.Allocate(vmRef("c"))
	require.NoError(t, err)
	assert.Equal(t, a.IP, c.IP)
}

func TestReleaseOwner(t *testing.T) {
	pool := testPool(t, "10.10.0.50", "10.10.0.60")

	owner := vmRef("multi")
	_, err := pool.Allocate(owner)
	require.NoError(t, err)
	_, err = pool.Allocate(owner)
	require.NoError(t, err)
	_, err = pool.Allocate(vmRef("other"))
	require.NoError(t, err)

	pool.ReleaseOwner(owner)
	assert.Equal(t, 1, pool.Allocated())
}

func TestReserveConflict(t *testing.T) {
	pool := testPool(t, "10.10.0.50", "10.10.0.60")

	_, err := pool.Reserve("10.10.0.55", vmRef("a"))
	require.NoError(t, err)

	_, err = pool.Reserve("10.10.0.55", vmRef("b"))
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
}

func TestReserveOutsidePool(t *testing.T) {
	pool := testPool(t, "10.10.0.50", "10.10.0.60")

	_, err := pool.Reserve("192.168.1.5", vmRef("a"))
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
}

func TestPoolExhaustedIsTransient(t *testing.T) {
	pool, err := NewPool(&config.IPPoolConfig{
		CIDR:       "10.30.0.0/30",
		RangeStart: "10.30.0.1",
		RangeEnd:   "10.30.0.2",
		Gateway:    "10.30.0.1",
	})
	require.NoError(t, err)

	// .1 is the gateway, .2 is the single usable range address, .3 is broadcast.
	_, err = pool.Allocate(vmRef("a"))
	require.NoError(t, err)

	_, err = pool.Allocate(vmRef("b"))
	require.Error(t, err)
	assert.True(t, contracts.IsTransient(err))
}

func TestManagerPoolFor(t *testing.T) {
	m, err := NewManager([]config.IPPoolConfig{
		{CIDR: "10.10.0.0/24", RangeStart: "10.10.0.50", RangeEnd: "10.10.0.200", Gateway: "10.10.0.1"},
		{CIDR: "10.20.0.0/24", RangeStart: "10.20.0.10", RangeEnd: "10.20.0.100", Gateway: "10.20.0.1"},
	})
	require.NoError(t, err)

	byCIDR, err := m.PoolFor("10.20.0.0/24")
	require.NoError(t, err)
	assert.Equal(t, "10.20.0.0/24", byCIDR.CIDR())

	byAddr, err := m.PoolFor("10.10.0.77")
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.0/24", byAddr.CIDR())

	_, err = m.PoolFor("172.16.0.0/16")
	require.Error(t, err)
	assert.True(t, contracts.IsResourceMissing(err))
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(&config.IPPoolConfig{
		CIDR: "10.10.0.0/24", RangeStart: "10.99.0.1", RangeEnd: "10.99.0.2", Gateway: "10.10.0.1",
	})
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))

	_, err = NewPool(&config.IPPoolConfig{
		CIDR: "not-a-cidr", RangeStart: "10.10.0.1", RangeEnd: "10.10.0.2", Gateway: "10.10.0.1",
	})
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
}
