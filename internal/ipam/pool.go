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

// Package ipam manages static IP allocation from configured pools.
package ipam

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go4.org/netipx"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// Pool allocates addresses from one CIDR. Addresses are handed out ascending
// within [range_start, range_end]; when the range is exhausted, allocation
// falls back to descending from broadcast-1, stopping above range_end. An
// (addr) is never handed out twice while held.
type Pool struct {
	prefix  netip.Prefix
	rng     netipx.IPRange
	gateway netip.Addr
	dns     []string

	mu        sync.Mutex
	allocated map[netip.Addr]contracts.EntityRef
}

// NewPool builds a pool from configuration.
func NewPool(cfg *config.IPPoolConfig) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cfg.CIDR)
	if err != nil {
		return nil, contracts.NewValidation("ip_pools.cidr", fmt.Sprintf("invalid cidr %q: %v", cfg.CIDR, err))
	}
	prefix = prefix.Masked()

	rng, err := netipx.ParseIPRange(cfg.RangeStart + "-" + cfg.RangeEnd)
	if err != nil {
		return nil, contracts.NewValidation("ip_pools.range_start",
			fmt.Sprintf("invalid range %s-%s: %v", cfg.RangeStart, cfg.RangeEnd, err))
	}
	if !prefix.Contains(rng.From()) || !prefix.Contains(rng.To()) {
		return nil, contracts.NewValidation("ip_pools.range_start",
			fmt.Sprintf("range %s is outside cidr %s", rng, prefix))
	}

	gw, err := netip.ParseAddr(cfg.Gateway)
	if err != nil {
		return nil, contracts.NewValidation("ip_pools.gateway", fmt.Sprintf("invalid gateway %q: %v", cfg.Gateway, err))
	}

	return &Pool{
		prefix:    prefix,
		rng:       rng,
		gateway:   gw,
		dns:       cfg.DNS,
		allocated: make(map[netip.Addr]contracts.EntityRef),
	}, nil
}

// CIDR returns the pool's network in prefix notation.
func (p *Pool) CIDR() string { return p.prefix.String() }

// Gateway returns the pool's gateway address.
func (p *Pool) Gateway() string { return p.gateway.String() }

// DNS returns the pool's resolver addresses.
func (p *Pool) DNS() []string { return p.dns }

// Allocate hands the next free address to owner.
func (p *Pool) Allocate(owner contracts.EntityRef) (*contracts.IPAllocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Primary: ascending through the configured range.
	for addr := p.rng.From(); addr.Compare(p.rng.To()) <= 0; addr = addr.Next() {
		if p.free(addr) {
			return p.take(addr, owner, false), nil
		}
	}

	// Fallback: descending from broadcast-1, staying above the range.
	broadcast := netipx.RangeOfPrefix(p.prefix).To()
	for addr := broadcast.Prev(); addr.Compare(p.rng.To()) > 0; addr = addr.Prev() {
		if p.free(addr) {
			return p.take(addr, owner, true), nil
		}
	}

	return nil, contracts.NewTransient(fmt.Sprintf("ip pool %s exhausted", p.prefix), nil)
}

// Reserve pins a specific address for owner, failing if it is held.
func (p *Pool) Reserve(ip string, owner contracts.EntityRef) (*contracts.IPAllocation, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, contracts.NewValidation("ip", fmt.Sprintf("invalid address %q: %v", ip, err))
	}
	if !p.prefix.Contains(addr) {
		return nil, contracts.NewValidation("ip", fmt.Sprintf("address %s is outside pool %s", addr, p.prefix))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.free(addr) {
		return nil, contracts.NewValidation("ip",
			fmt.Sprintf("address %s is already allocated to %s", addr, p.allocated[addr]))
	}
	return p.take(addr, owner, false), nil
}

// Release returns an address to the pool. Releasing a free address is a no-op.
func (p *Pool) Release(ip string) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, addr)
}

// ReleaseOwner returns every address held by owner.
func (p *Pool) ReleaseOwner(owner contracts.EntityRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, ref := range p.allocated {
		if ref == owner {
			delete(p.allocated, addr)
		}
	}
}

// Allocated returns the number of held addresses.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

func (p *Pool) free(addr netip.Addr) bool {
	if addr == p.gateway {
		return false
	}
	_, held := p.allocated[addr]
	return !held
}

func (p *Pool) take(addr netip.Addr, owner contracts.EntityRef, fallback bool) *contracts.IPAllocation {
	p.allocated[addr] = owner
	metrics.RecordIPAllocation(p.prefix.String(), fallback)
	return &contracts.IPAllocation{
		CIDR:        p.prefix.String(),
		IP:          addr.String(),
		VMRef:       owner.String(),
		Fallback:    fallback,
		AllocatedAt: time.Now().UTC(),
	}
}

// Manager holds every configured pool, keyed by CIDR.
type Manager struct {
	pools map[string]*Pool
}

// NewManager builds the pool set from configuration.
func NewManager(cfgs []config.IPPoolConfig) (*Manager, error) {
	m := &Manager{pools: make(map[string]*Pool, len(cfgs))}
	for i := range cfgs {
		pool, err := NewPool(&cfgs[i])
		if err != nil {
			return nil, err
		}
		if _, dup := m.pools[pool.CIDR()]; dup {
			return nil, contracts.NewValidation("ip_pools.cidr",
				fmt.Sprintf("duplicate pool cidr %s", pool.CIDR()))
		}
		m.pools[pool.CIDR()] = pool
	}
	return m, nil
}

// PoolFor returns the pool whose network contains addr-or-cidr. The argument
// may be a prefix ("10.10.0.0/24") or a bare address inside a pool.
func (m *Manager) PoolFor(cidrOrAddr string) (*Pool, error) {
	if prefix, err := netip.ParsePrefix(cidrOrAddr); err == nil {
		if pool, ok := m.pools[prefix.Masked().String()]; ok {
			return pool, nil
		}
		return nil, contracts.NewResourceMissing(fmt.Sprintf("no ip pool configured for %s", prefix.Masked()), nil)
	}
	addr, err := netip.ParseAddr(cidrOrAddr)
	if err != nil {
		return nil, contracts.NewValidation("cidr", fmt.Sprintf("invalid pool selector %q", cidrOrAddr))
	}
	for _, pool := range m.pools {
		if pool.prefix.Contains(addr) {
			return pool, nil
		}
	}
	return nil, contracts.NewResourceMissing(fmt.Sprintf("no ip pool contains %s", addr), nil)
}

// Pools returns every configured pool.
func (m *Manager) Pools() []*Pool {
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}
