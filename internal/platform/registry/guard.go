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

package registry

import (
	"context"
	"time"

	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/resilience"
)

// guarded decorates a platform adapter with a token-bucket rate limiter and a
// circuit breaker. Every remote call waits for a token first; breaker
// rejections surface as Transient errors with a retry hint.
type guarded struct {
	inner   contracts.PlatformCapability
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

// Guard wraps an adapter with per-platform resilience controls.
func Guard(inner contracts.PlatformCapability, qps float64, burst int, breakerCfg *resilience.BreakerConfig) contracts.PlatformCapability {
	return &guarded{
		inner:   inner,
		limiter: resilience.NewRateLimiter(inner.ID(), qps, burst),
		breaker: resilience.NewCircuitBreaker(inner.ID(), breakerCfg),
	}
}

// call runs fn behind the limiter and breaker. Validation and missing-resource
// results do not count against the breaker; they are the caller's fault, not
// the platform's.
func (g *guarded) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.breaker.Call(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if contracts.IsValidation(err) || contracts.IsResourceMissing(err) {
			// Report success to the breaker but keep the error for the caller.
			return nil
		}
		return err
	})
}

// callErr is call for operations whose own error must always reach the caller.
func (g *guarded) callErr(ctx context.Context, fn func(ctx context.Context) error) error {
	var opErr error
	brErr := g.call(ctx, func(ctx context.Context) error {
		opErr = fn(ctx)
		return opErr
	})
	if opErr != nil {
		return opErr
	}
	return brErr
}

func (g *guarded) ID() contracts.PlatformID { return g.inner.ID() }

func (g *guarded) Capabilities() contracts.Capabilities { return g.inner.Capabilities() }

func (g *guarded) Validate(ctx context.Context) error {
	return g.callErr(ctx, g.inner.Validate)
}

func (g *guarded) CreateVM(ctx context.Context, spec contracts.VMSpec) (*contracts.VMRecord, error) {
	var rec *contracts.VMRecord
	err := g.callErr(ctx, func(ctx context.Context) error {
		var err error
		rec, err = g.inner.CreateVM(ctx, spec)
		return err
	})
	return rec, err
}

func (g *guarded) CloneFromTemplate(ctx context.Context, templateID string, spec contracts.VMSpec, params contracts.Parameterization) (*contracts.VMRecord, error) {
	var rec *contracts.VMRecord
	err := g.callErr(ctx, func(ctx context.Context) error {
		var err error
		rec, err = g.inner.CloneFromTemplate(ctx, templateID, spec, params)
		return err
	})
	return rec, err
}

func (g *guarded) InjectConfig(ctx context.Context, vmID string, params contracts.Parameterization) error {
	return g.callErr(ctx, func(ctx context.Context) error {
		return g.inner.InjectConfig(ctx, vmID, params)
	})
}

func (g *guarded) StartVM(ctx context.Context, vmID string) error {
	return g.callErr(ctx, func(ctx context.Context) error { return g.inner.StartVM(ctx, vmID) })
}

func (g *guarded) StopVM(ctx context.Context, vmID string) error {
	return g.callErr(ctx, func(ctx context.Context) error { return g.inner.StopVM(ctx, vmID) })
}

func (g *guarded) RebootVM(ctx context.Context, vmID string) error {
	return g.callErr(ctx, func(ctx context.Context) error { return g.inner.RebootVM(ctx, vmID) })
}

func (g *guarded) DeleteVM(ctx context.Context, vmID string) error {
	return g.callErr(ctx, func(ctx context.Context) error { return g.inner.DeleteVM(ctx, vmID) })
}

func (g *guarded) GetVMStatus(ctx context.Context, vmID string) (contracts.VMStatus, error) {
	var status contracts.VMStatus
	err := g.callErr(ctx, func(ctx context.Context) error {
		var err error
		status, err = g.inner.GetVMStatus(ctx, vmID)
		return err
	})
	return status, err
}

func (g *guarded) GetVMIP(ctx context.Context, vmID string, timeout time.Duration) (string, error) {
	var ip string
	err := g.callErr(ctx, func(ctx context.Context) error {
		var err error
		ip, err = g.inner.GetVMIP(ctx, vmID, timeout)
		return err
	})
	return ip, err
}

func (g *guarded) ListVMs(ctx context.Context, filter contracts.VMFilter) ([]contracts.VMRecord, error) {
	var records []contracts.VMRecord
	err := g.callErr(ctx, func(ctx context.Context) error {
		var err error
		records, err = g.inner.ListVMs(ctx, filter)
		return err
	})
	return records, err
}

func (g *guarded) ListTemplates(ctx context.Context) ([]contracts.Template, error) {
	var templates []contracts.Template
	err := g.callErr(ctx, func(ctx context.Context) error {
		var err error
		templates, err = g.inner.ListTemplates(ctx)
		return err
	})
	return templates, err
}

func (g *guarded) ListNetworks(ctx context.Context) ([]contracts.NetworkRecord, error) {
	var networks []contracts.NetworkRecord
	err := g.callErr(ctx, func(ctx context.Context) error {
		var err error
		networks, err = g.inner.ListNetworks(ctx)
		return err
	})
	return networks, err
}

func (g *guarded) CreateNetwork(ctx context.Context, spec contracts.NetworkSpec) (*contracts.NetworkRecord, error) {
	var rec *contracts.NetworkRecord
	err := g.callErr(ctx, func(ctx context.Context) error {
		var err error
		rec, err = g.inner.CreateNetwork(ctx, spec)
		return err
	})
	return rec, err
}

func (g *guarded) DeleteNetwork(ctx context.Context, networkID string) error {
	return g.callErr(ctx, func(ctx context.Context) error { return g.inner.DeleteNetwork(ctx, networkID) })
}

// BreakerState exposes the wrapped breaker state for health reporting.
func (g *guarded) BreakerState() resilience.State { return g.breaker.GetState() }
