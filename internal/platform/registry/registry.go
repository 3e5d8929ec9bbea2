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

// Package registry holds the set of configured platform adapters, each wrapped
// with a per-platform rate limiter and circuit breaker.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/platform/aws"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/platform/mock"
	"github.com/glassdome/glassdome/internal/platform/proxmox"
	"github.com/glassdome/glassdome/internal/platform/proxmox/pveapi"
	"github.com/glassdome/glassdome/internal/platform/vsphere"
	"github.com/glassdome/glassdome/internal/secrets"
)

// Registry maps platform identities to their adapters.
type Registry struct {
	mu        sync.RWMutex
	platforms map[contracts.PlatformID]contracts.PlatformCapability
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{platforms: make(map[contracts.PlatformID]contracts.PlatformCapability)}
}

// Register adds or replaces an adapter under its own ID.
func (r *Registry) Register(p contracts.PlatformCapability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.ID()] = p
}

// Get returns the adapter for id.
func (r *Registry) Get(id contracts.PlatformID) (contracts.PlatformCapability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	if !ok {
		return nil, contracts.NewResourceMissing(fmt.Sprintf("platform %s is not registered", id), nil)
	}
	return p, nil
}

// IDs returns the registered platform identities in sorted order.
func (r *Registry) IDs() []contracts.PlatformID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]contracts.PlatformID, 0, len(r.platforms))
	for id := range r.platforms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns every registered adapter.
func (r *Registry) All() []contracts.PlatformCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.PlatformCapability, 0, len(r.platforms))
	for _, id := range r.IDsLocked() {
		out = append(out, r.platforms[id])
	}
	return out
}

// IDsLocked is IDs without locking, for callers already holding the lock.
func (r *Registry) IDsLocked() []contracts.PlatformID {
	ids := make([]contracts.PlatformID, 0, len(r.platforms))
	for id := range r.platforms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Build constructs adapters for every configured platform, resolves their
// credentials, and wraps each one with a rate limiter and circuit breaker.
func Build(ctx context.Context, cfg *config.Config, store secrets.Store, logger *zap.Logger) (*Registry, error) {
	reg := New()
	for i := range cfg.Platforms {
		pc := &cfg.Platforms[i]
		adapter, err := buildAdapter(ctx, pc, store, logger)
		if err != nil {
			return nil, fmt.Errorf("building platform %s: %w", pc.ID, err)
		}
		reg.Register(Guard(adapter, pc.RateQPS, pc.RateBurst, nil))
		logger.Info("registered platform",
			zap.String("platform", pc.ID),
			zap.String("kind", pc.Kind))
	}
	return reg, nil
}

func buildAdapter(ctx context.Context, pc *config.PlatformConfig, store secrets.Store, logger *zap.Logger) (contracts.PlatformCapability, error) {
	id := contracts.PlatformID(pc.ID)

	var creds *secrets.Credentials
	if pc.CredentialsRef != "" {
		var err error
		creds, err = store.Resolve(ctx, pc.CredentialsRef)
		if err != nil {
			return nil, err
		}
	} else {
		creds = &secrets.Credentials{}
	}

	switch contracts.PlatformKind(pc.Kind) {
	case contracts.PlatformProxmox:
		client, err := pveapi.NewClient(&pveapi.Config{
			Endpoint:           pc.Endpoint,
			TokenID:            creds.TokenID,
			TokenSecret:        creds.TokenValue,
			Username:           creds.Username,
			Password:           creds.Password,
			InsecureSkipVerify: !pc.TLSVerify(),
			DefaultNode:        pc.DefaultNode,
			DefaultStorage:     pc.DefaultStorage,
		})
		if err != nil {
			return nil, err
		}
		return proxmox.New(id, client, logger), nil
	case contracts.PlatformESXi:
		return vsphere.New(id, &vsphere.Config{
			Endpoint:           pc.Endpoint,
			Username:           creds.Username,
			Password:           creds.Password,
			Datacenter:         pc.Datacenter,
			Datastore:          pc.Datastore,
			ResourcePool:       pc.ResourcePool,
			Folder:             pc.Folder,
			InsecureSkipVerify: !pc.TLSVerify(),
		}, logger), nil
	case contracts.PlatformAWS:
		return aws.New(id, &aws.Config{
			Region:    pc.Region,
			AccessKey: creds.AccessKey,
			SecretKey: creds.SecretKey,
			VPCID:     pc.VPCID,
		}, logger)
	case contracts.PlatformMock:
		return mock.New(id), nil
	default:
		return nil, contracts.NewValidation("kind",
			fmt.Sprintf("no adapter available for platform kind %q", pc.Kind))
	}
}

// Validate probes every registered platform and returns the first failure.
func (r *Registry) Validate(ctx context.Context) error {
	for _, p := range r.All() {
		if err := p.Validate(ctx); err != nil {
			return fmt.Errorf("platform %s: %w", p.ID(), err)
		}
	}
	return nil
}
