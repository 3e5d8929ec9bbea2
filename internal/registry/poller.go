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

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	platformregistry "github.com/glassdome/glassdome/internal/platform/registry"
)

// Poller reconciles Registry state against platform truth at tiered cadences:
// VMs of actively deploying labs fastest, the whole VM population next, host
// health slowest.
type Poller struct {
	store     *Store
	platforms *platformregistry.Registry
	intervals config.PollIntervals
	logger    *zap.Logger
}

// NewPoller creates the tiered polling agent.
func NewPoller(store *Store, platforms *platformregistry.Registry, intervals config.PollIntervals, logger *zap.Logger) *Poller {
	return &Poller{store: store, platforms: platforms, intervals: intervals, logger: logger}
}

// Run drives the three tiers until the context ends.
func (p *Poller) Run(ctx context.Context) {
	labTick := time.NewTicker(p.intervals.Lab)
	vmTick := time.NewTicker(p.intervals.VM)
	hostTick := time.NewTicker(p.intervals.Host)
	defer labTick.Stop()
	defer vmTick.Stop()
	defer hostTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-labTick.C:
			p.PollActiveLabs(ctx)
		case <-vmTick.C:
			p.PollVMs(ctx)
		case <-hostTick.C:
			p.PollHosts(ctx)
		}
	}
}

// PollActiveLabs refreshes the VMs of labs that are mid-deployment or
// mid-teardown at the fastest cadence.
func (p *Poller) PollActiveLabs(ctx context.Context) {
	for _, lab := range p.store.Labs() {
		if lab.Status != contracts.LabDeploying && lab.Status != contracts.LabDestroying {
			continue
		}
		for _, vm := range p.store.VMs() {
			if vm.OwnerLab != lab.LabID {
				continue
			}
			p.pollVM(ctx, vm, "lab")
		}
	}
}

// PollVMs refreshes every known VM record.
func (p *Poller) PollVMs(ctx context.Context) {
	for _, vm := range p.store.VMs() {
		if vm.Status == contracts.VMStatusDeleted {
			continue
		}
		p.pollVM(ctx, vm, "vm")
	}
}

// observedVM is the slice of a VMRecord a poll can actually observe.
type observedVM struct {
	Status    contracts.VMStatus
	PrimaryIP string
}

func (p *Poller) pollVM(ctx context.Context, vm *contracts.VMRecord, tier string) {
	platform, err := p.platforms.Get(vm.Platform)
	if err != nil {
		metrics.RecordPollCycle(string(vm.Platform), tier, "error")
		return
	}
	status, err := platform.GetVMStatus(ctx, vm.VMID)
	if err != nil {
		metrics.RecordPollCycle(string(vm.Platform), tier, "error")
		p.logger.Debug("polling vm status",
			zap.String("vm", vm.Ref().String()), zap.Error(err))
		return
	}

	observed := observedVM{Status: status, PrimaryIP: vm.PrimaryIP}
	if status == contracts.VMStatusRunning && vm.PrimaryIP == "" {
		if ip, err := platform.GetVMIP(ctx, vm.VMID, 5*time.Second); err == nil {
			observed.PrimaryIP = ip
		}
	}
	if status != contracts.VMStatusRunning && status != contracts.VMStatusCreating {
		observed.PrimaryIP = ""
	}

	expected := observedVM{Status: vm.Status, PrimaryIP: vm.PrimaryIP}
	if diff := cmp.Diff(expected, observed); diff != "" {
		now := time.Now().UTC()
		if observed.Status != expected.Status {
			p.store.RecordDrift(contracts.Drift{
				Entity:     vm.Ref(),
				Field:      "status",
				Expected:   string(expected.Status),
				Observed:   string(observed.Status),
				DetectedAt: now,
			})
		}
		if observed.PrimaryIP != expected.PrimaryIP {
			p.store.RecordDrift(contracts.Drift{
				Entity:     vm.Ref(),
				Field:      "primary_ip",
				Expected:   expected.PrimaryIP,
				Observed:   observed.PrimaryIP,
				DetectedAt: now,
			})
		}
		updated := *vm
		updated.Status = observed.Status
		updated.PrimaryIP = observed.PrimaryIP
		updated.UpdatedAt = now
		if _, err := p.store.Apply(ctx, updated.Ref(), &updated, contracts.SourcePoll); err != nil {
			p.logger.Warn("recording polled vm state",
				zap.String("vm", vm.Ref().String()), zap.Error(err))
		}
	}
	metrics.RecordPollCycle(string(vm.Platform), tier, "ok")
}

// PollHosts refreshes one HostRecord per registered platform.
func (p *Poller) PollHosts(ctx context.Context) {
	for _, platform := range p.platforms.All() {
		rec := contracts.HostRecord{
			Platform:   platform.ID(),
			LastPollAt: time.Now().UTC(),
		}
		if err := platform.Validate(ctx); err != nil {
			rec.Reachable = false
			rec.LastError = err.Error()
			metrics.RecordPollCycle(string(platform.ID()), "host", "error")
		} else {
			rec.Reachable = true
			if vms, err := platform.ListVMs(ctx, contracts.VMFilter{}); err == nil {
				rec.VMCount = len(vms)
			}
			if nets, err := platform.ListNetworks(ctx); err == nil {
				rec.NetworkCount = len(nets)
			}
			metrics.RecordPollCycle(string(platform.ID()), "host", "ok")
		}
		if _, err := p.store.Apply(ctx, rec.Ref(), &rec, contracts.SourcePoll); err != nil {
			p.logger.Warn("recording host state",
				zap.String("platform", string(platform.ID())), zap.Error(err))
		}
	}
}
