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

// Package mock provides a deterministic in-memory platform used by tests and
// by the dry-run deployment path.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// Provider is an in-memory contracts.PlatformCapability.
type Provider struct {
	id contracts.PlatformID

	mu       sync.Mutex
	vms      map[string]*contracts.VMRecord
	networks map[string]*contracts.NetworkRecord
	nextID   int

	// Templates seeds ListTemplates
	Templates []contracts.Template
	// FailOn makes the named operation fail once with the given error
	FailOn map[string]error
	// IPDelay defers IP discovery after StartVM
	IPDelay time.Duration

	started map[string]time.Time
}

// New creates an empty mock platform with one Ubuntu template.
func New(id contracts.PlatformID) *Provider {
	return &Provider{
		id:       id,
		vms:      make(map[string]*contracts.VMRecord),
		networks: make(map[string]*contracts.NetworkRecord),
		nextID:   1,
		Templates: []contracts.Template{{
			ID:            "9000",
			Name:          "ubuntu-22.04-tmpl",
			OSFamily:      contracts.OSUbuntu,
			OSVersion:     "22.04",
			HasGuestAgent: true,
			HasCloudInit:  true,
		}},
		FailOn:  make(map[string]error),
		started: make(map[string]time.Time),
	}
}

func (p *Provider) fail(op string) error {
	if err, ok := p.FailOn[op]; ok {
		delete(p.FailOn, op)
		return err
	}
	return nil
}

// ID returns the registered platform identity.
func (p *Provider) ID() contracts.PlatformID { return p.id }

// Capabilities advertises full support.
func (p *Provider) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{
		OnPrem:            true,
		GuestAgentChannel: true,
		CloudInitClone:    true,
		ConfigDrive:       true,
		NetworkCreate:     true,
		SupportedDiskBuses: []contracts.DiskBus{
			contracts.DiskBusVirtIOSCSI,
			contracts.DiskBusSATA,
		},
	}
}

// Validate always succeeds unless a failure is injected.
func (p *Provider) Validate(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail("validate")
}

// CreateVM stores a new VM in CREATING state.
func (p *Provider) CreateVM(_ context.Context, spec contracts.VMSpec) (*contracts.VMRecord, error) {
	return p.create(spec)
}

// CloneFromTemplate stores a new VM in CREATING state.
func (p *Provider) CloneFromTemplate(_ context.Context, templateID string, spec contracts.VMSpec, params contracts.Parameterization) (*contracts.VMRecord, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	found := false
	for _, tmpl := range p.Templates {
		if tmpl.ID == templateID {
			found = true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		return nil, contracts.NewResourceMissing(fmt.Sprintf("template %q not found", templateID), nil)
	}
	return p.create(spec)
}

func (p *Provider) create(spec contracts.VMSpec) (*contracts.VMRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("create"); err != nil {
		return nil, err
	}

	id := fmt.Sprintf("%d", 100+p.nextID)
	p.nextID++
	now := time.Now().UTC()
	rec := &contracts.VMRecord{
		VMID:       id,
		Platform:   p.id,
		Spec:       spec,
		Status:     contracts.VMStatusCreating,
		GuestTools: contracts.GuestToolsRunning,
		OwnerLab:   spec.Tags["lab"],
		Tags:       spec.Tags,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.vms[id] = rec
	copied := *rec
	return &copied, nil
}

// InjectConfig is a no-op unless a failure is injected.
func (p *Provider) InjectConfig(_ context.Context, vmID string, params contracts.Parameterization) error {
	if err := params.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("inject"); err != nil {
		return err
	}
	if _, ok := p.vms[vmID]; !ok {
		return contracts.NewResourceMissing(fmt.Sprintf("vm %s not found", vmID), nil)
	}
	return nil
}

// StartVM transitions the VM to RUNNING.
func (p *Provider) StartVM(_ context.Context, vmID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("start"); err != nil {
		return err
	}
	vm, ok := p.vms[vmID]
	if !ok {
		return contracts.NewResourceMissing(fmt.Sprintf("vm %s not found", vmID), nil)
	}
	vm.Status = contracts.VMStatusRunning
	vm.UpdatedAt = time.Now().UTC()
	p.started[vmID] = time.Now()
	return nil
}

// StopVM transitions the VM to STOPPED.
func (p *Provider) StopVM(_ context.Context, vmID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("stop"); err != nil {
		return err
	}
	vm, ok := p.vms[vmID]
	if !ok {
		return contracts.NewResourceMissing(fmt.Sprintf("vm %s not found", vmID), nil)
	}
	vm.Status = contracts.VMStatusStopped
	vm.UpdatedAt = time.Now().UTC()
	return nil
}

// RebootVM leaves a running VM running.
func (p *Provider) RebootVM(_ context.Context, vmID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.vms[vmID]; !ok {
		return contracts.NewResourceMissing(fmt.Sprintf("vm %s not found", vmID), nil)
	}
	return nil
}

// DeleteVM removes the VM. Deleting an absent VM succeeds.
func (p *Provider) DeleteVM(_ context.Context, vmID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("delete"); err != nil {
		return err
	}
	delete(p.vms, vmID)
	return nil
}

// GetVMStatus returns the stored status, DELETED for absent VMs.
func (p *Provider) GetVMStatus(_ context.Context, vmID string) (contracts.VMStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vm, ok := p.vms[vmID]
	if !ok {
		return contracts.VMStatusDeleted, nil
	}
	return vm.Status, nil
}

// GetVMIP reports a deterministic address once the VM runs and IPDelay has
// elapsed. If the VM spec carried a static address it is returned verbatim.
func (p *Provider) GetVMIP(_ context.Context, vmID string, timeout time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("get_ip"); err != nil {
		return "", err
	}
	vm, ok := p.vms[vmID]
	if !ok {
		return "", contracts.NewResourceMissing(fmt.Sprintf("vm %s not found", vmID), nil)
	}
	if vm.Status != contracts.VMStatusRunning {
		return "", contracts.NewTransient(fmt.Sprintf("vm %s is not running", vmID), nil)
	}
	if p.IPDelay > 0 && time.Since(p.started[vmID]) < p.IPDelay {
		return "", contracts.NewTransient("guest agent not yet reporting", nil)
	}
	if ip := vm.Tags["static_ip"]; ip != "" {
		vm.PrimaryIP = ip
		return ip, nil
	}
	vm.PrimaryIP = fmt.Sprintf("10.250.0.%s", vm.VMID)
	return vm.PrimaryIP, nil
}

// ListVMs returns stored VMs matching the filter.
func (p *Provider) ListVMs(_ context.Context, filter contracts.VMFilter) ([]contracts.VMRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("list"); err != nil {
		return nil, err
	}
	var records []contracts.VMRecord
	for _, vm := range p.vms {
		if filter.Matches(vm) {
			records = append(records, *vm)
		}
	}
	return records, nil
}

// ListTemplates returns the seeded templates.
func (p *Provider) ListTemplates(_ context.Context) ([]contracts.Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]contracts.Template(nil), p.Templates...), nil
}

// ListNetworks returns stored networks.
func (p *Provider) ListNetworks(_ context.Context) ([]contracts.NetworkRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var records []contracts.NetworkRecord
	for _, n := range p.networks {
		records = append(records, *n)
	}
	return records, nil
}

// CreateNetwork stores a network.
func (p *Provider) CreateNetwork(_ context.Context, spec contracts.NetworkSpec) (*contracts.NetworkRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail("create_network"); err != nil {
		return nil, err
	}
	id := fmt.Sprintf("net-%d", p.nextID)
	p.nextID++
	rec := &contracts.NetworkRecord{
		NetworkID: id,
		Platform:  p.id,
		Name:      spec.Name,
		CIDR:      spec.CIDR,
		Gateway:   spec.Gateway,
		VLAN:      spec.VLAN,
		Mode:      spec.Mode,
		CreatedAt: time.Now().UTC(),
	}
	p.networks[id] = rec
	copied := *rec
	return &copied, nil
}

// DeleteNetwork removes a network. Deleting an absent network succeeds.
func (p *Provider) DeleteNetwork(_ context.Context, networkID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.networks, networkID)
	return nil
}

// VMCount reports how many VMs currently exist.
func (p *Provider) VMCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vms)
}

// NetworkCount reports how many networks currently exist.
func (p *Provider) NetworkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.networks)
}
