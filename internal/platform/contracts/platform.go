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

package contracts

import (
	"context"
	"time"
)

// PlatformCapability is the uniform contract every platform adapter implements.
//
// All operations are idempotent with respect to already-terminal states:
// deleting a deleted VM is a no-op success. Transient platform failures are
// returned as ErrorKindTransient; authentication, permission and schema
// mismatches as ErrorKindPermanent.
type PlatformCapability interface {
	// ID returns the registered platform identity.
	ID() PlatformID

	// Capabilities advertises what this adapter supports.
	Capabilities() Capabilities

	// Validate ensures the platform session/credentials are healthy.
	Validate(ctx context.Context) error

	// CreateVM allocates a platform VM id and starts provisioning from a bare
	// image. The returned record has status CREATING; subsequent transitions
	// are observed by polling.
	CreateVM(ctx context.Context, spec VMSpec) (*VMRecord, error)

	// CloneFromTemplate is the fast path: clone a template and apply the
	// guest-bootstrap parameterization at clone time where supported.
	CloneFromTemplate(ctx context.Context, templateID string, spec VMSpec, params Parameterization) (*VMRecord, error)

	// InjectConfig applies parameterization to an existing, not-yet-booted VM
	// (attach a cloud-init drive, mount a NoCloud/ConfigDrive ISO).
	InjectConfig(ctx context.Context, vmID string, params Parameterization) error

	// StartVM powers the VM on.
	StartVM(ctx context.Context, vmID string) error

	// StopVM powers the VM off.
	StopVM(ctx context.Context, vmID string) error

	// RebootVM restarts the VM.
	RebootVM(ctx context.Context, vmID string) error

	// DeleteVM removes the VM. Deleting an absent VM succeeds.
	DeleteVM(ctx context.Context, vmID string) error

	// GetVMStatus returns the current lifecycle state.
	GetVMStatus(ctx context.Context, vmID string) (VMStatus, error)

	// GetVMIP discovers the primary address through the platform's native
	// guest-integration channel, waiting up to timeout. It never assumes
	// DHCP on an isolated on-prem network.
	GetVMIP(ctx context.Context, vmID string, timeout time.Duration) (string, error)

	// ListVMs enumerates VMs matching the filter.
	ListVMs(ctx context.Context, filter VMFilter) ([]VMRecord, error)

	// ListTemplates enumerates clonable templates.
	ListTemplates(ctx context.Context) ([]Template, error)

	// ListNetworks enumerates platform networks.
	ListNetworks(ctx context.Context) ([]NetworkRecord, error)

	// CreateNetwork creates a network. VLAN-tagged attachments are applied
	// per NIC at VM creation.
	CreateNetwork(ctx context.Context, spec NetworkSpec) (*NetworkRecord, error)

	// DeleteNetwork removes a network. Deleting an absent network succeeds.
	DeleteNetwork(ctx context.Context, networkID string) error
}
