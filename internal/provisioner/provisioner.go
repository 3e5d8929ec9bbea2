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

// Package provisioner translates OS-level intent into a materialized VMSpec
// and the guest-bootstrap parameterization the target platform understands.
package provisioner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/ipam"
	"github.com/glassdome/glassdome/internal/platform/contracts"
)

const (
	defaultCores     = 2
	defaultMemoryMiB = 2048
	defaultDiskGiB   = 20

	// guestAgentPlaybook installs the platform integration agent when the
	// template does not already carry it.
	guestAgentPlaybook = "common/install_guest_agent.yml"
)

// Provisioner materializes VM specs against one platform's capabilities.
type Provisioner struct {
	pools  *ipam.Manager
	logger *zap.Logger
}

// New creates a provisioner backed by the given IP pools.
func New(pools *ipam.Manager, logger *zap.Logger) *Provisioner {
	return &Provisioner{pools: pools, logger: logger}
}

// Prepared is the fully materialized provisioning plan for one VM.
type Prepared struct {
	// Spec is the input spec with defaults, template, and disk bus resolved
	Spec contracts.VMSpec
	// Params is the guest bootstrap payload for clone/inject
	Params contracts.Parameterization
	// Template is the catalog entry the VM clones from
	Template contracts.Template
	// IP is set when a static address was leased from a pool
	IP *contracts.IPAllocation
}

// Prepare resolves the template, disk bus, IP policy, and parameterization
// for spec on the given platform. networks maps each attachment name to its
// declared network.
func (p *Provisioner) Prepare(ctx context.Context, platform contracts.PlatformCapability, spec contracts.VMSpec, networks map[string]contracts.NetworkSpec, owner contracts.EntityRef) (*Prepared, error) {
	if spec.Name == "" {
		return nil, contracts.NewValidation("name", "vm name is required")
	}
	if len(spec.Networks) == 0 {
		return nil, contracts.NewValidation("networks", fmt.Sprintf("vm %s has no network attachment", spec.Name))
	}

	caps := platform.Capabilities()

	templates, err := platform.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	tmpl, err := SelectTemplate(templates, spec.OSFamily, spec.OSVersion)
	if err != nil {
		return nil, err
	}

	out := spec
	out.TemplateID = tmpl.ID
	if out.Cores <= 0 {
		out.Cores = defaultCores
	}
	if out.MemoryMiB <= 0 {
		out.MemoryMiB = defaultMemoryMiB
	}
	if out.DiskGiB <= 0 {
		out.DiskGiB = defaultDiskGiB
	}
	if out.DiskBus == "" {
		// Windows installs stall on VirtIO without pre-baked drivers.
		if out.OSFamily == contracts.OSWindows {
			out.DiskBus = contracts.DiskBusSATA
		} else {
			out.DiskBus = contracts.DiskBusVirtIOSCSI
		}
	}

	primary, ok := networks[out.Networks[0].NetworkName]
	if !ok {
		return nil, contracts.NewValidation("networks",
			fmt.Sprintf("vm %s references undeclared network %q", out.Name, out.Networks[0].NetworkName))
	}

	var staticIP *contracts.StaticIPConfig
	var lease *contracts.IPAllocation
	policy, err := effectiveIPPolicy(out.IPPolicy, primary.Mode, caps.OnPrem)
	if err != nil {
		return nil, err
	}
	out.IPPolicy = policy
	if policy == contracts.IPPolicyStatic {
		staticIP, lease, err = p.leaseStatic(primary, owner)
		if err != nil {
			return nil, err
		}
	}

	params, err := buildParameterization(&out, tmpl, staticIP)
	if err != nil {
		if lease != nil {
			p.releaseLease(lease)
		}
		return nil, err
	}

	if !tmpl.HasGuestAgent {
		out.PostConfig = append(out.PostConfig, contracts.PostConfigStep{
			Playbook: guestAgentPlaybook,
			Group:    "all",
		})
	}

	return &Prepared{Spec: out, Params: params, Template: *tmpl, IP: lease}, nil
}

// Release returns any leases held by owner across all pools.
func (p *Provisioner) Release(owner contracts.EntityRef) {
	if p.pools == nil {
		return
	}
	for _, pool := range p.pools.Pools() {
		pool.ReleaseOwner(owner)
	}
}

func (p *Provisioner) releaseLease(lease *contracts.IPAllocation) {
	if p.pools == nil {
		return
	}
	pool, err := p.pools.PoolFor(lease.CIDR)
	if err != nil {
		return
	}
	pool.Release(lease.IP)
}

func (p *Provisioner) leaseStatic(network contracts.NetworkSpec, owner contracts.EntityRef) (*contracts.StaticIPConfig, *contracts.IPAllocation, error) {
	if p.pools == nil {
		return nil, nil, contracts.NewValidation("ip_pools",
			fmt.Sprintf("network %s requires static addressing but no IP pools are configured", network.Name))
	}
	pool, err := p.pools.PoolFor(network.CIDR)
	if err != nil {
		return nil, nil, contracts.NewValidation("ip_pools",
			fmt.Sprintf("network %s (%s) has no configured IP pool", network.Name, network.CIDR))
	}
	lease, err := pool.Allocate(owner)
	if err != nil {
		return nil, nil, err
	}
	cfg := &contracts.StaticIPConfig{
		AddressCIDR: lease.IP + prefixSuffix(pool.CIDR()),
		Gateway:     pool.Gateway(),
		Nameservers: pool.DNS(),
	}
	return cfg, lease, nil
}

// prefixSuffix extracts "/24" from "10.101.0.0/24".
func prefixSuffix(cidr string) string {
	if i := strings.IndexByte(cidr, '/'); i >= 0 {
		return cidr[i:]
	}
	return ""
}

// effectiveIPPolicy applies the network-mode rules. Isolated on-prem networks
// have no DHCP, so static addressing is mandatory there and a DHCP request is
// rejected rather than silently falling back.
func effectiveIPPolicy(requested contracts.IPPolicy, mode contracts.NetworkMode, onPrem bool) (contracts.IPPolicy, error) {
	if !onPrem {
		return contracts.IPPolicyPlatform, nil
	}
	switch mode {
	case contracts.NetworkIsolated:
		if requested == contracts.IPPolicyDHCP {
			return "", contracts.NewValidation("ip_policy",
				"dhcp is not available on an isolated network; static addressing is required")
		}
		return contracts.IPPolicyStatic, nil
	case contracts.NetworkRouted, contracts.NetworkBridged:
		if requested == "" {
			return contracts.IPPolicyDHCP, nil
		}
		return requested, nil
	default:
		return "", contracts.NewValidation("mode", fmt.Sprintf("unknown network mode %q", mode))
	}
}

// SelectTemplate picks the catalog entry for (family, version): an exact
// version match first, then the newest same-family entry. Templates are the
// only supported install path, so no match is Permanent.
func SelectTemplate(templates []contracts.Template, family contracts.OSFamily, version string) (*contracts.Template, error) {
	var fallback *contracts.Template
	for i := range templates {
		t := &templates[i]
		if t.OSFamily != family {
			continue
		}
		if t.OSVersion == version {
			return t, nil
		}
		if fallback == nil || t.OSVersion > fallback.OSVersion {
			fallback = t
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, contracts.NewPermanent(
		fmt.Sprintf("no template for %s %s; templates are the only supported install path", family, version), nil)
}

// buildParameterization picks the bootstrap mechanism for the guest.
func buildParameterization(spec *contracts.VMSpec, tmpl *contracts.Template, staticIP *contracts.StaticIPConfig) (contracts.Parameterization, error) {
	switch {
	case spec.OSFamily == contracts.OSWindows && tmpl.HasCloudbaseInit:
		return buildCloudbase(spec, staticIP)
	case spec.OSFamily == contracts.OSWindows:
		return buildAutounattend(spec, staticIP)
	case spec.OSFamily.Linux() && tmpl.HasCloudInit:
		return buildCloudInit(spec, staticIP)
	default:
		// pfSense and other appliance templates boot preconfigured.
		return contracts.Parameterization{Kind: contracts.ParamPlatformAssigned}, nil
	}
}
