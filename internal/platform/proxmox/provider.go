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

// Package proxmox implements the platform contract for Proxmox VE nodes.
// VMs are provisioned by cloning cloud-init templates; guest addresses are
// discovered through the qemu guest agent; isolated networks are SDN vnets.
package proxmox

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/obs/logging"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/platform/proxmox/pveapi"
)

// DefaultSDNZone is the SDN zone isolated lab vnets are created in.
const DefaultSDNZone = "glassdome"

const ipPollInterval = 3 * time.Second

// Provider implements contracts.PlatformCapability for one Proxmox endpoint.
type Provider struct {
	id      contracts.PlatformID
	client  *pveapi.Client
	node    string
	storage string
	sdnZone string
	logger  *zap.Logger
}

// New creates a Proxmox provider.
func New(id contracts.PlatformID, client *pveapi.Client, logger *zap.Logger) *Provider {
	node := client.Config().DefaultNode
	if node == "" {
		node = "pve"
	}
	return &Provider{
		id:      id,
		client:  client,
		node:    node,
		storage: client.Config().DefaultStorage,
		sdnZone: DefaultSDNZone,
		logger:  logger.Named("proxmox"),
	}
}

// ID returns the registered platform identity.
func (p *Provider) ID() contracts.PlatformID { return p.id }

// Capabilities advertises the Proxmox feature set.
func (p *Provider) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{
		OnPrem:            true,
		GuestAgentChannel: true,
		CloudInitClone:    true,
		ConfigDrive:       false,
		NetworkCreate:     true,
		SupportedDiskBuses: []contracts.DiskBus{
			contracts.DiskBusVirtIOSCSI,
			contracts.DiskBusSATA,
		},
	}
}

// Validate checks API reachability and credentials.
func (p *Provider) Validate(ctx context.Context) error {
	_, err := p.client.Version(ctx)
	return err
}

// CreateVM creates a bare VM without a template. Used for appliances that
// install from ISO; most lab VMs go through CloneFromTemplate.
func (p *Provider) CreateVM(ctx context.Context, spec contracts.VMSpec) (*contracts.VMRecord, error) {
	vmid, err := p.client.NextID(ctx)
	if err != nil {
		return nil, err
	}

	cfg := &pveapi.VMConfig{
		VMID:     vmid,
		Name:     spec.Name,
		Cores:    spec.Cores,
		MemoryMB: spec.MemoryMiB,
		Storage:  p.storage,
		SCSIHW:   scsiController(spec.DiskBus, spec.OSFamily),
		Networks: toNetworkConfigs(spec.Networks),
		Custom:   map[string]string{"tags": vmTags(spec.Tags)},
	}

	start := time.Now()
	taskID, err := p.client.CreateVM(ctx, p.node, cfg)
	if err == nil {
		err = p.client.WaitForTask(ctx, p.node, taskID)
	}
	metrics.RecordPlatformOperation(string(p.id), "create_vm", outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx, p.logger).Info("created vm",
		zap.Int("vmid", vmid), zap.String("name", spec.Name))

	return p.newRecord(strconv.Itoa(vmid), spec), nil
}

// CloneFromTemplate full-clones a template and applies cloud-init fields.
func (p *Provider) CloneFromTemplate(ctx context.Context, templateID string, spec contracts.VMSpec, params contracts.Parameterization) (*contracts.VMRecord, error) {
	srcID, err := strconv.Atoi(templateID)
	if err != nil {
		return nil, contracts.NewValidation("template_id",
			fmt.Sprintf("proxmox template id must be an integer, got %q", templateID))
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	vmid, err := p.client.NextID(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	taskID, err := p.client.CloneVM(ctx, p.node, srcID, &pveapi.VMConfig{
		VMID:    vmid,
		Name:    spec.Name,
		Storage: p.storage,
	})
	if err == nil {
		err = p.client.WaitForTask(ctx, p.node, taskID)
	}
	metrics.RecordPlatformOperation(string(p.id), "clone_vm", outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	// Sizing and NICs are applied post-clone; the clone call only copies disks.
	values := url.Values{}
	if spec.Cores > 0 {
		values.Set("cores", strconv.Itoa(spec.Cores))
	}
	if spec.MemoryMiB > 0 {
		values.Set("memory", strconv.FormatInt(spec.MemoryMiB, 10))
	}
	if hw := scsiController(spec.DiskBus, spec.OSFamily); hw != "" {
		values.Set("scsihw", hw)
	}
	if tags := vmTags(spec.Tags); tags != "" {
		values.Set("tags", tags)
	}
	for _, nc := range toNetworkConfigs(spec.Networks) {
		values.Set(fmt.Sprintf("net%d", nc.Index), networkValue(nc))
	}
	if err := p.client.SetVMConfig(ctx, p.node, vmid, values); err != nil {
		return nil, err
	}

	vmIDStr := strconv.Itoa(vmid)
	if err := p.InjectConfig(ctx, vmIDStr, params); err != nil {
		return nil, err
	}

	logging.FromContext(ctx, p.logger).Info("cloned vm from template",
		zap.Int("vmid", vmid), zap.Int("template", srcID), zap.String("name", spec.Name))

	return p.newRecord(vmIDStr, spec), nil
}

// InjectConfig applies guest-bootstrap parameterization to the cloud-init
// drive of an existing VM.
func (p *Provider) InjectConfig(ctx context.Context, vmID string, params contracts.Parameterization) error {
	vmid, err := strconv.Atoi(vmID)
	if err != nil {
		return contracts.NewValidation("vm_id", fmt.Sprintf("proxmox vm id must be an integer, got %q", vmID))
	}

	switch params.Kind {
	case contracts.ParamCloudInit:
		ci := params.CloudInit
		cfg := &pveapi.CloudInitConfig{
			User:        ci.User,
			Password:    ci.Password,
			EnableAgent: true,
		}
		if ci.SSHPublicKey != "" {
			// The API rejects raw key material in form posts.
			cfg.SSHKeys = base64.StdEncoding.EncodeToString([]byte(strings.TrimSpace(ci.SSHPublicKey)))
		}
		if ci.StaticIP != nil {
			cfg.IPConfigs = []pveapi.IPConfig{{
				Index:   0,
				CIDR:    ci.StaticIP.AddressCIDR,
				Gateway: ci.StaticIP.Gateway,
			}}
			cfg.Nameserver = strings.Join(ci.StaticIP.Nameservers, " ")
		} else {
			cfg.IPConfigs = []pveapi.IPConfig{{Index: 0, DHCP: true}}
		}
		return p.client.SetCloudInit(ctx, p.node, vmid, cfg)

	case contracts.ParamCloudbaseInit:
		// cloudbase-init on Proxmox reads the same cloud-init drive.
		cb := params.Cloudbase
		cfg := &pveapi.CloudInitConfig{
			User:        "Administrator",
			Password:    cb.AdminPassword,
			EnableAgent: true,
		}
		if cb.StaticIP != nil {
			cfg.IPConfigs = []pveapi.IPConfig{{
				Index:   0,
				CIDR:    cb.StaticIP.AddressCIDR,
				Gateway: cb.StaticIP.Gateway,
			}}
			cfg.Nameserver = strings.Join(cb.StaticIP.Nameservers, " ")
		}
		return p.client.SetCloudInit(ctx, p.node, vmid, cfg)

	case contracts.ParamAutounattend:
		return contracts.NewValidation("kind",
			"autounattend requires a bare-ISO install and cannot be injected into a clone")

	case contracts.ParamPlatformAssigned:
		return nil

	default:
		return contracts.NewValidation("kind", fmt.Sprintf("unknown parameterization kind %q", params.Kind))
	}
}

// StartVM powers the VM on.
func (p *Provider) StartVM(ctx context.Context, vmID string) error {
	return p.power(ctx, vmID, "start")
}

// StopVM powers the VM off.
func (p *Provider) StopVM(ctx context.Context, vmID string) error {
	return p.power(ctx, vmID, "stop")
}

// RebootVM restarts the VM.
func (p *Provider) RebootVM(ctx context.Context, vmID string) error {
	return p.power(ctx, vmID, "reboot")
}

func (p *Provider) power(ctx context.Context, vmID, op string) error {
	vmid, err := strconv.Atoi(vmID)
	if err != nil {
		return contracts.NewValidation("vm_id", fmt.Sprintf("proxmox vm id must be an integer, got %q", vmID))
	}

	start := time.Now()
	taskID, err := p.client.PowerOperation(ctx, p.node, vmid, op)
	if err == nil {
		err = p.client.WaitForTask(ctx, p.node, taskID)
	}
	metrics.RecordPlatformOperation(string(p.id), op+"_vm", outcome(err), time.Since(start))
	return err
}

// DeleteVM stops and removes the VM. Deleting an absent VM succeeds.
func (p *Provider) DeleteVM(ctx context.Context, vmID string) error {
	vmid, err := strconv.Atoi(vmID)
	if err != nil {
		return contracts.NewValidation("vm_id", fmt.Sprintf("proxmox vm id must be an integer, got %q", vmID))
	}

	// Best-effort stop first; a running VM cannot be deleted.
	if vm, err := p.client.GetVM(ctx, p.node, vmid); err == nil && vm.Status == "running" {
		if taskID, err := p.client.PowerOperation(ctx, p.node, vmid, "stop"); err == nil {
			_ = p.client.WaitForTask(ctx, p.node, taskID)
		}
	}

	start := time.Now()
	taskID, err := p.client.DeleteVM(ctx, p.node, vmid)
	if err == nil {
		err = p.client.WaitForTask(ctx, p.node, taskID)
	}
	metrics.RecordPlatformOperation(string(p.id), "delete_vm", outcome(err), time.Since(start))
	return err
}

// GetVMStatus maps the qemu status to the neutral lifecycle state. An absent
// VM reports DELETED rather than an error so pollers converge on teardown.
func (p *Provider) GetVMStatus(ctx context.Context, vmID string) (contracts.VMStatus, error) {
	vmid, err := strconv.Atoi(vmID)
	if err != nil {
		return "", contracts.NewValidation("vm_id", fmt.Sprintf("proxmox vm id must be an integer, got %q", vmID))
	}

	vm, err := p.client.GetVM(ctx, p.node, vmid)
	if err != nil {
		if contracts.IsResourceMissing(err) {
			return contracts.VMStatusDeleted, nil
		}
		return "", err
	}
	return mapStatus(vm.Status), nil
}

// GetVMIP polls the guest agent until it reports a usable IPv4 address.
func (p *Provider) GetVMIP(ctx context.Context, vmID string, timeout time.Duration) (string, error) {
	vmid, err := strconv.Atoi(vmID)
	if err != nil {
		return "", contracts.NewValidation("vm_id", fmt.Sprintf("proxmox vm id must be an integer, got %q", vmID))
	}

	start := time.Now()
	defer func() {
		metrics.RecordIPDiscovery(string(p.id), time.Since(start))
	}()

	deadline := time.Now().Add(timeout)
	for {
		ifaces, err := p.client.AgentNetworkInterfaces(ctx, p.node, vmid)
		if err == nil {
			if ip := firstGuestIPv4(ifaces); ip != "" {
				return ip, nil
			}
		} else if !contracts.IsResourceMissing(err) && !contracts.IsTransient(err) {
			return "", err
		}

		if time.Now().After(deadline) {
			return "", contracts.NewTransient(
				fmt.Sprintf("guest agent did not report an address within %s", timeout), nil)
		}
		wait := ipPollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return "", contracts.NewTransient("ip discovery cancelled", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// ListVMs enumerates non-template guests on the node.
func (p *Provider) ListVMs(ctx context.Context, filter contracts.VMFilter) ([]contracts.VMRecord, error) {
	vms, err := p.client.ListVMs(ctx, p.node)
	if err != nil {
		return nil, err
	}

	records := make([]contracts.VMRecord, 0, len(vms))
	for _, vm := range vms {
		if vm.Template == 1 {
			continue
		}
		rec := contracts.VMRecord{
			VMID:     strconv.Itoa(vm.VMID),
			Platform: p.id,
			Spec: contracts.VMSpec{
				Name:      vm.Name,
				Cores:     vm.CPUs,
				MemoryMiB: vm.Memory / (1 << 20),
			},
			Status:   mapStatus(vm.Status),
			OwnerLab: labFromTags(vm.Tags),
		}
		if filter.Matches(&rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ListTemplates enumerates template VMs, inspecting each config for
// cloud-init and guest-agent support.
func (p *Provider) ListTemplates(ctx context.Context) ([]contracts.Template, error) {
	vms, err := p.client.ListVMs(ctx, p.node)
	if err != nil {
		return nil, err
	}

	var templates []contracts.Template
	for _, vm := range vms {
		if vm.Template != 1 {
			continue
		}
		tmpl := contracts.Template{
			ID:   strconv.Itoa(vm.VMID),
			Name: vm.Name,
		}
		tmpl.OSFamily, tmpl.OSVersion = osFromName(vm.Name)

		if cfg, err := p.client.GetVMConfig(ctx, p.node, vm.VMID); err == nil {
			tmpl.HasCloudInit = hasCloudInitDrive(cfg)
			tmpl.HasGuestAgent = fmt.Sprint(cfg["agent"]) == "1"
			tmpl.HasCloudbaseInit = tmpl.OSFamily == contracts.OSWindows && tmpl.HasCloudInit
		}
		templates = append(templates, tmpl)
	}
	return templates, nil
}

// ListNetworks enumerates SDN vnets and node bridges.
func (p *Provider) ListNetworks(ctx context.Context) ([]contracts.NetworkRecord, error) {
	var records []contracts.NetworkRecord

	vnets, err := p.client.ListVNets(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range vnets {
		records = append(records, contracts.NetworkRecord{
			NetworkID: v.VNet,
			Platform:  p.id,
			Name:      v.Alias,
			VLAN:      v.Tag,
			Mode:      contracts.NetworkIsolated,
		})
	}

	bridges, err := p.client.ListBridges(ctx, p.node)
	if err != nil {
		return nil, err
	}
	for _, b := range bridges {
		records = append(records, contracts.NetworkRecord{
			NetworkID: b.Iface,
			Platform:  p.id,
			Name:      b.Iface,
			Mode:      contracts.NetworkBridged,
		})
	}
	return records, nil
}

// CreateNetwork creates an SDN vnet for the lab and applies the SDN config.
func (p *Provider) CreateNetwork(ctx context.Context, spec contracts.NetworkSpec) (*contracts.NetworkRecord, error) {
	vnet := vnetName(spec.Name)

	start := time.Now()
	err := p.client.CreateVNet(ctx, vnet, p.sdnZone, spec.VLAN)
	if err == nil {
		err = p.client.ApplySDN(ctx)
	}
	metrics.RecordPlatformOperation(string(p.id), "create_network", outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	return &contracts.NetworkRecord{
		NetworkID: vnet,
		Platform:  p.id,
		Name:      spec.Name,
		CIDR:      spec.CIDR,
		Gateway:   spec.Gateway,
		VLAN:      spec.VLAN,
		Mode:      spec.Mode,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DeleteNetwork removes an SDN vnet. Deleting an absent vnet succeeds.
func (p *Provider) DeleteNetwork(ctx context.Context, networkID string) error {
	start := time.Now()
	err := p.client.DeleteVNet(ctx, networkID)
	if err == nil {
		err = p.client.ApplySDN(ctx)
	}
	metrics.RecordPlatformOperation(string(p.id), "delete_network", outcome(err), time.Since(start))
	return err
}

func (p *Provider) newRecord(vmID string, spec contracts.VMSpec) *contracts.VMRecord {
	now := time.Now().UTC()
	return &contracts.VMRecord{
		VMID:       vmID,
		Platform:   p.id,
		Spec:       spec,
		Status:     contracts.VMStatusCreating,
		GuestTools: contracts.GuestToolsUnknown,
		Tags:       spec.Tags,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func mapStatus(pveStatus string) contracts.VMStatus {
	switch pveStatus {
	case "running":
		return contracts.VMStatusRunning
	case "stopped":
		return contracts.VMStatusStopped
	default:
		return contracts.VMStatusError
	}
}

// scsiController picks the controller per guest family. Windows stays on the
// template's controller unless SATA was requested explicitly.
func scsiController(bus contracts.DiskBus, family contracts.OSFamily) string {
	switch bus {
	case contracts.DiskBusVirtIOSCSI:
		return "virtio-scsi-pci"
	case contracts.DiskBusSATA:
		return ""
	}
	if family.Linux() {
		return "virtio-scsi-pci"
	}
	return ""
}

func toNetworkConfigs(attachments []contracts.NetworkAttachment) []pveapi.NetworkConfig {
	configs := make([]pveapi.NetworkConfig, 0, len(attachments))
	for i, a := range attachments {
		bridge := a.Bridge
		if bridge == "" && a.NetworkID != "" {
			bridge = a.NetworkID
		}
		configs = append(configs, pveapi.NetworkConfig{
			Index:  i,
			Model:  a.Model,
			Bridge: bridge,
			VLAN:   a.VLAN,
			MAC:    a.MacAddress,
		})
	}
	return configs
}

// networkValue renders one netN value; mirrors the create-path encoding.
func networkValue(nc pveapi.NetworkConfig) string {
	model := nc.Model
	if model == "" {
		model = "virtio"
	}
	parts := []string{model}
	bridge := nc.Bridge
	if bridge == "" {
		bridge = "vmbr0"
	}
	parts = append(parts, "bridge="+bridge)
	if nc.VLAN > 0 {
		parts = append(parts, fmt.Sprintf("tag=%d", nc.VLAN))
	}
	if nc.MAC != "" {
		parts = append(parts, "macaddr="+nc.MAC)
	}
	return strings.Join(parts, ",")
}

// vnetName derives a PVE-legal vnet id (alphanumeric, max 8 chars) from the
// lab network name.
func vnetName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		s = "gdnet"
	}
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

func vmTags(tags map[string]string) string {
	parts := []string{"glassdome"}
	if lab := tags["lab"]; lab != "" {
		parts = append(parts, "lab-"+lab)
	}
	return strings.Join(parts, ";")
}

func labFromTags(tags string) string {
	for _, t := range strings.Split(tags, ";") {
		if strings.HasPrefix(t, "lab-") {
			return strings.TrimPrefix(t, "lab-")
		}
	}
	return ""
}

func osFromName(name string) (contracts.OSFamily, string) {
	lower := strings.ToLower(name)
	for _, family := range []contracts.OSFamily{
		contracts.OSUbuntu, contracts.OSWindows, contracts.OSKali, contracts.OSPfSense,
	} {
		if idx := strings.Index(lower, string(family)); idx >= 0 {
			rest := strings.Trim(lower[idx+len(family):], "-_. ")
			rest = strings.TrimSuffix(rest, "-tmpl")
			rest = strings.TrimSuffix(rest, "-template")
			return family, rest
		}
	}
	return "", ""
}

func hasCloudInitDrive(cfg map[string]interface{}) bool {
	for key, val := range cfg {
		if strings.HasPrefix(key, "ide") || strings.HasPrefix(key, "scsi") || strings.HasPrefix(key, "sata") {
			if s, ok := val.(string); ok && strings.Contains(s, "cloudinit") {
				return true
			}
		}
	}
	return false
}

func firstGuestIPv4(ifaces []pveapi.AgentInterface) string {
	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.Type == "ipv4" && !strings.HasPrefix(addr.Address, "127.") &&
				!strings.HasPrefix(addr.Address, "169.254.") {
				return addr.Address
			}
		}
	}
	return ""
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
