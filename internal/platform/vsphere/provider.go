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

// Package vsphere implements the platform contract for vSphere/ESXi
// endpoints using govmomi. VMs are full clones of template VMs; cloud-init
// data travels through guestinfo keys read by the VMware datasource; guest
// addresses come from VMware Tools.
package vsphere

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/obs/logging"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// Config holds the vSphere endpoint configuration.
type Config struct {
	Endpoint           string
	Username           string
	Password           string
	Datacenter         string
	Datastore          string
	ResourcePool       string
	Folder             string
	InsecureSkipVerify bool
}

// Provider implements contracts.PlatformCapability for one vSphere endpoint.
type Provider struct {
	id     contracts.PlatformID
	config *Config
	logger *zap.Logger

	mu     sync.Mutex
	client *govmomi.Client
	finder *find.Finder
}

// New creates a vSphere provider. The session is established lazily on first
// use and revalidated per operation.
func New(id contracts.PlatformID, config *Config, logger *zap.Logger) *Provider {
	return &Provider{
		id:     id,
		config: config,
		logger: logger.Named("vsphere"),
	}
}

// ID returns the registered platform identity.
func (p *Provider) ID() contracts.PlatformID { return p.id }

// Capabilities advertises the vSphere feature set. Port groups are
// pre-provisioned by operators, so NetworkCreate is off.
func (p *Provider) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{
		OnPrem:            true,
		GuestAgentChannel: true,
		CloudInitClone:    false,
		ConfigDrive:       true,
		NetworkCreate:     false,
		SupportedDiskBuses: []contracts.DiskBus{
			contracts.DiskBusVirtIOSCSI,
			contracts.DiskBusSATA,
		},
	}
}

// ensureConnection establishes or revalidates the SOAP session.
func (p *Provider) ensureConnection(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		if active, err := p.client.SessionManager.SessionIsActive(ctx); err == nil && active {
			return nil
		}
		p.client = nil
	}

	u, err := url.Parse(p.config.Endpoint)
	if err != nil {
		return contracts.NewValidation("endpoint", fmt.Sprintf("invalid vsphere endpoint: %v", err))
	}
	u.User = url.UserPassword(p.config.Username, p.config.Password)

	soapClient := soap.NewClient(u, p.config.InsecureSkipVerify)
	vimClient, err := vim25.NewClient(ctx, soapClient)
	if err != nil {
		return contracts.NewTransient("failed to create vsphere client", err)
	}

	client := &govmomi.Client{
		Client:         vimClient,
		SessionManager: session.NewManager(vimClient),
	}
	if err := client.SessionManager.Login(ctx, u.User); err != nil {
		return contracts.NewPermanent("vsphere login failed", err)
	}

	finder := find.NewFinder(vimClient, true)
	if p.config.Datacenter != "" {
		dc, err := finder.Datacenter(ctx, p.config.Datacenter)
		if err != nil {
			return contracts.NewResourceMissing(
				fmt.Sprintf("datacenter %q not found", p.config.Datacenter), err)
		}
		finder.SetDatacenter(dc)
	} else {
		dc, err := finder.DefaultDatacenter(ctx)
		if err != nil {
			return contracts.NewTransient("no default datacenter", err)
		}
		finder.SetDatacenter(dc)
	}

	p.client = client
	p.finder = finder
	return nil
}

// Validate ensures the session and credentials are healthy.
func (p *Provider) Validate(ctx context.Context) error {
	return p.ensureConnection(ctx)
}

func (p *Provider) vmByID(id string) *object.VirtualMachine {
	ref := types.ManagedObjectReference{Type: "VirtualMachine", Value: id}
	return object.NewVirtualMachine(p.client.Client, ref)
}

// CreateVM provisions an empty VM shell on the default resource pool. Used
// for ISO-installed appliances; the common path is CloneFromTemplate.
func (p *Provider) CreateVM(ctx context.Context, spec contracts.VMSpec) (*contracts.VMRecord, error) {
	if err := p.ensureConnection(ctx); err != nil {
		return nil, err
	}

	pool, folder, datastore, err := p.placement(ctx)
	if err != nil {
		return nil, err
	}

	devices, err := p.nicDevices(ctx, spec.Networks)
	if err != nil {
		return nil, err
	}

	configSpec := types.VirtualMachineConfigSpec{
		Name:     spec.Name,
		GuestId:  guestID(spec.OSFamily),
		NumCPUs:  int32(spec.Cores),
		MemoryMB: spec.MemoryMiB,
		Files: &types.VirtualMachineFileInfo{
			VmPathName: fmt.Sprintf("[%s]", datastore.Name()),
		},
		DeviceChange: devices,
	}

	start := time.Now()
	task, err := folder.CreateVM(ctx, configSpec, pool, nil)
	var info *types.TaskInfo
	if err == nil {
		info, err = task.WaitForResult(ctx, nil)
	}
	metrics.RecordPlatformOperation(string(p.id), "create_vm", outcome(err), time.Since(start))
	if err != nil {
		return nil, mapFault(err, "create vm")
	}

	ref := info.Result.(types.ManagedObjectReference)
	logging.FromContext(ctx, p.logger).Info("created vm",
		zap.String("moref", ref.Value), zap.String("name", spec.Name))

	return p.newRecord(ref.Value, spec), nil
}

// CloneFromTemplate full-clones a template VM and injects guestinfo bootstrap
// data before first power-on.
func (p *Provider) CloneFromTemplate(ctx context.Context, templateID string, spec contracts.VMSpec, params contracts.Parameterization) (*contracts.VMRecord, error) {
	if err := p.ensureConnection(ctx); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	template, err := p.findTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	pool, folder, datastore, err := p.placement(ctx)
	if err != nil {
		return nil, err
	}

	poolRef := pool.Reference()
	dsRef := datastore.Reference()

	devices, err := p.nicDevices(ctx, spec.Networks)
	if err != nil {
		return nil, err
	}

	cloneSpec := types.VirtualMachineCloneSpec{
		Location: types.VirtualMachineRelocateSpec{
			Pool:      &poolRef,
			Datastore: &dsRef,
		},
		PowerOn: false,
		Config: &types.VirtualMachineConfigSpec{
			NumCPUs:      int32(spec.Cores),
			MemoryMB:     spec.MemoryMiB,
			DeviceChange: devices,
		},
	}

	start := time.Now()
	task, err := template.Clone(ctx, folder, spec.Name, cloneSpec)
	var info *types.TaskInfo
	if err == nil {
		info, err = task.WaitForResult(ctx, nil)
	}
	metrics.RecordPlatformOperation(string(p.id), "clone_vm", outcome(err), time.Since(start))
	if err != nil {
		return nil, mapFault(err, "clone vm")
	}

	ref := info.Result.(types.ManagedObjectReference)
	if err := p.InjectConfig(ctx, ref.Value, params); err != nil {
		return nil, err
	}

	logging.FromContext(ctx, p.logger).Info("cloned vm from template",
		zap.String("moref", ref.Value), zap.String("template", templateID), zap.String("name", spec.Name))

	return p.newRecord(ref.Value, spec), nil
}

// InjectConfig writes guest-bootstrap data into guestinfo keys, which the
// cloud-init VMware datasource (and cloudbase-init's counterpart) reads on
// first boot.
func (p *Provider) InjectConfig(ctx context.Context, vmID string, params contracts.Parameterization) error {
	if err := p.ensureConnection(ctx); err != nil {
		return err
	}

	var extra []types.BaseOptionValue
	switch params.Kind {
	case contracts.ParamCloudInit:
		ci := params.CloudInit
		userData := ci.UserData
		if userData == "" {
			userData = defaultUserData(ci)
		}
		extra = append(extra,
			&types.OptionValue{Key: "guestinfo.userdata", Value: base64.StdEncoding.EncodeToString([]byte(userData))},
			&types.OptionValue{Key: "guestinfo.userdata.encoding", Value: "base64"},
			&types.OptionValue{Key: "guestinfo.metadata", Value: base64.StdEncoding.EncodeToString([]byte(metadataYAML(ci)))},
			&types.OptionValue{Key: "guestinfo.metadata.encoding", Value: "base64"},
		)

	case contracts.ParamCloudbaseInit:
		cb := params.Cloudbase
		extra = append(extra,
			&types.OptionValue{Key: "guestinfo.userdata", Value: base64.StdEncoding.EncodeToString([]byte(cb.UserData))},
			&types.OptionValue{Key: "guestinfo.userdata.encoding", Value: "base64"},
			&types.OptionValue{Key: "guestinfo.metadata", Value: base64.StdEncoding.EncodeToString([]byte(cb.MetaDataJSON))},
			&types.OptionValue{Key: "guestinfo.metadata.encoding", Value: "base64"},
		)

	case contracts.ParamAutounattend:
		return contracts.NewValidation("kind",
			"autounattend requires a bare-ISO install and cannot be injected into a clone")

	case contracts.ParamPlatformAssigned:
		return nil

	default:
		return contracts.NewValidation("kind", fmt.Sprintf("unknown parameterization kind %q", params.Kind))
	}

	vm := p.vmByID(vmID)
	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{ExtraConfig: extra})
	if err == nil {
		err = task.Wait(ctx)
	}
	if err != nil {
		return mapFault(err, "inject config")
	}
	return nil
}

// StartVM powers the VM on.
func (p *Provider) StartVM(ctx context.Context, vmID string) error {
	return p.power(ctx, vmID, "start")
}

// StopVM powers the VM off.
func (p *Provider) StopVM(ctx context.Context, vmID string) error {
	return p.power(ctx, vmID, "stop")
}

// RebootVM resets the VM.
func (p *Provider) RebootVM(ctx context.Context, vmID string) error {
	return p.power(ctx, vmID, "reboot")
}

func (p *Provider) power(ctx context.Context, vmID, op string) error {
	if err := p.ensureConnection(ctx); err != nil {
		return err
	}
	vm := p.vmByID(vmID)

	state, err := vm.PowerState(ctx)
	if err != nil {
		return mapFault(err, "power state")
	}

	var task *object.Task
	start := time.Now()
	switch op {
	case "start":
		if state == types.VirtualMachinePowerStatePoweredOn {
			return nil
		}
		task, err = vm.PowerOn(ctx)
	case "stop":
		if state == types.VirtualMachinePowerStatePoweredOff {
			return nil
		}
		task, err = vm.PowerOff(ctx)
	case "reboot":
		task, err = vm.Reset(ctx)
	}
	if err == nil && task != nil {
		err = task.Wait(ctx)
	}
	metrics.RecordPlatformOperation(string(p.id), op+"_vm", outcome(err), time.Since(start))
	if err != nil {
		return mapFault(err, "power "+op)
	}
	return nil
}

// DeleteVM powers off and destroys the VM. Deleting an absent VM succeeds.
func (p *Provider) DeleteVM(ctx context.Context, vmID string) error {
	if err := p.ensureConnection(ctx); err != nil {
		return err
	}
	vm := p.vmByID(vmID)

	if state, err := vm.PowerState(ctx); err != nil {
		if isManagedObjectNotFound(err) {
			return nil
		}
		return mapFault(err, "power state")
	} else if state == types.VirtualMachinePowerStatePoweredOn {
		if task, err := vm.PowerOff(ctx); err == nil {
			_ = task.Wait(ctx)
		}
	}

	start := time.Now()
	task, err := vm.Destroy(ctx)
	if err == nil {
		err = task.Wait(ctx)
	}
	metrics.RecordPlatformOperation(string(p.id), "delete_vm", outcome(err), time.Since(start))
	if err != nil {
		if isManagedObjectNotFound(err) {
			return nil
		}
		return mapFault(err, "destroy vm")
	}
	return nil
}

// GetVMStatus maps the power state to the neutral lifecycle state. An absent
// VM reports DELETED rather than an error so pollers converge on teardown.
func (p *Provider) GetVMStatus(ctx context.Context, vmID string) (contracts.VMStatus, error) {
	if err := p.ensureConnection(ctx); err != nil {
		return "", err
	}
	vm := p.vmByID(vmID)

	state, err := vm.PowerState(ctx)
	if err != nil {
		if isManagedObjectNotFound(err) {
			return contracts.VMStatusDeleted, nil
		}
		return "", mapFault(err, "power state")
	}
	switch state {
	case types.VirtualMachinePowerStatePoweredOn:
		return contracts.VMStatusRunning, nil
	case types.VirtualMachinePowerStatePoweredOff, types.VirtualMachinePowerStateSuspended:
		return contracts.VMStatusStopped, nil
	default:
		return contracts.VMStatusError, nil
	}
}

// GetVMIP waits for VMware Tools to report a guest address.
func (p *Provider) GetVMIP(ctx context.Context, vmID string, timeout time.Duration) (string, error) {
	if err := p.ensureConnection(ctx); err != nil {
		return "", err
	}
	vm := p.vmByID(vmID)

	start := time.Now()
	defer func() {
		metrics.RecordIPDiscovery(string(p.id), time.Since(start))
	}()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ip, err := vm.WaitForIP(waitCtx, true)
	if err != nil {
		return "", contracts.NewTransient(
			fmt.Sprintf("vmware tools did not report an address within %s", timeout), err)
	}
	return ip, nil
}

// ListVMs enumerates non-template VMs in the datacenter.
func (p *Provider) ListVMs(ctx context.Context, filter contracts.VMFilter) ([]contracts.VMRecord, error) {
	vms, err := p.listMOs(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]contracts.VMRecord, 0, len(vms))
	for _, vm := range vms {
		if vm.Config == nil || vm.Config.Template {
			continue
		}
		rec := contracts.VMRecord{
			VMID:     vm.Self.Value,
			Platform: p.id,
			Spec: contracts.VMSpec{
				Name:      vm.Config.Name,
				Cores:     int(vm.Config.Hardware.NumCPU),
				MemoryMiB: int64(vm.Config.Hardware.MemoryMB),
			},
			Status:   powerToStatus(vm.Runtime.PowerState),
			OwnerLab: annotationLab(vm.Config.Annotation),
		}
		if vm.Guest != nil {
			rec.PrimaryIP = vm.Guest.IpAddress
			rec.GuestTools = toolsState(vm.Guest.ToolsRunningStatus)
		}
		if filter.Matches(&rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ListTemplates enumerates template VMs.
func (p *Provider) ListTemplates(ctx context.Context) ([]contracts.Template, error) {
	vms, err := p.listMOs(ctx)
	if err != nil {
		return nil, err
	}

	var templates []contracts.Template
	for _, vm := range vms {
		if vm.Config == nil || !vm.Config.Template {
			continue
		}
		tmpl := contracts.Template{
			ID:            vm.Self.Value,
			Name:          vm.Config.Name,
			HasGuestAgent: true, // VMware Tools is the agent channel
		}
		tmpl.OSFamily, tmpl.OSVersion = osFromName(vm.Config.Name)
		tmpl.HasCloudInit = tmpl.OSFamily != contracts.OSWindows
		tmpl.HasCloudbaseInit = tmpl.OSFamily == contracts.OSWindows
		templates = append(templates, tmpl)
	}
	return templates, nil
}

// ListNetworks enumerates port groups visible in the datacenter.
func (p *Provider) ListNetworks(ctx context.Context) ([]contracts.NetworkRecord, error) {
	if err := p.ensureConnection(ctx); err != nil {
		return nil, err
	}

	networks, err := p.finder.NetworkList(ctx, "*")
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return nil, nil
		}
		return nil, mapFault(err, "list networks")
	}

	records := make([]contracts.NetworkRecord, 0, len(networks))
	for _, net := range networks {
		name := net.GetInventoryPath()
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		records = append(records, contracts.NetworkRecord{
			NetworkID: net.Reference().Value,
			Platform:  p.id,
			Name:      name,
			Mode:      contracts.NetworkBridged,
		})
	}
	return records, nil
}

// CreateNetwork is unsupported: port groups are pre-provisioned by operators.
func (p *Provider) CreateNetwork(_ context.Context, spec contracts.NetworkSpec) (*contracts.NetworkRecord, error) {
	return nil, contracts.NewPermanent(
		fmt.Sprintf("network %q: vsphere port groups must be pre-provisioned", spec.Name), nil)
}

// DeleteNetwork is a no-op for pre-provisioned port groups.
func (p *Provider) DeleteNetwork(_ context.Context, _ string) error {
	return nil
}

func (p *Provider) placement(ctx context.Context) (*object.ResourcePool, *object.Folder, *object.Datastore, error) {
	var pool *object.ResourcePool
	var err error
	if p.config.ResourcePool != "" {
		pool, err = p.finder.ResourcePool(ctx, p.config.ResourcePool)
	} else {
		pool, err = p.finder.DefaultResourcePool(ctx)
	}
	if err != nil {
		return nil, nil, nil, contracts.NewResourceMissing("resource pool not found", err)
	}

	var folder *object.Folder
	if p.config.Folder != "" {
		folder, err = p.finder.Folder(ctx, p.config.Folder)
	} else {
		folder, err = p.finder.DefaultFolder(ctx)
	}
	if err != nil {
		return nil, nil, nil, contracts.NewResourceMissing("vm folder not found", err)
	}

	var datastore *object.Datastore
	if p.config.Datastore != "" {
		datastore, err = p.finder.Datastore(ctx, p.config.Datastore)
	} else {
		datastore, err = p.finder.DefaultDatastore(ctx)
	}
	if err != nil {
		return nil, nil, nil, contracts.NewResourceMissing("datastore not found", err)
	}

	return pool, folder, datastore, nil
}

// findTemplate resolves a template by moref value or inventory name.
func (p *Provider) findTemplate(ctx context.Context, templateID string) (*object.VirtualMachine, error) {
	if strings.HasPrefix(templateID, "vm-") {
		return p.vmByID(templateID), nil
	}
	vm, err := p.finder.VirtualMachine(ctx, templateID)
	if err != nil {
		return nil, contracts.NewResourceMissing(fmt.Sprintf("template %q not found", templateID), err)
	}
	return vm, nil
}

// nicDevices builds NIC add-device changes for the given attachments.
func (p *Provider) nicDevices(ctx context.Context, attachments []contracts.NetworkAttachment) ([]types.BaseVirtualDeviceConfigSpec, error) {
	var changes []types.BaseVirtualDeviceConfigSpec
	for _, a := range attachments {
		name := a.NetworkName
		if a.NetworkID != "" {
			name = a.NetworkID
		}
		net, err := p.finder.Network(ctx, name)
		if err != nil {
			return nil, contracts.NewResourceMissing(fmt.Sprintf("network %q not found", name), err)
		}
		backing, err := net.EthernetCardBackingInfo(ctx)
		if err != nil {
			return nil, mapFault(err, "network backing")
		}

		device, err := object.EthernetCardTypes().CreateEthernetCard(nicModel(a.Model), backing)
		if err != nil {
			return nil, contracts.NewPermanent("failed to create ethernet card", err)
		}
		if a.MacAddress != "" {
			card := device.(types.BaseVirtualEthernetCard).GetVirtualEthernetCard()
			card.AddressType = string(types.VirtualEthernetCardMacTypeManual)
			card.MacAddress = a.MacAddress
		}
		changes = append(changes, &types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationAdd,
			Device:    device,
		})
	}
	return changes, nil
}

func (p *Provider) listMOs(ctx context.Context) ([]mo.VirtualMachine, error) {
	if err := p.ensureConnection(ctx); err != nil {
		return nil, err
	}

	vms, err := p.finder.VirtualMachineList(ctx, "*")
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return nil, nil
		}
		return nil, mapFault(err, "list vms")
	}

	refs := make([]types.ManagedObjectReference, 0, len(vms))
	for _, vm := range vms {
		refs = append(refs, vm.Reference())
	}

	var mos []mo.VirtualMachine
	pc := property.DefaultCollector(p.client.Client)
	if err := pc.Retrieve(ctx, refs, []string{"config", "runtime", "guest"}, &mos); err != nil {
		return nil, mapFault(err, "retrieve vm properties")
	}
	return mos, nil
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

func guestID(family contracts.OSFamily) string {
	switch family {
	case contracts.OSWindows:
		return "windows2019srv_64Guest"
	case contracts.OSPfSense:
		return "freebsd12_64Guest"
	default:
		return "ubuntu64Guest"
	}
}

func nicModel(model string) string {
	switch model {
	case "", "virtio":
		return "vmxnet3"
	default:
		return model
	}
}

func powerToStatus(state types.VirtualMachinePowerState) contracts.VMStatus {
	switch state {
	case types.VirtualMachinePowerStatePoweredOn:
		return contracts.VMStatusRunning
	case types.VirtualMachinePowerStatePoweredOff, types.VirtualMachinePowerStateSuspended:
		return contracts.VMStatusStopped
	default:
		return contracts.VMStatusError
	}
}

func toolsState(status string) contracts.GuestToolsState {
	switch status {
	case string(types.VirtualMachineToolsRunningStatusGuestToolsRunning):
		return contracts.GuestToolsRunning
	case string(types.VirtualMachineToolsRunningStatusGuestToolsNotRunning):
		return contracts.GuestToolsStalled
	default:
		return contracts.GuestToolsUnknown
	}
}

// annotationLab extracts the owning lab from the VM annotation, which the
// orchestrator writes as "glassdome:lab=<name>".
func annotationLab(annotation string) string {
	for _, line := range strings.Split(annotation, "\n") {
		if strings.HasPrefix(line, "glassdome:lab=") {
			return strings.TrimPrefix(line, "glassdome:lab=")
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

func defaultUserData(ci *contracts.CloudInitParams) string {
	var b strings.Builder
	b.WriteString("#cloud-config\n")
	fmt.Fprintf(&b, "users:\n  - name: %s\n    sudo: ALL=(ALL) NOPASSWD:ALL\n", ci.User)
	if ci.SSHPublicKey != "" {
		fmt.Fprintf(&b, "    ssh_authorized_keys:\n      - %s\n", strings.TrimSpace(ci.SSHPublicKey))
	}
	return b.String()
}

func metadataYAML(ci *contracts.CloudInitParams) string {
	var b strings.Builder
	b.WriteString("instance-id: glassdome\n")
	if ci.StaticIP != nil {
		b.WriteString("network:\n  version: 2\n  ethernets:\n    nics:\n      match:\n        name: e*\n")
		fmt.Fprintf(&b, "      addresses: [%s]\n", ci.StaticIP.AddressCIDR)
		if ci.StaticIP.Gateway != "" {
			fmt.Fprintf(&b, "      gateway4: %s\n", ci.StaticIP.Gateway)
		}
		if len(ci.StaticIP.Nameservers) > 0 {
			fmt.Fprintf(&b, "      nameservers:\n        addresses: [%s]\n",
				strings.Join(ci.StaticIP.Nameservers, ", "))
		}
	}
	return b.String()
}

func isManagedObjectNotFound(err error) bool {
	return strings.Contains(err.Error(), "ManagedObjectNotFound") ||
		strings.Contains(err.Error(), "has already been deleted")
}

// mapFault categorizes a govmomi error.
func mapFault(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s failed", op)
	s := err.Error()
	switch {
	case isManagedObjectNotFound(err):
		return contracts.NewResourceMissing(msg, err)
	case strings.Contains(s, "NoPermission") || strings.Contains(s, "InvalidLogin"):
		return contracts.NewPermanent(msg, err)
	case strings.Contains(s, "context deadline exceeded") || strings.Contains(s, "connection refused"):
		return contracts.NewTransient(msg, err)
	default:
		return contracts.NewPermanent(msg, err)
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
