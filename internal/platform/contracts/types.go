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
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PlatformID identifies one registered platform, e.g. "proxmox:pve01" or "aws:us-east-1".
type PlatformID string

// Kind returns the platform family portion of the ID.
func (p PlatformID) Kind() PlatformKind {
	if i := strings.IndexByte(string(p), ':'); i >= 0 {
		return PlatformKind(p[:i])
	}
	return PlatformKind(p)
}

// PlatformKind is a supported platform family.
type PlatformKind string

const (
	// PlatformProxmox is a Proxmox VE hypervisor node
	PlatformProxmox PlatformKind = "proxmox"
	// PlatformESXi is a VMware vSphere/ESXi endpoint
	PlatformESXi PlatformKind = "esxi"
	// PlatformAWS is an AWS region
	PlatformAWS PlatformKind = "aws"
	// PlatformAzure is an Azure region
	PlatformAzure PlatformKind = "azure"
	// PlatformGCP is a GCP region
	PlatformGCP PlatformKind = "gcp"
	// PlatformMock is the in-memory test platform
	PlatformMock PlatformKind = "mock"
)

// VMStatus is the lifecycle state of a VM as observed through an adapter.
type VMStatus string

const (
	// VMStatusPending precedes any platform operation
	VMStatusPending VMStatus = "PENDING"
	// VMStatusCreating means provisioning has started
	VMStatusCreating VMStatus = "CREATING"
	// VMStatusRunning means the VM is powered on
	VMStatusRunning VMStatus = "RUNNING"
	// VMStatusStopped means the VM exists but is powered off
	VMStatusStopped VMStatus = "STOPPED"
	// VMStatusError means provisioning or operation failed
	VMStatusError VMStatus = "ERROR"
	// VMStatusDeleted is terminal
	VMStatusDeleted VMStatus = "DELETED"
)

// Terminal reports whether the status admits no further transitions.
func (s VMStatus) Terminal() bool { return s == VMStatusDeleted }

// GuestToolsState describes the in-guest integration agent.
type GuestToolsState string

const (
	// GuestToolsUnknown means the agent state has not been observed
	GuestToolsUnknown GuestToolsState = "UNKNOWN"
	// GuestToolsNotInstalled means the agent is absent from the guest
	GuestToolsNotInstalled GuestToolsState = "NOT_INSTALLED"
	// GuestToolsRunning means the agent is reporting
	GuestToolsRunning GuestToolsState = "RUNNING"
	// GuestToolsStalled means the agent stopped reporting
	GuestToolsStalled GuestToolsState = "STALLED"
)

// NetworkMode describes how a network reaches the outside world.
type NetworkMode string

const (
	// NetworkIsolated has no external connectivity and no DHCP
	NetworkIsolated NetworkMode = "ISOLATED"
	// NetworkRouted is reachable through a gateway
	NetworkRouted NetworkMode = "ROUTED"
	// NetworkBridged shares the host uplink
	NetworkBridged NetworkMode = "BRIDGED"
)

// IPPolicy selects how a VM obtains its primary address.
type IPPolicy string

const (
	// IPPolicyStatic requires an address from the configured pool
	IPPolicyStatic IPPolicy = "static"
	// IPPolicyDHCP allows DHCP; the observed address is still recorded
	IPPolicyDHCP IPPolicy = "dhcp"
	// IPPolicyPlatform defers to the platform-assigned address
	IPPolicyPlatform IPPolicy = "platform"
)

// OSFamily is the guest operating system family.
type OSFamily string

const (
	// OSUbuntu is an Ubuntu guest
	OSUbuntu OSFamily = "ubuntu"
	// OSWindows is a Windows guest
	OSWindows OSFamily = "windows"
	// OSKali is a Kali Linux guest
	OSKali OSFamily = "kali"
	// OSPfSense is a pfSense gateway appliance
	OSPfSense OSFamily = "pfsense"
)

// Linux reports whether the family boots a Linux kernel.
func (f OSFamily) Linux() bool { return f != OSWindows && f != OSPfSense }

// DiskBus is the virtual disk controller presented to the guest.
type DiskBus string

const (
	// DiskBusVirtIOSCSI is the default for Linux guests
	DiskBusVirtIOSCSI DiskBus = "virtio-scsi"
	// DiskBusSATA avoids driver injection for Windows guests
	DiskBusSATA DiskBus = "sata"
)

// CredentialBundle carries guest access material for a VM.
type CredentialBundle struct {
	Username         string `json:"username"`
	Password         string `json:"password,omitempty"`
	SSHPublicKey     string `json:"ssh_public_key,omitempty"`
	SSHPrivateKeyPEM string `json:"ssh_private_key_pem,omitempty"`
}

// PostConfigStep references an external configuration-management playbook
// applied after the VM is reachable.
type PostConfigStep struct {
	// Playbook is the executor-relative playbook path
	Playbook string `json:"playbook"`
	// Group is the tagged purpose this VM joins in the inventory
	Group string `json:"group,omitempty"`
	// Vars are passed as extra variables to the executor
	Vars map[string]string `json:"vars,omitempty"`
}

// NetworkAttachment binds a VM NIC to a lab network.
type NetworkAttachment struct {
	// NetworkName references a network declared in the owning LabSpec
	NetworkName string `json:"network_name"`
	// NetworkID is the resolved platform network, filled during deployment
	NetworkID string `json:"network_id,omitempty"`
	// Bridge is the host bridge for on-prem platforms
	Bridge string `json:"bridge,omitempty"`
	// VLAN tags the NIC when non-zero
	VLAN int `json:"vlan,omitempty"`
	// Model selects the NIC model (virtio, e1000, ...)
	Model string `json:"model,omitempty"`
	// MacAddress pins a static MAC when set
	MacAddress string `json:"mac_address,omitempty"`
}

// VMSpec is the platform-neutral request to create one VM.
type VMSpec struct {
	Name        string              `json:"name"`
	OSFamily    OSFamily            `json:"os_family"`
	OSVersion   string              `json:"os_version"`
	Cores       int                 `json:"cores"`
	MemoryMiB   int64               `json:"memory_mib"`
	DiskGiB     int64               `json:"disk_gib"`
	DiskBus     DiskBus             `json:"disk_bus,omitempty"`
	TemplateID  string              `json:"template_id,omitempty"`
	Networks    []NetworkAttachment `json:"networks"`
	IPPolicy    IPPolicy            `json:"ip_policy"`
	Credentials CredentialBundle    `json:"credentials"`
	PostConfig  []PostConfigStep    `json:"post_config,omitempty"`
	Tags        map[string]string   `json:"tags,omitempty"`
}

// VMRecord is the authoritative description of a managed VM.
type VMRecord struct {
	VMID       string            `json:"vm_id"`
	Platform   PlatformID        `json:"platform_id"`
	Spec       VMSpec            `json:"spec"`
	Status     VMStatus          `json:"status"`
	PrimaryIP  string            `json:"primary_ip,omitempty"`
	GuestTools GuestToolsState   `json:"guest_tools_state"`
	OwnerLab   string            `json:"owner_lab,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Ref returns the registry reference for this VM.
func (v *VMRecord) Ref() EntityRef {
	return EntityRef{Kind: EntityVM, ID: fmt.Sprintf("%s/%s", v.Platform, v.VMID)}
}

// NetworkSpec is the request to create one network.
type NetworkSpec struct {
	Name    string      `json:"name"`
	CIDR    string      `json:"cidr"`
	Gateway string      `json:"gateway,omitempty"`
	Mode    NetworkMode `json:"mode"`
	VLAN    int         `json:"vlan,omitempty"`
}

// NetworkRecord is the authoritative description of a managed network.
type NetworkRecord struct {
	NetworkID string      `json:"network_id"`
	Platform  PlatformID  `json:"platform_id"`
	Name      string      `json:"name"`
	CIDR      string      `json:"cidr"`
	Gateway   string      `json:"gateway,omitempty"`
	VLAN      int         `json:"vlan,omitempty"`
	Mode      NetworkMode `json:"mode"`
	OwnerLab  string      `json:"owner_lab,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Ref returns the registry reference for this network.
func (n *NetworkRecord) Ref() EntityRef {
	return EntityRef{Kind: EntityNetwork, ID: fmt.Sprintf("%s/%s", n.Platform, n.NetworkID)}
}

// Template describes a clonable platform image.
type Template struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	OSFamily         OSFamily `json:"os_family"`
	OSVersion        string   `json:"os_version"`
	HasGuestAgent    bool     `json:"has_guest_agent"`
	HasCloudInit     bool     `json:"has_cloud_init"`
	HasCloudbaseInit bool     `json:"has_cloudbase_init"`
}

// VMFilter narrows ListVMs results.
type VMFilter struct {
	OwnerLab   string
	NamePrefix string
}

// Matches reports whether the record satisfies the filter.
func (f VMFilter) Matches(v *VMRecord) bool {
	if f.OwnerLab != "" && v.OwnerLab != f.OwnerLab {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(v.Spec.Name, f.NamePrefix) {
		return false
	}
	return true
}

// ParameterizationKind selects the guest bootstrap mechanism.
type ParameterizationKind string

const (
	// ParamCloudInit is Linux cloud-init on a cloud-aware template
	ParamCloudInit ParameterizationKind = "cloud-init"
	// ParamCloudbaseInit is Windows cloudbase-init via ConfigDrive
	ParamCloudbaseInit ParameterizationKind = "cloudbase-init"
	// ParamAutounattend is a bare-ISO Windows install answer file
	ParamAutounattend ParameterizationKind = "autounattend"
	// ParamPlatformAssigned defers bootstrap entirely to the platform
	ParamPlatformAssigned ParameterizationKind = "platform-assigned"
)

// StaticIPConfig carries the static address handed to the guest bootstrapper.
type StaticIPConfig struct {
	// AddressCIDR is the address with prefix length, e.g. "10.101.0.30/24"
	AddressCIDR string   `json:"address_cidr"`
	Gateway     string   `json:"gateway,omitempty"`
	Nameservers []string `json:"nameservers,omitempty"`
}

// CloudInitParams is the Linux cloud-init variant.
type CloudInitParams struct {
	UserData     string          `json:"user_data"`
	User         string          `json:"user"`
	Password     string          `json:"password,omitempty"`
	SSHPublicKey string          `json:"ssh_public_key"`
	StaticIP     *StaticIPConfig `json:"static_ip,omitempty"`
}

// CloudbaseParams is the Windows cloudbase-init ConfigDrive variant.
type CloudbaseParams struct {
	MetaDataJSON  string          `json:"meta_data_json"`
	UserData      string          `json:"user_data"`
	AdminPassword string          `json:"admin_password"`
	StaticIP      *StaticIPConfig `json:"static_ip,omitempty"`
}

// AutounattendParams is the bare-ISO Windows install variant.
type AutounattendParams struct {
	XML string `json:"xml"`
}

// Parameterization is the tagged guest-bootstrap payload. Exactly one of the
// variant pointers matching Kind is set.
type Parameterization struct {
	Kind         ParameterizationKind `json:"kind"`
	CloudInit    *CloudInitParams     `json:"cloud_init,omitempty"`
	Cloudbase    *CloudbaseParams     `json:"cloudbase,omitempty"`
	Autounattend *AutounattendParams  `json:"autounattend,omitempty"`
}

// Validate checks that the variant pointer matches the declared kind.
func (p *Parameterization) Validate() error {
	switch p.Kind {
	case ParamCloudInit:
		if p.CloudInit == nil {
			return NewValidation("cloud_init", "cloud-init parameterization missing payload")
		}
	case ParamCloudbaseInit:
		if p.Cloudbase == nil {
			return NewValidation("cloudbase", "cloudbase-init parameterization missing payload")
		}
	case ParamAutounattend:
		if p.Autounattend == nil {
			return NewValidation("autounattend", "autounattend parameterization missing payload")
		}
	case ParamPlatformAssigned:
	default:
		return NewValidation("kind", fmt.Sprintf("unknown parameterization kind %q", p.Kind))
	}
	return nil
}

// Capabilities advertises what one platform adapter supports.
type Capabilities struct {
	// OnPrem distinguishes hypervisor nodes from public clouds
	OnPrem bool
	// GuestAgentChannel is true when a native guest-integration channel exists
	GuestAgentChannel bool
	// CloudInitClone supports clone-time cloud-init field injection
	CloudInitClone bool
	// ConfigDrive supports post-create ConfigDrive/NoCloud ISO attach
	ConfigDrive bool
	// NetworkCreate supports creating isolated networks
	NetworkCreate bool
	// SupportedDiskBuses lists usable disk controllers
	SupportedDiskBuses []DiskBus
}

// EntityKind names a registry entity class.
type EntityKind string

const (
	// EntityVM is a VMRecord
	EntityVM EntityKind = "vm"
	// EntityNetwork is a NetworkRecord
	EntityNetwork EntityKind = "network"
	// EntityLab is a LabRecord
	EntityLab EntityKind = "lab"
	// EntityHost is a platform host record
	EntityHost EntityKind = "host"
	// EntityOverseer is the Overseer health entity
	EntityOverseer EntityKind = "overseer"
)

// EntityRef addresses one entity in the Registry.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// String renders the canonical "kind/id" form used as topic and log key.
func (r EntityRef) String() string { return string(r.Kind) + "/" + r.ID }

// ParseEntityRef parses the canonical "kind/id" form.
func ParseEntityRef(s string) (EntityRef, error) {
	i := strings.IndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return EntityRef{}, NewValidation("entity_ref", fmt.Sprintf("malformed entity ref %q", s))
	}
	return EntityRef{Kind: EntityKind(s[:i]), ID: s[i+1:]}, nil
}

// LabStatus is the lifecycle state of a lab.
type LabStatus string

const (
	// LabPlanning means the DAG is being computed
	LabPlanning LabStatus = "PLANNING"
	// LabDeploying means tasks are executing
	LabDeploying LabStatus = "DEPLOYING"
	// LabReady means every VM is RUNNING with a primary IP and all post-config succeeded
	LabReady LabStatus = "READY"
	// LabDegraded means at least one VM is ready but some post-config failed
	LabDegraded LabStatus = "DEGRADED"
	// LabFailed means no usable VM came up
	LabFailed LabStatus = "FAILED"
	// LabDestroying means teardown is in progress
	LabDestroying LabStatus = "DESTROYING"
	// LabDestroyed is terminal
	LabDestroyed LabStatus = "DESTROYED"
)

// LabSpec is the declarative description of a whole lab.
type LabSpec struct {
	Name     string            `json:"name" yaml:"name"`
	Platform PlatformID        `json:"platform" yaml:"platform"`
	Networks []NetworkSpec     `json:"networks" yaml:"networks"`
	VMs      []VMSpec          `json:"vms" yaml:"vms"`
	Tags     map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// LabRecord is the root aggregate for one deployed lab.
type LabRecord struct {
	LabID         string            `json:"lab_id"`
	Spec          LabSpec           `json:"spec"`
	Status        LabStatus         `json:"status"`
	VMIDs         []string          `json:"vm_ids,omitempty"`
	NetworkIDs    []string          `json:"network_ids,omitempty"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time,omitempty"`
	DeploymentLog []string          `json:"deployment_log,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Ref returns the registry reference for this lab.
func (l *LabRecord) Ref() EntityRef { return EntityRef{Kind: EntityLab, ID: l.LabID} }

// HostRecord describes one platform endpoint's health for the fleet view.
type HostRecord struct {
	Platform     PlatformID `json:"platform_id"`
	Reachable    bool       `json:"reachable"`
	LastPollAt   time.Time  `json:"last_poll_at"`
	LastError    string     `json:"last_error,omitempty"`
	VMCount      int        `json:"vm_count"`
	NetworkCount int        `json:"network_count"`
}

// Ref returns the registry reference for this host.
func (h *HostRecord) Ref() EntityRef {
	return EntityRef{Kind: EntityHost, ID: string(h.Platform)}
}

// ChangeSource identifies who observed a state change.
type ChangeSource string

const (
	// SourceOrchestrator marks orchestrator-driven writes
	SourceOrchestrator ChangeSource = "ORCHESTRATOR"
	// SourcePoll marks polling-agent writes
	SourcePoll ChangeSource = "POLL"
	// SourceManual marks operator writes
	SourceManual ChangeSource = "MANUAL"
)

// StateChange is one append-only event in the Registry log.
type StateChange struct {
	// Version is strictly monotonic per entity ref
	Version uint64 `json:"version"`
	// Entity addresses the changed record
	Entity EntityRef `json:"entity_ref"`
	// Prev is the prior payload, absent for the first event
	Prev json.RawMessage `json:"prev,omitempty"`
	// Payload is the new record serialized as JSON
	Payload json.RawMessage `json:"payload"`
	// PrevHash chains events per entity for tamper evidence
	PrevHash string `json:"prev_hash,omitempty"`
	// Timestamp is when the change was detected
	Timestamp time.Time `json:"timestamp"`
	// Source identifies the writer
	Source ChangeSource `json:"source"`
}

// DriftResolution is the lifecycle of a drift record.
type DriftResolution string

const (
	// DriftPending awaits reconciliation
	DriftPending DriftResolution = "PENDING"
	// DriftReconciled was resolved by the Overseer
	DriftReconciled DriftResolution = "RECONCILED"
	// DriftIgnored was explicitly dismissed
	DriftIgnored DriftResolution = "IGNORED"
)

// Drift records a disagreement between expected and observed entity state.
type Drift struct {
	Entity     EntityRef       `json:"entity_ref"`
	Field      string          `json:"field"`
	Expected   string          `json:"expected"`
	Observed   string          `json:"observed"`
	DetectedAt time.Time       `json:"detected_at"`
	Resolution DriftResolution `json:"resolution"`
}

// RequestKind names an Overseer-gated action.
type RequestKind string

const (
	// RequestDeployLab deploys a LabSpec
	RequestDeployLab RequestKind = "deploy_lab"
	// RequestDestroyLab tears down a lab
	RequestDestroyLab RequestKind = "destroy_lab"
	// RequestDeleteVM deletes a single VM
	RequestDeleteVM RequestKind = "delete_vm"
	// RequestStartVM powers on a VM
	RequestStartVM RequestKind = "start_vm"
	// RequestStopVM powers off a VM
	RequestStopVM RequestKind = "stop_vm"
	// RequestReconcile resolves a drift record
	RequestReconcile RequestKind = "reconcile"
	// RequestRemediateVM repairs a RUNNING VM whose guest channel went silent
	RequestRemediateVM RequestKind = "remediate_vm"
	// RequestAlert is emitted by the monitor loop for operator attention
	RequestAlert RequestKind = "alert"
)

// Destructive reports whether the action removes resources.
func (k RequestKind) Destructive() bool {
	return k == RequestDestroyLab || k == RequestDeleteVM
}

// ApprovalState is the lifecycle of a Request. Terminal states are never left.
type ApprovalState string

const (
	// ApprovalPending awaits gating
	ApprovalPending ApprovalState = "PENDING"
	// ApprovalApproved passed gating and is queued
	ApprovalApproved ApprovalState = "APPROVED"
	// ApprovalDenied failed gating; terminal
	ApprovalDenied ApprovalState = "DENIED"
	// ApprovalExecuting is being handled by the execute loop
	ApprovalExecuting ApprovalState = "EXECUTING"
	// ApprovalCompleted finished successfully; terminal
	ApprovalCompleted ApprovalState = "COMPLETED"
	// ApprovalFailed finished unsuccessfully; terminal
	ApprovalFailed ApprovalState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s ApprovalState) Terminal() bool {
	return s == ApprovalDenied || s == ApprovalCompleted || s == ApprovalFailed
}

// Denial is the structured reason attached to a denied Request.
type Denial struct {
	// Rule is the stable name of the failing gate rule
	Rule string `json:"rule"`
	// Message is human-readable
	Message string `json:"message"`
	// Remediation suggests a next step when one is known
	Remediation string `json:"remediation,omitempty"`
}

// Request is an action submitted to the Overseer for gating and execution.
type Request struct {
	RequestID       string            `json:"request_id"`
	Kind            RequestKind       `json:"kind"`
	Target          EntityRef         `json:"target"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	LabSpec         *LabSpec          `json:"lab_spec,omitempty"`
	Requester       string            `json:"requester"`
	RequesterRole   int               `json:"requester_role"`
	ForceProduction bool              `json:"force_production,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Approval        ApprovalState     `json:"approval_state"`
	DenialReason    *Denial           `json:"denial_reason,omitempty"`
	Error           string            `json:"error,omitempty"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
}

// IPAllocation records one live address lease from a pool.
type IPAllocation struct {
	CIDR        string    `json:"cidr"`
	IP          string    `json:"ip"`
	VMRef       string    `json:"vm_ref"`
	Fallback    bool      `json:"fallback,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}
