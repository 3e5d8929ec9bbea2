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

// Package pveapi is a minimal Proxmox VE API client covering the operations
// glassdome needs: qemu lifecycle, cloud-init drive configuration, guest
// agent queries, SDN vnets and task polling.
package pveapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crypto/tls"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// Config holds the PVE API client configuration.
type Config struct {
	Endpoint           string
	TokenID            string
	TokenSecret        string
	Username           string
	Password           string
	InsecureSkipVerify bool
	DefaultNode        string
	DefaultStorage     string
	RequestTimeout     time.Duration
	TaskPollInterval   time.Duration
	TaskTimeout        time.Duration
}

// Client is a Proxmox VE API client.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    *url.URL
}

// NewClient creates a new PVE API client.
func NewClient(config *Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	baseURL, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.TaskPollInterval == 0 {
		config.TaskPollInterval = 2 * time.Second
	}
	if config.TaskTimeout == 0 {
		config.TaskTimeout = 5 * time.Minute
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // operator opt-in for lab appliances
		},
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		baseURL: baseURL,
	}, nil
}

// Config returns the client configuration.
func (c *Client) Config() *Config {
	return c.config
}

// VM is a Proxmox VE virtual machine as reported by status endpoints.
type VM struct {
	VMID      int    `json:"vmid"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Node      string `json:"node"`
	CPUs      int    `json:"cpus,omitempty"`
	Memory    int64  `json:"maxmem,omitempty"`
	Template  int    `json:"template,omitempty"`
	QMPStatus string `json:"qmpstatus,omitempty"`
	Agent     int    `json:"agent,omitempty"`
	Tags      string `json:"tags,omitempty"`
}

// VMConfig holds creation and clone parameters.
type VMConfig struct {
	VMID     int
	Name     string
	Cores    int
	MemoryMB int64
	Storage  string
	SCSIHW   string
	Networks []NetworkConfig
	Custom   map[string]string
}

// NetworkConfig describes one qemu NIC.
type NetworkConfig struct {
	Index  int
	Model  string
	Bridge string
	VLAN   int
	MAC    string
}

// CloudInitConfig holds the cloud-init drive parameters applied to a clone.
type CloudInitConfig struct {
	User        string
	Password    string
	SSHKeys     string // base64 of the public key material
	Nameserver  string
	IPConfigs   []IPConfig
	EnableAgent bool
}

// IPConfig is the per-NIC address configuration.
type IPConfig struct {
	Index   int
	CIDR    string // address in prefix notation, e.g. 10.10.0.50/24
	Gateway string
	DHCP    bool
}

// Task is a PVE asynchronous task.
type Task struct {
	UPID      string  `json:"upid"`
	Type      string  `json:"type"`
	Node      string  `json:"node"`
	StartTime int64   `json:"starttime"`
	Status    string  `json:"status"`
	ExitCode  *string `json:"exitstatus,omitempty"`
}

// VNet is an SDN virtual network.
type VNet struct {
	VNet  string `json:"vnet"`
	Zone  string `json:"zone"`
	Alias string `json:"alias,omitempty"`
	Tag   int    `json:"tag,omitempty"`
}

// Bridge is a node-level Linux bridge.
type Bridge struct {
	Iface  string `json:"iface"`
	Type   string `json:"type"`
	Active int    `json:"active,omitempty"`
}

// APIResponse is the generic PVE envelope.
type APIResponse struct {
	Data   interface{} `json:"data"`
	Errors interface{} `json:"errors,omitempty"`
}

func (c *Client) request(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.config.TokenID != "" && c.config.TokenSecret != "" {
		req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.config.TokenID, c.config.TokenSecret))
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, contracts.NewTransient("proxmox api request failed", err)
	}
	return resp, nil
}

// checkStatus maps a non-200 response to a categorized error.
func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return contracts.NewResourceMissing(msg, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e := contracts.NewPermanent(msg, nil)
		e.PlatformCode = strconv.Itoa(resp.StatusCode)
		return e
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		e := contracts.NewTransient(msg, nil)
		e.PlatformCode = strconv.Itoa(resp.StatusCode)
		return e
	default:
		e := contracts.NewPermanent(msg, nil)
		e.PlatformCode = strconv.Itoa(resp.StatusCode)
		return e
	}
}

func decodeData(resp *http.Response, out interface{}) error {
	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	data, err := json.Marshal(apiResp.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal response data: %w", err)
	}
	return json.Unmarshal(data, out)
}

func decodeTaskID(resp *http.Response) (string, error) {
	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if taskID, ok := apiResp.Data.(string); ok {
		return taskID, nil
	}
	return "", nil
}

// Version checks reachability and credentials.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.request(ctx, "GET", "/api2/json/version", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "version"); err != nil {
		return "", err
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := decodeData(resp, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// NextID asks the cluster for the next free vmid.
func (c *Client) NextID(ctx context.Context) (int, error) {
	resp, err := c.request(ctx, "GET", "/api2/json/cluster/nextid", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "nextid"); err != nil {
		return 0, err
	}
	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	switch v := apiResp.Data.(type) {
	case string:
		return strconv.Atoi(v)
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("unexpected nextid format %T", apiResp.Data)
	}
}

// GetVM retrieves the current status of a VM.
func (c *Client) GetVM(ctx context.Context, node string, vmid int) (*VM, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/status/current", node, vmid)

	resp, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "get vm"); err != nil {
		return nil, err
	}

	var vm VM
	if err := decodeData(resp, &vm); err != nil {
		return nil, err
	}
	vm.Node = node
	vm.VMID = vmid
	return &vm, nil
}

// ListVMs lists qemu guests on a node, templates included.
func (c *Client) ListVMs(ctx context.Context, node string) ([]*VM, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu", node)

	resp, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "list vms"); err != nil {
		return nil, err
	}

	var vms []*VM
	if err := decodeData(resp, &vms); err != nil {
		return nil, err
	}
	for _, vm := range vms {
		vm.Node = node
	}
	return vms, nil
}

// CreateVM creates a new empty VM and returns the task id.
func (c *Client) CreateVM(ctx context.Context, node string, config *VMConfig) (string, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu", node)

	resp, err := c.request(ctx, "POST", path, configToValues(config))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "create vm"); err != nil {
		return "", err
	}
	return decodeTaskID(resp)
}

// CloneVM performs a full clone of a template VM and returns the task id.
func (c *Client) CloneVM(ctx context.Context, node string, templateID int, config *VMConfig) (string, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/clone", node, templateID)

	values := url.Values{}
	values.Set("newid", strconv.Itoa(config.VMID))
	values.Set("full", "1")
	if config.Name != "" {
		values.Set("name", config.Name)
	}
	if config.Storage != "" {
		values.Set("storage", config.Storage)
	}

	resp, err := c.request(ctx, "POST", path, values)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "clone vm"); err != nil {
		return "", err
	}
	return decodeTaskID(resp)
}

// SetVMConfig applies raw config keys to a VM.
func (c *Client) SetVMConfig(ctx context.Context, node string, vmid int, values url.Values) error {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/config", node, vmid)

	resp, err := c.request(ctx, "PUT", path, values)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return checkStatus(resp, "set vm config")
}

// SetCloudInit populates the cloud-init drive of a cloned VM. SSHKeys must
// already be base64 of the public key material.
func (c *Client) SetCloudInit(ctx context.Context, node string, vmid int, ci *CloudInitConfig) error {
	values := url.Values{}
	if ci.User != "" {
		values.Set("ciuser", ci.User)
	}
	if ci.Password != "" {
		values.Set("cipassword", ci.Password)
	}
	if ci.SSHKeys != "" {
		values.Set("sshkeys", ci.SSHKeys)
	}
	if ci.Nameserver != "" {
		values.Set("nameserver", ci.Nameserver)
	}
	if ci.EnableAgent {
		values.Set("agent", "1")
	}
	for _, ip := range ci.IPConfigs {
		values.Set(fmt.Sprintf("ipconfig%d", ip.Index), buildIPConfigString(ip))
	}
	return c.SetVMConfig(ctx, node, vmid, values)
}

// GetVMConfig retrieves the raw VM configuration.
func (c *Client) GetVMConfig(ctx context.Context, node string, vmid int) (map[string]interface{}, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/config", node, vmid)

	resp, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "get vm config"); err != nil {
		return nil, err
	}

	var cfg map[string]interface{}
	if err := decodeData(resp, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DeleteVM deletes a VM. A 404 is treated as already deleted.
func (c *Client) DeleteVM(ctx context.Context, node string, vmid int) (string, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d", node, vmid)

	resp, err := c.request(ctx, "DELETE", path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if err := checkStatus(resp, "delete vm"); err != nil {
		return "", err
	}
	return decodeTaskID(resp)
}

// PowerOperation performs start, stop, shutdown or reboot.
func (c *Client) PowerOperation(ctx context.Context, node string, vmid int, operation string) (string, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/status/%s", node, vmid, operation)

	resp, err := c.request(ctx, "POST", path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "power "+operation); err != nil {
		return "", err
	}
	return decodeTaskID(resp)
}

// AgentInterface is one NIC as reported by the qemu guest agent.
type AgentInterface struct {
	Name         string `json:"name"`
	HardwareAddr string `json:"hardware-address"`
	IPAddresses  []struct {
		Type    string `json:"ip-address-type"`
		Address string `json:"ip-address"`
		Prefix  int    `json:"prefix"`
	} `json:"ip-addresses"`
}

// AgentNetworkInterfaces queries the guest agent for interface addresses.
// Returns ResourceMissing while the agent is not yet responding.
func (c *Client) AgentNetworkInterfaces(ctx context.Context, node string, vmid int) ([]AgentInterface, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/agent/network-get-interfaces", node, vmid)

	resp, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "agent network-get-interfaces"); err != nil {
		return nil, err
	}

	var data struct {
		Result []AgentInterface `json:"result"`
	}
	if err := decodeData(resp, &data); err != nil {
		return nil, err
	}
	return data.Result, nil
}

// ListVNets lists SDN virtual networks.
func (c *Client) ListVNets(ctx context.Context) ([]*VNet, error) {
	resp, err := c.request(ctx, "GET", "/api2/json/cluster/sdn/vnets", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "list vnets"); err != nil {
		return nil, err
	}

	var vnets []*VNet
	if err := decodeData(resp, &vnets); err != nil {
		return nil, err
	}
	return vnets, nil
}

// CreateVNet creates an SDN virtual network.
func (c *Client) CreateVNet(ctx context.Context, vnet, zone string, tag int) error {
	values := url.Values{}
	values.Set("vnet", vnet)
	values.Set("zone", zone)
	if tag > 0 {
		values.Set("tag", strconv.Itoa(tag))
	}

	resp, err := c.request(ctx, "POST", "/api2/json/cluster/sdn/vnets", values)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return checkStatus(resp, "create vnet")
}

// DeleteVNet deletes an SDN virtual network. A 404 is treated as deleted.
func (c *Client) DeleteVNet(ctx context.Context, vnet string) error {
	resp, err := c.request(ctx, "DELETE", "/api2/json/cluster/sdn/vnets/"+vnet, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkStatus(resp, "delete vnet")
}

// ApplySDN commits pending SDN changes cluster-wide.
func (c *Client) ApplySDN(ctx context.Context) error {
	resp, err := c.request(ctx, "PUT", "/api2/json/cluster/sdn", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return checkStatus(resp, "apply sdn")
}

// ListBridges lists bridge interfaces on a node.
func (c *Client) ListBridges(ctx context.Context, node string) ([]*Bridge, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/network", node)

	resp, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "list bridges"); err != nil {
		return nil, err
	}

	var all []*Bridge
	if err := decodeData(resp, &all); err != nil {
		return nil, err
	}
	bridges := all[:0]
	for _, b := range all {
		if b.Type == "bridge" {
			bridges = append(bridges, b)
		}
	}
	return bridges, nil
}

// GetTaskStatus gets the status of a task.
func (c *Client) GetTaskStatus(ctx context.Context, node, taskID string) (*Task, error) {
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", node, taskID)

	resp, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := checkStatus(resp, "get task status"); err != nil {
		return nil, err
	}

	var task Task
	if err := decodeData(resp, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// WaitForTask polls a task until it stops or the task timeout elapses.
func (c *Client) WaitForTask(ctx context.Context, node, taskID string) error {
	if taskID == "" {
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.TaskTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.TaskPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return contracts.NewTransient("proxmox task timed out", timeoutCtx.Err())
		case <-ticker.C:
			task, err := c.GetTaskStatus(ctx, node, taskID)
			if err != nil {
				return err
			}
			if task.Status == "stopped" {
				if task.ExitCode != nil && *task.ExitCode != "OK" {
					return contracts.NewPermanent(fmt.Sprintf("proxmox task failed: %s", *task.ExitCode), nil)
				}
				return nil
			}
		}
	}
}

func configToValues(config *VMConfig) url.Values {
	values := url.Values{}
	if config.VMID != 0 {
		values.Set("vmid", strconv.Itoa(config.VMID))
	}
	if config.Name != "" {
		values.Set("name", config.Name)
	}
	if config.Cores != 0 {
		values.Set("cores", strconv.Itoa(config.Cores))
	}
	if config.MemoryMB != 0 {
		values.Set("memory", strconv.FormatInt(config.MemoryMB, 10))
	}
	if config.Storage != "" {
		values.Set("storage", config.Storage)
	}
	if config.SCSIHW != "" {
		values.Set("scsihw", config.SCSIHW)
	}
	for _, nc := range config.Networks {
		if s := buildNetworkString(nc); s != "" {
			values.Set(fmt.Sprintf("net%d", nc.Index), s)
		}
	}
	for key, value := range config.Custom {
		values.Set(key, value)
	}
	return values
}

func buildNetworkString(nc NetworkConfig) string {
	model := nc.Model
	if model == "" {
		model = "virtio"
	}
	parts := []string{model}

	bridge := nc.Bridge
	if bridge == "" {
		bridge = "vmbr0"
	}
	parts = append(parts, fmt.Sprintf("bridge=%s", bridge))

	if nc.VLAN > 0 {
		parts = append(parts, fmt.Sprintf("tag=%d", nc.VLAN))
	}
	if nc.MAC != "" {
		parts = append(parts, fmt.Sprintf("macaddr=%s", nc.MAC))
	}
	return strings.Join(parts, ",")
}

func buildIPConfigString(ip IPConfig) string {
	if ip.DHCP {
		return "ip=dhcp"
	}
	var parts []string
	if ip.CIDR != "" {
		parts = append(parts, fmt.Sprintf("ip=%s", ip.CIDR))
	}
	if ip.Gateway != "" {
		parts = append(parts, fmt.Sprintf("gw=%s", ip.Gateway))
	}
	return strings.Join(parts, ",")
}
