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

// Package pvefake provides a fake Proxmox VE API server for testing.
package pvefake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// VM is a fake qemu guest.
type VM struct {
	VMID     int               `json:"vmid"`
	Name     string            `json:"name"`
	Status   string            `json:"status"`
	Node     string            `json:"node"`
	CPUs     int               `json:"cpus,omitempty"`
	Memory   int64             `json:"maxmem,omitempty"`
	Template int               `json:"template,omitempty"`
	Agent    int               `json:"agent,omitempty"`
	Tags     string            `json:"tags,omitempty"`
	Config   map[string]string `json:"-"`
	// GuestIPs is what the fake guest agent reports once the VM runs
	GuestIPs []string `json:"-"`
}

// VNet is a fake SDN virtual network.
type VNet struct {
	VNet  string `json:"vnet"`
	Zone  string `json:"zone"`
	Alias string `json:"alias,omitempty"`
	Tag   int    `json:"tag,omitempty"`
}

type task struct {
	UPID      string  `json:"upid"`
	Node      string  `json:"node"`
	StartTime int64   `json:"starttime"`
	Status    string  `json:"status"`
	ExitCode  *string `json:"exitstatus,omitempty"`
}

type apiResponse struct {
	Data interface{} `json:"data"`
}

// Server is a fake Proxmox VE API server backed by httptest.
type Server struct {
	mu     sync.RWMutex
	vms    map[int]*VM
	vnets  map[string]*VNet
	tasks  map[string]*task
	nextID int
	http   *httptest.Server

	// FailNext makes the next matching operation fail with the given status.
	FailNext map[string]int
	// AgentDelay defers guest-agent answers for freshly started VMs.
	AgentDelay time.Duration

	started map[int]time.Time
}

// NewServer starts a fake server with no VMs.
func NewServer() *Server {
	s := &Server{
		vms:      make(map[int]*VM),
		vnets:    make(map[string]*VNet),
		tasks:    make(map[string]*task),
		nextID:   100,
		FailNext: make(map[string]int),
		started:  make(map[int]time.Time),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api2/json/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/api2/json/cluster/nextid", s.handleNextID).Methods(http.MethodGet)
	r.HandleFunc("/api2/json/cluster/sdn", s.handleApplySDN).Methods(http.MethodPut)
	r.HandleFunc("/api2/json/cluster/sdn/vnets", s.handleListVNets).Methods(http.MethodGet)
	r.HandleFunc("/api2/json/cluster/sdn/vnets", s.handleCreateVNet).Methods(http.MethodPost)
	r.HandleFunc("/api2/json/cluster/sdn/vnets/{vnet}", s.handleDeleteVNet).Methods(http.MethodDelete)
	r.HandleFunc("/api2/json/nodes/{node}/network", s.handleListBridges).Methods(http.MethodGet)
	r.HandleFunc("/api2/json/nodes/{node}/qemu", s.handleListVMs).Methods(http.MethodGet)
	r.HandleFunc("/api2/json/nodes/{node}/qemu", s.handleCreateVM).Methods(http.MethodPost)
	r.HandleFunc("/api2/json/nodes/{node}/qemu/{vmid}", s.handleDeleteVM).Methods(http.MethodDelete)
	r.HandleFunc("/api2/json/nodes/{node}/qemu/{vmid}/clone", s.handleCloneVM).Methods(http.MethodPost)
	r.HandleFunc("/api2/json/nodes/{node}/qemu/{vmid}/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api2/json/nodes/{node}/qemu/{vmid}/config", s.handleSetConfig).Methods(http.MethodPut)
	r.HandleFunc("/api2/json/nodes/{node}/qemu/{vmid}/status/current", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api2/json/nodes/{node}/qemu/{vmid}/status/{op}", s.handlePower).Methods(http.MethodPost)
	r.HandleFunc("/api2/json/nodes/{node}/qemu/{vmid}/agent/network-get-interfaces", s.handleAgent).Methods(http.MethodGet)
	r.HandleFunc("/api2/json/nodes/{node}/tasks/{upid}/status", s.handleTaskStatus).Methods(http.MethodGet)

	s.http = httptest.NewServer(r)
	return s
}

// URL returns the fake endpoint.
func (s *Server) URL() string { return s.http.URL }

// Close shuts the fake down.
func (s *Server) Close() { s.http.Close() }

// AddTemplate seeds a cloud-init template VM and returns its id.
func (s *Server) AddTemplate(name string, agent bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	vm := &VM{
		VMID:     id,
		Name:     name,
		Status:   "stopped",
		Template: 1,
		Config:   map[string]string{"ide2": "local-lvm:cloudinit,media=cdrom"},
	}
	if agent {
		vm.Agent = 1
		vm.Config["agent"] = "1"
	}
	s.vms[id] = vm
	return id
}

// VM returns the stored fake VM, or nil.
func (s *Server) VM(vmid int) *VM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vms[vmid]
}

// SetGuestIPs sets what the fake guest agent reports for a VM.
func (s *Server) SetGuestIPs(vmid int, ips ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vm := s.vms[vmid]; vm != nil {
		vm.GuestIPs = ips
	}
}

// VNetCount returns the number of SDN vnets.
func (s *Server) VNetCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vnets)
}

func (s *Server) fail(w http.ResponseWriter, op string) bool {
	s.mu.Lock()
	status, ok := s.FailNext[op]
	if ok {
		delete(s.FailNext, op)
	}
	s.mu.Unlock()
	if ok {
		http.Error(w, fmt.Sprintf("injected %s failure", op), status)
		return true
	}
	return false
}

func (s *Server) newTask(kind string) string {
	upid := fmt.Sprintf("UPID:pve:0000%d:%s:OK:", len(s.tasks)+1, kind)
	ok := "OK"
	s.tasks[upid] = &task{
		UPID:      upid,
		Node:      "pve",
		StartTime: time.Now().Unix(),
		Status:    "stopped",
		ExitCode:  &ok,
	}
	return upid
}

func writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(apiResponse{Data: data})
}

func vmidVar(r *http.Request) int {
	id, _ := strconv.Atoi(mux.Vars(r)["vmid"])
	return id
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeData(w, map[string]string{"version": "8.2.4", "release": "8.2"})
}

func (s *Server) handleNextID(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()
	writeData(w, strconv.Itoa(id))
}

func (s *Server) handleListVMs(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	vms := make([]*VM, 0, len(s.vms))
	for _, vm := range s.vms {
		vms = append(vms, vm)
	}
	s.mu.RUnlock()
	writeData(w, vms)
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	if s.fail(w, "create") {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	vmid, _ := strconv.Atoi(r.PostForm.Get("vmid"))
	cores, _ := strconv.Atoi(r.PostForm.Get("cores"))
	mem, _ := strconv.ParseInt(r.PostForm.Get("memory"), 10, 64)

	s.mu.Lock()
	s.vms[vmid] = &VM{
		VMID:   vmid,
		Name:   r.PostForm.Get("name"),
		Status: "stopped",
		CPUs:   cores,
		Memory: mem << 20,
		Tags:   r.PostForm.Get("tags"),
		Config: formToConfig(r),
	}
	upid := s.newTask("qmcreate")
	s.mu.Unlock()

	writeData(w, upid)
}

func (s *Server) handleCloneVM(w http.ResponseWriter, r *http.Request) {
	if s.fail(w, "clone") {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	srcID := vmidVar(r)
	newID, _ := strconv.Atoi(r.PostForm.Get("newid"))

	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.vms[srcID]
	if !ok {
		http.Error(w, "source vm not found", http.StatusNotFound)
		return
	}

	clone := &VM{
		VMID:   newID,
		Name:   r.PostForm.Get("name"),
		Status: "stopped",
		Agent:  src.Agent,
		Config: map[string]string{},
	}
	for k, v := range src.Config {
		clone.Config[k] = v
	}
	s.vms[newID] = clone

	writeData(w, s.newTask("qmclone"))
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	if s.fail(w, "delete") {
		return
	}
	vmid := vmidVar(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vms[vmid]; !ok {
		http.Error(w, "vm not found", http.StatusNotFound)
		return
	}
	delete(s.vms, vmid)
	writeData(w, s.newTask("qmdestroy"))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vm, ok := s.vms[vmidVar(r)]
	if !ok {
		http.Error(w, "vm not found", http.StatusNotFound)
		return
	}
	writeData(w, vm.Config)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if s.fail(w, "config") {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[vmidVar(r)]
	if !ok {
		http.Error(w, "vm not found", http.StatusNotFound)
		return
	}
	for key, vals := range r.PostForm {
		if len(vals) > 0 {
			vm.Config[key] = vals[0]
		}
	}
	if cores, err := strconv.Atoi(vm.Config["cores"]); err == nil {
		vm.CPUs = cores
	}
	if mem, err := strconv.ParseInt(vm.Config["memory"], 10, 64); err == nil {
		vm.Memory = mem << 20
	}
	if tags, ok := vm.Config["tags"]; ok {
		vm.Tags = tags
	}
	writeData(w, nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vm, ok := s.vms[vmidVar(r)]
	if !ok {
		http.Error(w, "vm not found", http.StatusNotFound)
		return
	}
	writeData(w, vm)
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	if s.fail(w, "power") {
		return
	}
	op := mux.Vars(r)["op"]

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[vmidVar(r)]
	if !ok {
		http.Error(w, "vm not found", http.StatusNotFound)
		return
	}
	switch op {
	case "start", "reboot":
		vm.Status = "running"
		s.started[vm.VMID] = time.Now()
	case "stop", "shutdown":
		vm.Status = "stopped"
	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
		return
	}
	writeData(w, s.newTask("qm"+op))
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vm, ok := s.vms[vmidVar(r)]
	if !ok {
		http.Error(w, "vm not found", http.StatusNotFound)
		return
	}
	if vm.Status != "running" || vm.Agent != 1 {
		http.Error(w, "guest agent is not running", http.StatusInternalServerError)
		return
	}
	if s.AgentDelay > 0 && time.Since(s.started[vm.VMID]) < s.AgentDelay {
		http.Error(w, "guest agent is not running", http.StatusInternalServerError)
		return
	}

	type ipAddr struct {
		Type    string `json:"ip-address-type"`
		Address string `json:"ip-address"`
		Prefix  int    `json:"prefix"`
	}
	type iface struct {
		Name         string   `json:"name"`
		HardwareAddr string   `json:"hardware-address"`
		IPAddresses  []ipAddr `json:"ip-addresses"`
	}

	result := []iface{{
		Name:        "lo",
		IPAddresses: []ipAddr{{Type: "ipv4", Address: "127.0.0.1", Prefix: 8}},
	}}
	eth := iface{Name: "eth0", HardwareAddr: "bc:24:11:00:00:01"}
	for _, ip := range vm.GuestIPs {
		eth.IPAddresses = append(eth.IPAddresses, ipAddr{Type: "ipv4", Address: ip, Prefix: 24})
	}
	result = append(result, eth)

	writeData(w, map[string]interface{}{"result": result})
}

func (s *Server) handleListVNets(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	vnets := make([]*VNet, 0, len(s.vnets))
	for _, v := range s.vnets {
		vnets = append(vnets, v)
	}
	s.mu.RUnlock()
	writeData(w, vnets)
}

func (s *Server) handleCreateVNet(w http.ResponseWriter, r *http.Request) {
	if s.fail(w, "vnet") {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.PostForm.Get("vnet")
	tag, _ := strconv.Atoi(r.PostForm.Get("tag"))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.vnets[name] = &VNet{VNet: name, Zone: r.PostForm.Get("zone"), Tag: tag}
	writeData(w, nil)
}

func (s *Server) handleDeleteVNet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["vnet"]

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vnets[name]; !ok {
		http.Error(w, "vnet not found", http.StatusNotFound)
		return
	}
	delete(s.vnets, name)
	writeData(w, nil)
}

func (s *Server) handleApplySDN(w http.ResponseWriter, _ *http.Request) {
	writeData(w, nil)
}

func (s *Server) handleListBridges(w http.ResponseWriter, _ *http.Request) {
	writeData(w, []map[string]interface{}{
		{"iface": "vmbr0", "type": "bridge", "active": 1},
		{"iface": "eno1", "type": "eth", "active": 1},
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	upid := mux.Vars(r)["upid"]

	s.mu.RLock()
	t, ok := s.tasks[upid]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeData(w, t)
}

func formToConfig(r *http.Request) map[string]string {
	cfg := make(map[string]string)
	for key, vals := range r.PostForm {
		if len(vals) > 0 {
			cfg[key] = vals[0]
		}
	}
	return cfg
}
