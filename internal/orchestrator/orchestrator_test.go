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

package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/ipam"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/platform/mock"
	platformregistry "github.com/glassdome/glassdome/internal/platform/registry"
	"github.com/glassdome/glassdome/internal/provisioner"
	"github.com/glassdome/glassdome/internal/registry"
	"github.com/glassdome/glassdome/internal/remote"
)

type appliedPlaybook struct {
	Playbook string
	Hosts    []string
	Vars     map[string]string
}

// fakeExecutor records playbook applications and fails the ones listed in
// failOn.
type fakeExecutor struct {
	mu      sync.Mutex
	applied []appliedPlaybook
	failOn  map[string]error
}

func (f *fakeExecutor) Apply(_ context.Context, playbook string, inv *remote.Inventory, vars map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[playbook]; ok {
		return err
	}
	var hosts []string
	for _, group := range inv.Groups() {
		for _, h := range inv.Hosts(group) {
			hosts = append(hosts, h.Name)
		}
	}
	f.applied = append(f.applied, appliedPlaybook{Playbook: playbook, Hosts: hosts, Vars: vars})
	return nil
}

func (f *fakeExecutor) playbooks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.applied {
		out = append(out, a.Playbook)
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	platform *mock.Provider
	store    *registry.Store
	executor *fakeExecutor
	pools    *ipam.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	platform := mock.New("mock:lab")
	return newFixtureFor(t, platform, platform, &config.OrchestratorConfig{
		MaxConcurrency:      config.ConcurrencyLimits{VM: 4, PostConfig: 2},
		Retry:               config.RetrySettings{MaxAttempts: 1},
		TaskTimeoutDefaultS: 30,
	})
}

func newFixtureFor(t *testing.T, adapter contracts.PlatformCapability, platform *mock.Provider, cfg *config.OrchestratorConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := registry.Open(t.TempDir(), registry.NewMemoryBus(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	platforms := platformregistry.New()
	platforms.Register(adapter)

	pools, err := ipam.NewManager([]config.IPPoolConfig{{
		CIDR:       "10.77.0.0/24",
		RangeStart: "10.77.0.20",
		RangeEnd:   "10.77.0.40",
		Gateway:    "10.77.0.1",
		DNS:        []string{"10.77.0.1"},
	}})
	require.NoError(t, err)

	executor := &fakeExecutor{failOn: make(map[string]error)}

	return &fixture{
		orch:     New(platforms, provisioner.New(pools, logger), store, executor, cfg, logger),
		platform: platform,
		store:    store,
		executor: executor,
		pools:    pools,
	}
}

func testCreds() contracts.CredentialBundle {
	return contracts.CredentialBundle{
		Username:     "glassdome",
		Password:     "labpass-1",
		SSHPublicKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAITESTTESTTESTTESTTESTTESTTESTTESTTESTTESTTEST deploy",
	}
}

func webLab() *contracts.LabSpec {
	return &contracts.LabSpec{
		Name:     "lab-web",
		Platform: "mock:lab",
		Networks: []contracts.NetworkSpec{
			{Name: "lan", CIDR: "10.77.0.0/24", Gateway: "10.77.0.1", Mode: contracts.NetworkIsolated, VLAN: 101},
		},
		VMs: []contracts.VMSpec{
			{
				Name:        "web01",
				OSFamily:    contracts.OSUbuntu,
				OSVersion:   "22.04",
				Networks:    []contracts.NetworkAttachment{{NetworkName: "lan"}},
				Credentials: testCreds(),
				Tags:        map[string]string{"purpose": "web"},
				PostConfig:  []contracts.PostConfigStep{{Playbook: "web/site.yml", Vars: map[string]string{"tls": "off"}}},
			},
			{
				Name:        "db01",
				OSFamily:    contracts.OSUbuntu,
				OSVersion:   "22.04",
				Networks:    []contracts.NetworkAttachment{{NetworkName: "lan"}},
				Credentials: testCreds(),
				Tags:        map[string]string{"purpose": "db"},
			},
		},
	}
}

func TestDeployReachesReady(t *testing.T) {
	f := newFixture(t)

	lab, err := f.orch.Deploy(context.Background(), webLab())
	require.NoError(t, err)
	assert.Equal(t, contracts.LabReady, lab.Status)
	assert.Len(t, lab.VMIDs, 2)
	assert.Len(t, lab.NetworkIDs, 1)
	assert.False(t, lab.EndTime.IsZero())

	assert.Equal(t, 2, f.platform.VMCount())
	assert.Equal(t, 1, f.platform.NetworkCount())
	assert.Equal(t, []string{"web/site.yml"}, f.executor.playbooks())

	// The registry saw the full status progression for this lab.
	stored, ok := f.store.GetLab("lab-web")
	require.True(t, ok)
	assert.Equal(t, contracts.LabReady, stored.Status)
	history := f.store.History(stored.Ref())
	var statuses []contracts.LabStatus
	for _, ev := range history {
		var rec contracts.LabRecord
		require.NoError(t, json.Unmarshal(ev.Payload, &rec))
		statuses = append(statuses, rec.Status)
	}
	assert.Equal(t, []contracts.LabStatus{
		contracts.LabPlanning, contracts.LabDeploying, contracts.LabReady,
	}, statuses)

	for _, vm := range f.store.VMs() {
		assert.Equal(t, contracts.VMStatusRunning, vm.Status)
		assert.NotEmpty(t, vm.PrimaryIP)
		assert.Equal(t, "lab-web", vm.OwnerLab)
	}
}

func TestDeployInventoryCarriesCredentials(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Deploy(context.Background(), webLab())
	require.NoError(t, err)

	require.Len(t, f.executor.applied, 1)
	applied := f.executor.applied[0]
	assert.Equal(t, []string{"web01"}, applied.Hosts)
	assert.Equal(t, "off", applied.Vars["tls"])
}

func TestDeployRejectsBadSpecBeforeTouchingPlatform(t *testing.T) {
	f := newFixture(t)

	spec := webLab()
	spec.VMs[0].Networks = []contracts.NetworkAttachment{{NetworkName: "nosuchnet"}}

	_, err := f.orch.Deploy(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
	assert.Zero(t, f.platform.VMCount())
	assert.Zero(t, f.platform.NetworkCount())
}

func TestDeployIsolatesFailedBranch(t *testing.T) {
	f := newFixture(t)

	// No kali template exists on the platform, so this VM fails during
	// preparation while the rest of the lab proceeds.
	spec := webLab()
	spec.VMs = append(spec.VMs, contracts.VMSpec{
		Name:        "kali01",
		OSFamily:    contracts.OSKali,
		Networks:    []contracts.NetworkAttachment{{NetworkName: "lan"}},
		Credentials: testCreds(),
	})

	lab, err := f.orch.Deploy(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, contracts.LabDegraded, lab.Status)
	assert.Len(t, lab.VMIDs, 2)
	assert.Equal(t, 2, f.platform.VMCount())
	assert.NotEmpty(t, lab.DeploymentLog)
}

func TestDeployAllVMsFailedIsFailed(t *testing.T) {
	f := newFixture(t)

	spec := webLab()
	spec.VMs = spec.VMs[:1]
	spec.VMs[0].OSFamily = contracts.OSKali

	lab, err := f.orch.Deploy(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, contracts.LabFailed, lab.Status)
	assert.Zero(t, f.platform.VMCount())
}

func TestDeployPostConfigFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.executor.failOn["web/site.yml"] = contracts.NewPermanent("playbook web/site.yml exited 2", nil)

	lab, err := f.orch.Deploy(context.Background(), webLab())
	require.NoError(t, err)
	assert.Equal(t, contracts.LabDegraded, lab.Status)

	// The VMs themselves are untouched by the playbook failure.
	for _, vm := range f.store.VMs() {
		assert.Equal(t, contracts.VMStatusRunning, vm.Status)
	}
}

func TestDeployCancelledLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lab, err := f.orch.Deploy(ctx, webLab())
	require.Error(t, err)
	assert.True(t, contracts.IsTransient(err))
	assert.Equal(t, contracts.LabDestroyed, lab.Status)
	assert.Zero(t, f.platform.VMCount())
	assert.Zero(t, f.platform.NetworkCount())
}

func TestDestroyTearsDownLab(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lab, err := f.orch.Deploy(ctx, webLab())
	require.NoError(t, err)
	require.Equal(t, contracts.LabReady, lab.Status)

	pool, err := f.pools.PoolFor("10.77.0.0/24")
	require.NoError(t, err)
	require.Equal(t, 2, pool.Allocated())

	require.NoError(t, f.orch.Destroy(ctx, "lab-web"))

	assert.Zero(t, f.platform.VMCount())
	assert.Zero(t, f.platform.NetworkCount())
	assert.Zero(t, pool.Allocated())

	stored, ok := f.store.GetLab("lab-web")
	require.True(t, ok)
	assert.Equal(t, contracts.LabDestroyed, stored.Status)
	for _, vm := range f.store.VMs() {
		assert.Equal(t, contracts.VMStatusDeleted, vm.Status)
	}

	// Destroying an already destroyed lab is a no-op.
	require.NoError(t, f.orch.Destroy(ctx, "lab-web"))
}

func TestDestroyMissingLab(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Destroy(context.Background(), "nosuchlab")
	require.Error(t, err)
	assert.True(t, contracts.IsResourceMissing(err))
}

// stallingProvider wedges selected operations until the caller's deadline
// expires, once each, then behaves like the embedded platform. It simulates a
// guest that needs longer than one task window.
type stallingProvider struct {
	*mock.Provider
	mu      sync.Mutex
	stallOn map[string]bool
	stalled map[string]bool
	ipCalls int
}

func newStallingProvider(ops ...string) *stallingProvider {
	p := &stallingProvider{
		Provider: mock.New("mock:lab"),
		stallOn:  make(map[string]bool),
		stalled:  make(map[string]bool),
	}
	for _, op := range ops {
		p.stallOn[op] = true
	}
	return p
}

func (p *stallingProvider) stall(ctx context.Context, op string) bool {
	p.mu.Lock()
	want := p.stallOn[op] && !p.stalled[op]
	if want {
		p.stalled[op] = true
	}
	p.mu.Unlock()
	if want {
		<-ctx.Done()
	}
	return want
}

func (p *stallingProvider) GetVMIP(ctx context.Context, vmID string, timeout time.Duration) (string, error) {
	p.mu.Lock()
	p.ipCalls++
	p.mu.Unlock()
	if p.stall(ctx, "get_ip") {
		return "", contracts.NewTransient("guest agent not yet reporting", ctx.Err())
	}
	return p.Provider.GetVMIP(ctx, vmID, timeout)
}

func (p *stallingProvider) StartVM(ctx context.Context, vmID string) error {
	if p.stall(ctx, "start") {
		return contracts.NewTransient("power-on request timed out", ctx.Err())
	}
	return p.Provider.StartVM(ctx, vmID)
}

func retryingConfig() *config.OrchestratorConfig {
	return &config.OrchestratorConfig{
		MaxConcurrency:      config.ConcurrencyLimits{VM: 4, PostConfig: 2},
		Retry:               config.RetrySettings{MaxAttempts: 2, BaseDelayS: 1, CapDelayS: 1},
		TaskTimeoutDefaultS: 1,
	}
}

func TestDeployRetriesTimedOutTaskWithFreshWindow(t *testing.T) {
	adapter := newStallingProvider("get_ip")
	f := newFixtureFor(t, adapter, adapter.Provider, retryingConfig())

	spec := webLab()
	spec.VMs = spec.VMs[:1]
	spec.VMs[0].PostConfig = nil

	// The first IP-discovery attempt runs out its task window; the second
	// attempt gets a fresh one and succeeds.
	lab, err := f.orch.Deploy(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, contracts.LabReady, lab.Status)

	adapter.mu.Lock()
	calls := adapter.ipCalls
	adapter.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)

	stored, ok := f.store.GetLab("lab-web")
	require.True(t, ok)
	assert.Equal(t, contracts.LabReady, stored.Status)
	for _, vm := range f.store.VMs() {
		assert.Equal(t, contracts.VMStatusRunning, vm.Status)
		assert.NotEmpty(t, vm.PrimaryIP)
	}
}

func TestDeployRetriedCreateDoesNotCloneTwice(t *testing.T) {
	adapter := newStallingProvider("start")
	f := newFixtureFor(t, adapter, adapter.Provider, retryingConfig())

	spec := webLab()
	spec.VMs = spec.VMs[:1]
	spec.VMs[0].PostConfig = nil

	lab, err := f.orch.Deploy(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, contracts.LabReady, lab.Status)
	assert.Equal(t, 1, f.platform.VMCount())

	pool, err := f.pools.PoolFor("10.77.0.0/24")
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Allocated())
}

func TestDeployGroupedPostConfigSeesAllMembers(t *testing.T) {
	f := newFixture(t)

	spec := webLab()
	spec.VMs[1].Tags["purpose"] = "web"
	spec.VMs[0].PostConfig = []contracts.PostConfigStep{{Playbook: "web/cluster.yml", Group: "web"}}

	lab, err := f.orch.Deploy(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, contracts.LabReady, lab.Status)

	require.Len(t, f.executor.applied, 1)
	assert.ElementsMatch(t, []string{"web01", "db01"}, f.executor.applied[0].Hosts)
}
