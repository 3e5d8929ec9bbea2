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

package overseer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/ipam"
	"github.com/glassdome/glassdome/internal/orchestrator"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/platform/mock"
	platformregistry "github.com/glassdome/glassdome/internal/platform/registry"
	"github.com/glassdome/glassdome/internal/provisioner"
	"github.com/glassdome/glassdome/internal/registry"
	"github.com/glassdome/glassdome/internal/remote"
)

type noopExecutor struct{}

func (noopExecutor) Apply(context.Context, string, *remote.Inventory, map[string]string) error {
	return nil
}

type overseerFixture struct {
	overseer *Overseer
	store    *registry.Store
	platform *mock.Provider
	poller   *registry.Poller
	stateDir string
}

func newOverseerFixture(t *testing.T) *overseerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := registry.Open(t.TempDir(), registry.NewMemoryBus(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	platform := mock.New("mock:lab")
	platforms := platformregistry.New()
	platforms.Register(platform)

	pools, err := ipam.NewManager([]config.IPPoolConfig{{
		CIDR:       "10.77.0.0/24",
		RangeStart: "10.77.0.20",
		RangeEnd:   "10.77.0.40",
		Gateway:    "10.77.0.1",
	}})
	require.NoError(t, err)

	orch := orchestrator.New(platforms, provisioner.New(pools, logger), store, noopExecutor{},
		&config.OrchestratorConfig{
			MaxConcurrency:      config.ConcurrencyLimits{VM: 4, PostConfig: 2},
			Retry:               config.RetrySettings{MaxAttempts: 1},
			TaskTimeoutDefaultS: 30,
		}, logger)

	poller := registry.NewPoller(store, platforms, config.PollIntervals{
		Lab:  time.Second,
		VM:   10 * time.Second,
		Host: 30 * time.Second,
	}, logger)

	stateDir := t.TempDir()
	ov, err := New(store, platforms, orch, poller, nil, stateDir,
		&config.OverseerConfig{
			LoopIntervals:     config.LoopIntervals{Monitor: 30 * time.Second, Sync: 60 * time.Second, Health: 300 * time.Second},
			MassActionCap:     5,
			FreshnessHorizonS: 120,
		}, logger)
	require.NoError(t, err)

	// Seed host reachability so the gate's freshness rule passes.
	poller.PollHosts(context.Background())

	return &overseerFixture{overseer: ov, store: store, platform: platform, poller: poller, stateDir: stateDir}
}

func deployRequest(spec *contracts.LabSpec) *contracts.Request {
	return &contracts.Request{
		Kind:          contracts.RequestDeployLab,
		LabSpec:       spec,
		Requester:     "tester",
		RequesterRole: RoleOperator,
	}
}

func minimalLab(name string) *contracts.LabSpec {
	return &contracts.LabSpec{
		Name:     name,
		Platform: "mock:lab",
		Networks: []contracts.NetworkSpec{
			{Name: "lan", CIDR: "10.77.0.0/24", Gateway: "10.77.0.1", Mode: contracts.NetworkIsolated},
		},
		VMs: []contracts.VMSpec{{
			Name:      "web01",
			OSFamily:  contracts.OSUbuntu,
			OSVersion: "22.04",
			Networks:  []contracts.NetworkAttachment{{NetworkName: "lan"}},
			Credentials: contracts.CredentialBundle{
				Username:     "glassdome",
				Password:     "labpass-1",
				SSHPublicKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAITESTTESTTESTTESTTESTTESTTESTTESTTESTTESTTEST deploy",
			},
		}},
		Tags: map[string]string{"production": "false"},
	}
}

func TestSubmitApprovesAndExecutesDeploy(t *testing.T) {
	f := newOverseerFixture(t)
	ctx := context.Background()

	req, err := f.overseer.Submit(ctx, deployRequest(minimalLab("lab-ov")))
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, req.Approval)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, 1, f.overseer.Queue().Depth())

	f.overseer.executeTick(ctx)

	done, ok := f.overseer.Queue().Get(req.RequestID)
	require.True(t, ok)
	assert.Equal(t, contracts.ApprovalCompleted, done.Approval)
	assert.False(t, done.CompletedAt.IsZero())

	lab, ok := f.store.GetLab("lab-ov")
	require.True(t, ok)
	assert.Equal(t, contracts.LabReady, lab.Status)
	assert.Equal(t, 1, f.platform.VMCount())
}

func TestSubmitDeniedRequestIsTerminal(t *testing.T) {
	f := newOverseerFixture(t)
	ctx := context.Background()

	req := &contracts.Request{
		Kind:          contracts.RequestDestroyLab,
		Target:        contracts.EntityRef{Kind: contracts.EntityLab, ID: "nosuchlab"},
		Requester:     "tester",
		RequesterRole: RoleOperator,
	}
	out, err := f.overseer.Submit(ctx, req)
	require.Error(t, err)
	assert.True(t, contracts.IsAuthorization(err))
	assert.Equal(t, contracts.ApprovalDenied, out.Approval)
	require.NotNil(t, out.DenialReason)
	assert.Equal(t, RuleAuthorization, out.DenialReason.Rule)
	assert.Zero(t, f.overseer.Queue().Depth())

	// The denial is persisted for audit.
	stored, ok := f.overseer.Queue().Get(out.RequestID)
	require.True(t, ok)
	assert.True(t, stored.Approval.Terminal())
}

func TestDestroyFlowWithForceProduction(t *testing.T) {
	f := newOverseerFixture(t)
	ctx := context.Background()

	spec := minimalLab("lab-prod")
	spec.Tags["production"] = "true"
	_, err := f.overseer.Submit(ctx, deployRequest(spec))
	require.NoError(t, err)
	f.overseer.executeTick(ctx)

	destroy := &contracts.Request{
		Kind:          contracts.RequestDestroyLab,
		Target:        contracts.EntityRef{Kind: contracts.EntityLab, ID: "lab-prod"},
		Requester:     "tester",
		RequesterRole: RoleAdmin,
	}
	out, err := f.overseer.Submit(ctx, destroy)
	require.Error(t, err)
	assert.Equal(t, RuleProductionProtected, out.DenialReason.Rule)
	assert.Equal(t, 1, f.platform.VMCount())

	destroy.RequestID = ""
	destroy.ForceProduction = true
	out, err = f.overseer.Submit(ctx, destroy)
	require.NoError(t, err)
	f.overseer.executeTick(ctx)

	done, ok := f.overseer.Queue().Get(out.RequestID)
	require.True(t, ok)
	assert.Equal(t, contracts.ApprovalCompleted, done.Approval)
	assert.Zero(t, f.platform.VMCount())
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQueue(dir, 8)
	require.NoError(t, err)

	req := &contracts.Request{
		RequestID:     "req-1",
		Kind:          contracts.RequestStopVM,
		Target:        contracts.EntityRef{Kind: contracts.EntityVM, ID: "mock:lab/101"},
		Requester:     "tester",
		RequesterRole: RoleOperator,
		CreatedAt:     time.Now().UTC(),
		Approval:      contracts.ApprovalApproved,
	}
	require.NoError(t, q.Enqueue(req))

	// Crash mid-execution: the request is EXECUTING on disk.
	popped := q.Next()
	require.NotNil(t, popped)
	assert.Equal(t, contracts.ApprovalExecuting, popped.Approval)

	reopened, err := NewQueue(dir, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Depth())
	again := reopened.Next()
	require.NotNil(t, again)
	assert.Equal(t, "req-1", again.RequestID)
}

func TestQueueSerializesPerTarget(t *testing.T) {
	q, err := NewQueue(t.TempDir(), 8)
	require.NoError(t, err)

	target := contracts.EntityRef{Kind: contracts.EntityLab, ID: "lab-x"}
	other := contracts.EntityRef{Kind: contracts.EntityLab, ID: "lab-y"}
	mk := func(id string, ref contracts.EntityRef, at time.Time) *contracts.Request {
		return &contracts.Request{
			RequestID: id, Kind: contracts.RequestDestroyLab, Target: ref,
			CreatedAt: at, Approval: contracts.ApprovalApproved,
		}
	}
	now := time.Now().UTC()
	require.NoError(t, q.Enqueue(mk("a", target, now)))
	require.NoError(t, q.Enqueue(mk("b", target, now.Add(time.Second))))
	require.NoError(t, q.Enqueue(mk("c", other, now.Add(2*time.Second))))

	first := q.Next()
	require.NotNil(t, first)
	assert.Equal(t, "a", first.RequestID)

	// "b" shares the busy target, so "c" runs next.
	second := q.Next()
	require.NotNil(t, second)
	assert.Equal(t, "c", second.RequestID)
	assert.Nil(t, q.Next())

	q.Done("a", nil)
	third := q.Next()
	require.NotNil(t, third)
	assert.Equal(t, "b", third.RequestID)
}

func TestQueueBounded(t *testing.T) {
	q, err := NewQueue(t.TempDir(), 1)
	require.NoError(t, err)

	ref := contracts.EntityRef{Kind: contracts.EntityLab, ID: "lab-x"}
	require.NoError(t, q.Enqueue(&contracts.Request{
		RequestID: "a", Kind: contracts.RequestAlert, Target: ref,
		CreatedAt: time.Now().UTC(), Approval: contracts.ApprovalApproved,
	}))
	err = q.Enqueue(&contracts.Request{
		RequestID: "b", Kind: contracts.RequestAlert, Target: ref,
		CreatedAt: time.Now().UTC(), Approval: contracts.ApprovalApproved,
	})
	require.Error(t, err)
	assert.True(t, contracts.IsTransient(err))
}

func TestMonitorRaisesAlertForLostIPWhenRemediationOff(t *testing.T) {
	f := newOverseerFixture(t)
	ctx := context.Background()
	off := false
	f.overseer.cfg.AutoRemediate = &off

	vm := &contracts.VMRecord{
		VMID:      "101",
		Platform:  "mock:lab",
		Status:    contracts.VMStatusRunning,
		OwnerLab:  "lab-x",
		UpdatedAt: time.Now().UTC(),
	}
	_, err := f.store.Apply(ctx, vm.Ref(), vm, contracts.SourceOrchestrator)
	require.NoError(t, err)

	f.overseer.monitorTick(ctx)

	var alert *contracts.Request
	for _, req := range f.overseer.Queue().All() {
		if req.Kind == contracts.RequestAlert {
			alert = req
		}
	}
	require.NotNil(t, alert)
	assert.Equal(t, vm.Ref(), alert.Target)
	assert.Equal(t, "primary_ip_lost", alert.Parameters["issue"])

	// The same issue is not raised again inside the freshness window.
	before := len(f.overseer.Queue().All())
	f.overseer.monitorTick(ctx)
	assert.Equal(t, before, len(f.overseer.Queue().All()))
}

func TestMonitorAutoRemediatesSilentGuestAgent(t *testing.T) {
	f := newOverseerFixture(t)
	ctx := context.Background()

	created, err := f.platform.CreateVM(ctx, contracts.VMSpec{
		Name: "web01",
		Credentials: contracts.CredentialBundle{
			Username:     "glassdome",
			SSHPublicKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAITESTTESTTESTTESTTESTTESTTESTTESTTESTTESTTEST deploy",
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.platform.StartVM(ctx, created.VMID))

	// The registry saw the VM come up but the guest agent never reported.
	vm := *created
	vm.Status = contracts.VMStatusRunning
	vm.PrimaryIP = ""
	vm.OwnerLab = "lab-rem"
	vm.UpdatedAt = time.Now().UTC()
	_, err = f.store.Apply(ctx, vm.Ref(), &vm, contracts.SourceOrchestrator)
	require.NoError(t, err)

	lab := &contracts.LabRecord{
		LabID:  "lab-rem",
		Status: contracts.LabDegraded,
		VMIDs:  []string{vm.VMID},
	}
	_, err = f.store.Apply(ctx, lab.Ref(), lab, contracts.SourceOrchestrator)
	require.NoError(t, err)

	f.overseer.monitorTick(ctx)

	var rem *contracts.Request
	for _, req := range f.overseer.Queue().All() {
		if req.Kind == contracts.RequestRemediateVM {
			rem = req
		}
	}
	require.NotNil(t, rem)
	assert.Equal(t, vm.Ref(), rem.Target)
	assert.Equal(t, "primary_ip_lost", rem.Parameters["issue"])

	f.overseer.executeTick(ctx)

	done, ok := f.overseer.Queue().Get(rem.RequestID)
	require.True(t, ok)
	assert.Equal(t, contracts.ApprovalCompleted, done.Approval)

	got, ok := f.store.GetVM("mock:lab", vm.VMID)
	require.True(t, ok)
	assert.NotEmpty(t, got.PrimaryIP)
	assert.Equal(t, contracts.GuestToolsRunning, got.GuestTools)

	after, ok := f.store.GetLab("lab-rem")
	require.True(t, ok)
	assert.Equal(t, contracts.LabReady, after.Status)

	// The same VM is not re-dispatched inside the freshness window.
	before := len(f.overseer.Queue().All())
	f.overseer.monitorTick(ctx)
	assert.Equal(t, before, len(f.overseer.Queue().All()))
}

func TestMonitorFunnelsDriftIntoReconcile(t *testing.T) {
	f := newOverseerFixture(t)
	ctx := context.Background()

	created, err := f.platform.CreateVM(ctx, contracts.VMSpec{Name: "web01"})
	require.NoError(t, err)
	require.NoError(t, f.platform.StartVM(ctx, created.VMID))
	require.NoError(t, f.platform.StopVM(ctx, created.VMID))

	vm := *created
	vm.Status = contracts.VMStatusStopped
	vm.UpdatedAt = time.Now().UTC()
	_, err = f.store.Apply(ctx, vm.Ref(), &vm, contracts.SourceOrchestrator)
	require.NoError(t, err)
	f.store.RecordDrift(contracts.Drift{
		Entity:     vm.Ref(),
		Field:      "status",
		Expected:   "RUNNING",
		Observed:   "STOPPED",
		DetectedAt: time.Now().UTC(),
		Resolution: contracts.DriftPending,
	})

	f.overseer.monitorTick(ctx)
	f.overseer.executeTick(ctx)

	assert.Empty(t, f.store.PendingDrifts())
}

func TestHealthTickPublishesRecord(t *testing.T) {
	f := newOverseerFixture(t)
	ctx := context.Background()

	f.overseer.healthTick(ctx)

	var rec HealthRecord
	require.NoError(t, f.store.Load(overseerRef, &rec))
	assert.False(t, rec.UpdatedAt.IsZero())
	assert.Contains(t, rec.Platforms, "mock:lab")
	assert.True(t, rec.Platforms["mock:lab"])
}
