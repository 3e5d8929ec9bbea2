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

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/platform/mock"
	platformregistry "github.com/glassdome/glassdome/internal/platform/registry"
)

func pollerFixture(t *testing.T) (*Store, *mock.Provider, *Poller) {
	t.Helper()
	s, err := Open(t.TempDir(), NewMemoryBus(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	platform := mock.New("mock:pve")
	platforms := platformregistry.New()
	platforms.Register(platform)

	p := NewPoller(s, platforms, config.PollIntervals{
		Lab:  time.Second,
		VM:   10 * time.Second,
		Host: 30 * time.Second,
	}, zaptest.NewLogger(t))
	return s, platform, p
}

func TestPollVMsDetectsStatusDrift(t *testing.T) {
	s, platform, p := pollerFixture(t)
	ctx := context.Background()

	rec, err := platform.CreateVM(ctx, contracts.VMSpec{Name: "web01"})
	require.NoError(t, err)
	require.NoError(t, platform.StartVM(ctx, rec.VMID))

	// The orchestrator believes the VM is running with an address.
	expected := *rec
	expected.Status = contracts.VMStatusRunning
	expected.PrimaryIP = "10.250.0." + rec.VMID
	_, err = s.Apply(ctx, expected.Ref(), &expected, contracts.SourceOrchestrator)
	require.NoError(t, err)

	// Someone stops the VM out of band.
	require.NoError(t, platform.StopVM(ctx, rec.VMID))

	p.PollVMs(ctx)

	vm, ok := s.GetVM("mock:pve", rec.VMID)
	require.True(t, ok)
	assert.Equal(t, contracts.VMStatusStopped, vm.Status)
	assert.Empty(t, vm.PrimaryIP)

	drifts := s.PendingDrifts()
	require.NotEmpty(t, drifts)
	fields := map[string]bool{}
	for _, d := range drifts {
		fields[d.Field] = true
	}
	assert.True(t, fields["status"])
	assert.True(t, fields["primary_ip"])

	// The poll write carries the POLL source.
	history := s.History(vm.Ref())
	assert.Equal(t, contracts.SourcePoll, history[len(history)-1].Source)
}

func TestPollVMsDiscoversMissingIP(t *testing.T) {
	s, platform, p := pollerFixture(t)
	ctx := context.Background()

	rec, err := platform.CreateVM(ctx, contracts.VMSpec{Name: "web01"})
	require.NoError(t, err)
	require.NoError(t, platform.StartVM(ctx, rec.VMID))

	expected := *rec
	expected.Status = contracts.VMStatusRunning
	_, err = s.Apply(ctx, expected.Ref(), &expected, contracts.SourceOrchestrator)
	require.NoError(t, err)

	p.PollVMs(ctx)

	vm, ok := s.GetVM("mock:pve", rec.VMID)
	require.True(t, ok)
	assert.Equal(t, "10.250.0."+rec.VMID, vm.PrimaryIP)
}

func TestPollVMsConvergesOnDeleted(t *testing.T) {
	s, platform, p := pollerFixture(t)
	ctx := context.Background()

	rec, err := platform.CreateVM(ctx, contracts.VMSpec{Name: "web01"})
	require.NoError(t, err)
	_, err = s.Apply(ctx, rec.Ref(), rec, contracts.SourceOrchestrator)
	require.NoError(t, err)

	require.NoError(t, platform.DeleteVM(ctx, rec.VMID))
	p.PollVMs(ctx)

	vm, ok := s.GetVM("mock:pve", rec.VMID)
	require.True(t, ok)
	assert.Equal(t, contracts.VMStatusDeleted, vm.Status)

	// Tombstoned records are skipped on later cycles.
	before := len(s.History(vm.Ref()))
	p.PollVMs(ctx)
	assert.Equal(t, before, len(s.History(vm.Ref())))
}

func TestPollHosts(t *testing.T) {
	s, platform, p := pollerFixture(t)
	ctx := context.Background()

	_, err := platform.CreateVM(ctx, contracts.VMSpec{Name: "web01"})
	require.NoError(t, err)

	p.PollHosts(ctx)

	hosts := s.Hosts()
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].Reachable)
	assert.Equal(t, 1, hosts[0].VMCount)

	platform.FailOn["validate"] = contracts.NewTransient("api down", nil)
	p.PollHosts(ctx)

	hosts = s.Hosts()
	require.Len(t, hosts, 1)
	assert.False(t, hosts[0].Reachable)
	assert.Contains(t, hosts[0].LastError, "api down")
}
