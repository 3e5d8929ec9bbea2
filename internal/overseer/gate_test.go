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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/knowledge"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/registry"
)

func gateFixture(t *testing.T) (*registry.Store, *Gate) {
	t.Helper()
	store, err := registry.Open(t.TempDir(), registry.NewMemoryBus(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gate := NewGate(store, nil, &config.OverseerConfig{
		MassActionCap:     5,
		FreshnessHorizonS: 120,
	})
	return store, gate
}

func freshHost(t *testing.T, store *registry.Store, platform contracts.PlatformID) {
	t.Helper()
	host := &contracts.HostRecord{
		Platform:   platform,
		Reachable:  true,
		LastPollAt: time.Now().UTC(),
	}
	_, err := store.Apply(context.Background(), host.Ref(), host, contracts.SourcePoll)
	require.NoError(t, err)
}

func storeLab(t *testing.T, store *registry.Store, lab *contracts.LabRecord) {
	t.Helper()
	_, err := store.Apply(context.Background(), lab.Ref(), lab, contracts.SourceOrchestrator)
	require.NoError(t, err)
}

func destroyRequest(labID string, role int) *contracts.Request {
	return &contracts.Request{
		RequestID:     "req-" + labID,
		Kind:          contracts.RequestDestroyLab,
		Target:        contracts.EntityRef{Kind: contracts.EntityLab, ID: labID},
		Requester:     "tester",
		RequesterRole: role,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestGateDeniesInsufficientRole(t *testing.T) {
	_, gate := gateFixture(t)

	denial := gate.Evaluate(destroyRequest("lab-x", RoleOperator))
	require.NotNil(t, denial)
	assert.Equal(t, RuleAuthorization, denial.Rule)
}

func TestGateProductionProtection(t *testing.T) {
	store, gate := gateFixture(t)
	freshHost(t, store, "mock:lab")
	storeLab(t, store, &contracts.LabRecord{
		LabID:  "lab-prod",
		Spec:   contracts.LabSpec{Name: "lab-prod", Platform: "mock:lab"},
		Status: contracts.LabReady,
		VMIDs:  []string{"101"},
		Tags:   map[string]string{"production": "true"},
	})

	req := destroyRequest("lab-prod", RoleAdmin)
	denial := gate.Evaluate(req)
	require.NotNil(t, denial)
	assert.Equal(t, RuleProductionProtected, denial.Rule)
	assert.NotEmpty(t, denial.Remediation)

	// The explicit override proceeds.
	req.ForceProduction = true
	assert.Nil(t, gate.Evaluate(req))
}

func TestGateProductionTagAbsentFailsClosed(t *testing.T) {
	store, gate := gateFixture(t)
	freshHost(t, store, "mock:lab")
	storeLab(t, store, &contracts.LabRecord{
		LabID:  "lab-untagged",
		Spec:   contracts.LabSpec{Name: "lab-untagged", Platform: "mock:lab"},
		Status: contracts.LabReady,
		VMIDs:  []string{"101"},
	})

	denial := gate.Evaluate(destroyRequest("lab-untagged", RoleAdmin))
	require.NotNil(t, denial)
	assert.Equal(t, RuleProductionUnknown, denial.Rule)
}

func TestGateProductionTagFromOwnedVM(t *testing.T) {
	store, gate := gateFixture(t)
	freshHost(t, store, "mock:lab")
	storeLab(t, store, &contracts.LabRecord{
		LabID:  "lab-mixed",
		Spec:   contracts.LabSpec{Name: "lab-mixed", Platform: "mock:lab"},
		Status: contracts.LabReady,
		VMIDs:  []string{"101"},
		Tags:   map[string]string{"production": "false"},
	})
	vm := &contracts.VMRecord{
		VMID:     "101",
		Platform: "mock:lab",
		Status:   contracts.VMStatusRunning,
		OwnerLab: "lab-mixed",
		Tags:     map[string]string{"production": "true"},
	}
	_, err := store.Apply(context.Background(), vm.Ref(), vm, contracts.SourceOrchestrator)
	require.NoError(t, err)

	denial := gate.Evaluate(destroyRequest("lab-mixed", RoleAdmin))
	require.NotNil(t, denial)
	assert.Equal(t, RuleProductionProtected, denial.Rule)
}

func TestGateMassActionCap(t *testing.T) {
	store, gate := gateFixture(t)
	freshHost(t, store, "mock:lab")
	storeLab(t, store, &contracts.LabRecord{
		LabID:  "lab-big",
		Spec:   contracts.LabSpec{Name: "lab-big", Platform: "mock:lab"},
		Status: contracts.LabReady,
		VMIDs:  []string{"101", "102", "103", "104", "105", "106"},
		Tags:   map[string]string{"production": "false"},
	})

	denial := gate.Evaluate(destroyRequest("lab-big", RoleAdmin))
	require.NotNil(t, denial)
	assert.Equal(t, RuleMassActionExceeded, denial.Rule)
}

func TestGatePlatformFreshness(t *testing.T) {
	store, gate := gateFixture(t)
	storeLab(t, store, &contracts.LabRecord{
		LabID:  "lab-x",
		Spec:   contracts.LabSpec{Name: "lab-x", Platform: "mock:lab"},
		Status: contracts.LabReady,
		VMIDs:  []string{"101"},
		Tags:   map[string]string{"production": "false"},
	})

	// No poll on record at all.
	denial := gate.Evaluate(destroyRequest("lab-x", RoleAdmin))
	require.NotNil(t, denial)
	assert.Equal(t, RulePlatformUnreachable, denial.Rule)

	// A fresh poll clears the rule.
	freshHost(t, store, "mock:lab")
	assert.Nil(t, gate.Evaluate(destroyRequest("lab-x", RoleAdmin)))

	// A poll outside the freshness horizon does not count.
	gate.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	denial = gate.Evaluate(destroyRequest("lab-x", RoleAdmin))
	require.NotNil(t, denial)
	assert.Equal(t, RulePlatformUnreachable, denial.Rule)
}

func TestGateResourceMissing(t *testing.T) {
	store, gate := gateFixture(t)
	freshHost(t, store, "mock:lab")

	req := &contracts.Request{
		Kind:          contracts.RequestStartVM,
		Target:        contracts.EntityRef{Kind: contracts.EntityVM, ID: "mock:lab/999"},
		Requester:     "tester",
		RequesterRole: RoleOperator,
	}
	denial := gate.Evaluate(req)
	require.NotNil(t, denial)
	assert.Equal(t, RuleResourceMissing, denial.Rule)
}

func TestGatePriorIncidentDenies(t *testing.T) {
	store, err := registry.Open(t.TempDir(), registry.NewMemoryBus(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "incidents.md"), []byte(`# Incident log

A destroy_lab against lab-cursed failed and corrupted its datastore; the
incident remains open and the action must not be retried until storage
maintenance completes.`), 0o644))
	idx, err := knowledge.Load(docs, zaptest.NewLogger(t))
	require.NoError(t, err)

	gate := NewGate(store, idx, &config.OverseerConfig{FreshnessHorizonS: 120})
	freshHost(t, store, "mock:lab")
	storeLab(t, store, &contracts.LabRecord{
		LabID:  "lab-cursed",
		Spec:   contracts.LabSpec{Name: "lab-cursed", Platform: "mock:lab"},
		Status: contracts.LabReady,
		VMIDs:  []string{"101"},
		Tags:   map[string]string{"production": "false"},
	})

	denial := gate.Evaluate(destroyRequest("lab-cursed", RoleAdmin))
	require.NotNil(t, denial)
	assert.Equal(t, RulePriorIncident, denial.Rule)
	assert.Contains(t, denial.Message, "incidents.md")
}
