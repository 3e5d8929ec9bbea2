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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

func planSpec() *contracts.LabSpec {
	return &contracts.LabSpec{
		Name:     "lab-plan",
		Platform: "mock:lab",
		Networks: []contracts.NetworkSpec{
			{Name: "lan", CIDR: "10.77.0.0/24", Mode: contracts.NetworkIsolated},
			{Name: "dmz", CIDR: "10.78.0.0/24", Mode: contracts.NetworkRouted},
		},
		VMs: []contracts.VMSpec{
			{
				Name:     "gw01",
				OSFamily: contracts.OSPfSense,
				Networks: []contracts.NetworkAttachment{
					{NetworkName: "lan"}, {NetworkName: "dmz"},
				},
			},
			{
				Name:     "web01",
				OSFamily: contracts.OSUbuntu,
				Networks: []contracts.NetworkAttachment{{NetworkName: "lan"}},
				Tags:     map[string]string{"boot_after": "gw01", "purpose": "web"},
				PostConfig: []contracts.PostConfigStep{
					{Playbook: "web/base.yml"},
					{Playbook: "web/site.yml", Group: "web"},
				},
			},
		},
	}
}

func TestBuildPlanEdges(t *testing.T) {
	plan, err := BuildPlan(planSpec())
	require.NoError(t, err)

	create := plan.Tasks["create_vm/gw01"]
	require.NotNil(t, create)
	assert.ElementsMatch(t, []string{"ensure_network/lan", "ensure_network/dmz"}, create.DependsOn)

	// web01 waits for its own create and for the gateway it boots after.
	wait := plan.Tasks["wait_for_ready/web01"]
	require.NotNil(t, wait)
	assert.ElementsMatch(t, []string{"create_vm/web01", "wait_for_ready/gw01"}, wait.DependsOn)

	// Steps on one VM run in declared order.
	second := plan.Tasks["post_config/web01/1"]
	require.NotNil(t, second)
	assert.Contains(t, second.DependsOn, "post_config/web01/0")

	validate := plan.Tasks["validate_lab"]
	require.NotNil(t, validate)
	assert.Contains(t, validate.DependsOn, "wait_for_ready/gw01")
	assert.Contains(t, validate.DependsOn, "post_config/web01/1")
}

func TestBuildPlanGroupedStepWaitsForMembers(t *testing.T) {
	spec := planSpec()
	spec.VMs = append(spec.VMs, contracts.VMSpec{
		Name:     "web02",
		OSFamily: contracts.OSUbuntu,
		Networks: []contracts.NetworkAttachment{{NetworkName: "lan"}},
		Tags:     map[string]string{"purpose": "web"},
	})

	plan, err := BuildPlan(spec)
	require.NoError(t, err)

	grouped := plan.Tasks["post_config/web01/1"]
	require.NotNil(t, grouped)
	assert.Contains(t, grouped.DependsOn, "wait_for_ready/web02")
}

func TestBuildPlanRejectsCycle(t *testing.T) {
	spec := planSpec()
	spec.VMs[0].Tags = map[string]string{"boot_after": "web01"}

	_, err := BuildPlan(spec)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestBuildPlanRejectsUnknownBootAfter(t *testing.T) {
	spec := planSpec()
	spec.VMs[1].Tags["boot_after"] = "nosuchvm"

	_, err := BuildPlan(spec)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
}

func TestBuildPlanRejectsUndeclaredNetwork(t *testing.T) {
	spec := planSpec()
	spec.VMs[1].Networks = []contracts.NetworkAttachment{{NetworkName: "nosuchnet"}}

	_, err := BuildPlan(spec)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
	assert.Contains(t, err.Error(), "nosuchnet")
}

func TestBuildPlanRejectsDuplicates(t *testing.T) {
	spec := planSpec()
	spec.VMs = append(spec.VMs, spec.VMs[0])

	_, err := BuildPlan(spec)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))

	spec = planSpec()
	spec.Networks = append(spec.Networks, spec.Networks[0])
	_, err = BuildPlan(spec)
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
}

func TestReadyTasksOrdering(t *testing.T) {
	plan, err := BuildPlan(planSpec())
	require.NoError(t, err)

	done := map[string]bool{}
	started := map[string]bool{}
	blocked := map[string]bool{}

	// Only networks are ready at the start, sorted by key.
	ready := plan.readyTasks(done, started, blocked)
	require.Len(t, ready, 2)
	assert.Equal(t, "ensure_network/dmz", ready[0].Key)
	assert.Equal(t, "ensure_network/lan", ready[1].Key)

	done["ensure_network/lan"] = true
	done["ensure_network/dmz"] = true
	ready = plan.readyTasks(done, started, blocked)
	require.Len(t, ready, 2)
	assert.Equal(t, TaskCreateVM, ready[0].Type)

	// Started and blocked tasks are excluded.
	started[ready[0].Key] = true
	blocked[ready[1].Key] = true
	assert.Empty(t, plan.readyTasks(done, started, blocked))
}

func TestSkipDependentsPropagates(t *testing.T) {
	plan, err := BuildPlan(planSpec())
	require.NoError(t, err)

	done := map[string]bool{}
	blocked := map[string]bool{"create_vm/web01": true}
	skipDependents(plan, blocked, done)

	assert.True(t, blocked["wait_for_ready/web01"])
	assert.True(t, blocked["post_config/web01/0"])
	assert.True(t, blocked["post_config/web01/1"])
	assert.True(t, blocked["validate_lab"])
	assert.False(t, blocked["create_vm/gw01"])
	assert.False(t, blocked["wait_for_ready/gw01"])
}
