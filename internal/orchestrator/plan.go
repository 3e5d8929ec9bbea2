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

// Package orchestrator plans a LabSpec into a dependency DAG and executes it
// with bounded concurrency, streaming state deltas into the registry.
package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// TaskType names one step class in the deployment DAG.
type TaskType string

const (
	// TaskEnsureNetwork creates or resolves one lab network
	TaskEnsureNetwork TaskType = "ensure_network"
	// TaskCreateVM clones and boots one VM
	TaskCreateVM TaskType = "create_vm"
	// TaskWaitForReady blocks until the VM runs and reports an address
	TaskWaitForReady TaskType = "wait_for_ready"
	// TaskPostConfig applies one external playbook step
	TaskPostConfig TaskType = "post_config"
	// TaskValidateLab is the final barrier over the whole lab
	TaskValidateLab TaskType = "validate_lab"
)

// taskPriority orders ready tasks; ties break on the lexicographic key.
var taskPriority = map[TaskType]int{
	TaskEnsureNetwork: 0,
	TaskCreateVM:      1,
	TaskWaitForReady:  2,
	TaskPostConfig:    3,
	TaskValidateLab:   4,
}

// bootAfterTag lets a VM delay its readiness barrier until other VMs are up,
// e.g. a gateway appliance before the clients behind it. The value is a
// comma-separated list of VM names.
const bootAfterTag = "boot_after"

// Task is one node in the deployment DAG.
type Task struct {
	Key       string
	Type      TaskType
	VM        string
	Network   string
	StepIndex int
	DependsOn []string
}

// Plan is the validated DAG for one lab deployment.
type Plan struct {
	Spec  contracts.LabSpec
	Tasks map[string]*Task
}

// BuildPlan validates the spec and computes the DAG. Any structural problem,
// including a dependency cycle, is a Validation error here rather than a
// runtime failure.
func BuildPlan(spec *contracts.LabSpec) (*Plan, error) {
	if spec.Name == "" {
		return nil, contracts.NewValidation("name", "lab name is required")
	}
	if spec.Platform == "" {
		return nil, contracts.NewValidation("platform", "lab platform is required")
	}
	if len(spec.VMs) == 0 {
		return nil, contracts.NewValidation("vms", "lab declares no VMs")
	}

	networks := make(map[string]bool, len(spec.Networks))
	for i, n := range spec.Networks {
		field := fmt.Sprintf("networks[%d]", i)
		if n.Name == "" {
			return nil, contracts.NewValidation(field+".name", "network name is required")
		}
		if networks[n.Name] {
			return nil, contracts.NewValidation(field+".name", fmt.Sprintf("duplicate network %q", n.Name))
		}
		networks[n.Name] = true
	}

	vms := make(map[string]*contracts.VMSpec, len(spec.VMs))
	for i := range spec.VMs {
		vm := &spec.VMs[i]
		field := fmt.Sprintf("vms[%d]", i)
		if vm.Name == "" {
			return nil, contracts.NewValidation(field+".name", "vm name is required")
		}
		if _, dup := vms[vm.Name]; dup {
			return nil, contracts.NewValidation(field+".name", fmt.Sprintf("duplicate vm %q", vm.Name))
		}
		vms[vm.Name] = vm
		if len(vm.Networks) == 0 {
			return nil, contracts.NewValidation(field+".networks", fmt.Sprintf("vm %q has no network attachment", vm.Name))
		}
		for _, att := range vm.Networks {
			if !networks[att.NetworkName] {
				return nil, contracts.NewValidation(field+".networks",
					fmt.Sprintf("vm %q references undeclared network %q", vm.Name, att.NetworkName))
			}
		}
	}

	plan := &Plan{Spec: *spec, Tasks: make(map[string]*Task)}
	add := func(t *Task) { plan.Tasks[t.Key] = t }

	for _, n := range spec.Networks {
		add(&Task{Key: networkKey(n.Name), Type: TaskEnsureNetwork, Network: n.Name})
	}

	var allPostConfig []string
	var allWaits []string
	for i := range spec.VMs {
		vm := &spec.VMs[i]

		create := &Task{Key: createKey(vm.Name), Type: TaskCreateVM, VM: vm.Name}
		for _, att := range vm.Networks {
			create.DependsOn = append(create.DependsOn, networkKey(att.NetworkName))
		}
		add(create)

		wait := &Task{Key: waitKey(vm.Name), Type: TaskWaitForReady, VM: vm.Name,
			DependsOn: []string{create.Key}}
		for _, upstream := range bootAfter(vm) {
			if _, ok := vms[upstream]; !ok {
				return nil, contracts.NewValidation(fmt.Sprintf("vms[%d].tags.%s", i, bootAfterTag),
					fmt.Sprintf("vm %q boots after unknown vm %q", vm.Name, upstream))
			}
			wait.DependsOn = append(wait.DependsOn, waitKey(upstream))
		}
		add(wait)
		allWaits = append(allWaits, wait.Key)

		for step := range vm.PostConfig {
			pc := &Task{
				Key:       postConfigKey(vm.Name, step),
				Type:      TaskPostConfig,
				VM:        vm.Name,
				StepIndex: step,
				DependsOn: []string{wait.Key},
			}
			// Steps on one VM run in declared order.
			if step > 0 {
				pc.DependsOn = append(pc.DependsOn, postConfigKey(vm.Name, step-1))
			}
			// A grouped step also waits for every other member of its group.
			if group := vm.PostConfig[step].Group; group != "" {
				for _, other := range spec.VMs {
					if other.Name != vm.Name && other.Tags["purpose"] == group {
						pc.DependsOn = append(pc.DependsOn, waitKey(other.Name))
					}
				}
			}
			add(pc)
			allPostConfig = append(allPostConfig, pc.Key)
		}
	}

	validate := &Task{Key: "validate_lab", Type: TaskValidateLab}
	validate.DependsOn = append(validate.DependsOn, allWaits...)
	validate.DependsOn = append(validate.DependsOn, allPostConfig...)
	add(validate)

	if cycle := findCycle(plan.Tasks); cycle != "" {
		return nil, contracts.NewValidation("plan", "dependency cycle: "+cycle)
	}
	return plan, nil
}

func networkKey(name string) string           { return "ensure_network/" + name }
func createKey(name string) string            { return "create_vm/" + name }
func waitKey(name string) string              { return "wait_for_ready/" + name }
func postConfigKey(name string, i int) string { return fmt.Sprintf("post_config/%s/%d", name, i) }

func bootAfter(vm *contracts.VMSpec) []string {
	raw := vm.Tags[bootAfterTag]
	if raw == "" {
		return nil
	}
	var out []string
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// findCycle runs an iterative three-color DFS and returns a readable cycle
// description, or "" when the graph is acyclic.
func findCycle(tasks map[string]*Task) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	parent := make(map[string]string)

	keys := make([]string, 0, len(tasks))
	for k := range tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var visit func(key string) string
	visit = func(key string) string {
		color[key] = gray
		deps := append([]string(nil), tasks[key].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := tasks[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				parent[dep] = key
				if c := visit(dep); c != "" {
					return c
				}
			case gray:
				// Walk back from key to dep to render the loop.
				chain := []string{dep, key}
				for cur := key; cur != dep; {
					cur = parent[cur]
					chain = append(chain, cur)
				}
				return strings.Join(chain, " -> ")
			}
		}
		color[key] = black
		return ""
	}

	for _, key := range keys {
		if color[key] == white {
			if c := visit(key); c != "" {
				return c
			}
		}
	}
	return ""
}

// readyTasks returns unstarted tasks whose dependencies are all done, in the
// deterministic (priority, key) order.
func (p *Plan) readyTasks(done, started, blocked map[string]bool) []*Task {
	var ready []*Task
	for key, task := range p.Tasks {
		if done[key] || started[key] || blocked[key] {
			continue
		}
		ok := true
		for _, dep := range task.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, task)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		pi, pj := taskPriority[ready[i].Type], taskPriority[ready[j].Type]
		if pi != pj {
			return pi < pj
		}
		return ready[i].Key < ready[j].Key
	})
	return ready
}
