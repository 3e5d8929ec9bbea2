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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/obs/logging"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	platformregistry "github.com/glassdome/glassdome/internal/platform/registry"
	"github.com/glassdome/glassdome/internal/provisioner"
	"github.com/glassdome/glassdome/internal/registry"
	"github.com/glassdome/glassdome/internal/remote"
	"github.com/glassdome/glassdome/internal/resilience"
)

// Orchestrator deploys and tears down labs.
type Orchestrator struct {
	platforms *platformregistry.Registry
	prov      *provisioner.Provisioner
	store     *registry.Store
	executor  remote.Executor
	cfg       *config.OrchestratorConfig
	logger    *zap.Logger
}

// New wires the orchestrator against its collaborators.
func New(platforms *platformregistry.Registry, prov *provisioner.Provisioner, store *registry.Store, executor remote.Executor, cfg *config.OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		platforms: platforms,
		prov:      prov,
		store:     store,
		executor:  executor,
		cfg:       cfg,
		logger:    logger,
	}
}

// deployment is the mutable state shared by the tasks of one run.
type deployment struct {
	mu       sync.Mutex
	lab      *contracts.LabRecord
	platform contracts.PlatformCapability
	networks map[string]*contracts.NetworkRecord
	vms      map[string]*contracts.VMRecord
	prepared map[string]*provisioner.Prepared
	vmFailed map[string]error
	pcFailed map[string]error
	keyDir   string
}

func (d *deployment) logf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lab.DeploymentLog = append(d.lab.DeploymentLog,
		fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...)))
}

func (d *deployment) vmSpec(name string) *contracts.VMSpec {
	for i := range d.lab.Spec.VMs {
		if d.lab.Spec.VMs[i].Name == name {
			return &d.lab.Spec.VMs[i]
		}
	}
	return nil
}

func (d *deployment) networkSpecs() map[string]contracts.NetworkSpec {
	out := make(map[string]contracts.NetworkSpec, len(d.lab.Spec.Networks))
	for _, n := range d.lab.Spec.Networks {
		out[n.Name] = n
	}
	return out
}

func (o *Orchestrator) retryConfig() *resilience.RetryConfig {
	return resilience.RetryConfigFor(
		o.cfg.Retry.MaxAttempts,
		time.Duration(o.cfg.Retry.BaseDelayS)*time.Second,
		time.Duration(o.cfg.Retry.CapDelayS)*time.Second,
	)
}

func (o *Orchestrator) taskTimeout() time.Duration {
	if o.cfg.TaskTimeoutDefaultS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(o.cfg.TaskTimeoutDefaultS) * time.Second
}

func vmOwner(labID, vmName string) contracts.EntityRef {
	return contracts.EntityRef{Kind: contracts.EntityVM, ID: labID + "/" + vmName}
}

// Deploy plans and executes the lab. The returned record reflects the final
// status; an error is returned only for plan rejection, cancellation, or a
// lab with no usable VM.
func (o *Orchestrator) Deploy(ctx context.Context, spec *contracts.LabSpec) (*contracts.LabRecord, error) {
	plan, err := BuildPlan(spec)
	if err != nil {
		return nil, err
	}
	platform, err := o.platforms.Get(spec.Platform)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithLab(ctx, spec.Name)
	logger := logging.FromContext(ctx, o.logger)

	lab := &contracts.LabRecord{
		LabID:     spec.Name,
		Spec:      *spec,
		Status:    contracts.LabPlanning,
		StartTime: time.Now().UTC(),
		Tags:      spec.Tags,
	}
	o.publishLab(ctx, lab)

	keyDir, err := os.MkdirTemp("", "glassdome-keys-")
	if err != nil {
		return nil, contracts.NewTransient("creating key directory", err)
	}
	defer os.RemoveAll(keyDir)

	dep := &deployment{
		lab:      lab,
		platform: platform,
		networks: make(map[string]*contracts.NetworkRecord),
		vms:      make(map[string]*contracts.VMRecord),
		prepared: make(map[string]*provisioner.Prepared),
		vmFailed: make(map[string]error),
		pcFailed: make(map[string]error),
		keyDir:   keyDir,
	}

	lab.Status = contracts.LabDeploying
	o.publishLab(ctx, lab)
	logger.Info("deploying lab", zap.Int("tasks", len(plan.Tasks)))

	o.runPlan(ctx, plan, dep)

	if ctx.Err() != nil {
		// Cancellation must not leak half-provisioned VMs: tear down whatever
		// was created inside the best-effort window.
		o.teardownPartial(dep)
		lab.Status = contracts.LabDestroyed
		lab.EndTime = time.Now().UTC()
		o.publishLab(context.WithoutCancel(ctx), lab)
		metrics.RecordLabDeployment(string(lab.Status))
		return lab, contracts.NewTransient("deployment cancelled", ctx.Err())
	}

	lab.Status = o.finalStatus(dep)
	lab.EndTime = time.Now().UTC()
	o.collectIDs(dep)
	o.publishLab(ctx, lab)
	metrics.RecordLabDeployment(string(lab.Status))
	logger.Info("lab deployment finished", zap.String("status", string(lab.Status)))

	if lab.Status == contracts.LabFailed {
		return lab, contracts.NewPermanent(fmt.Sprintf("lab %s failed: no usable VM", lab.LabID), nil)
	}
	return lab, nil
}

// runPlan schedules the DAG: ready tasks start in (priority, key) order, VM
// and post-config classes bounded by their own semaphores, and a failed task
// skips its transitive dependents while independent branches continue.
func (o *Orchestrator) runPlan(ctx context.Context, plan *Plan, dep *deployment) {
	vmSem := make(chan struct{}, max(1, o.cfg.MaxConcurrency.VM))
	pcSem := make(chan struct{}, max(1, o.cfg.MaxConcurrency.PostConfig))

	done := make(map[string]bool, len(plan.Tasks))
	started := make(map[string]bool, len(plan.Tasks))
	blocked := make(map[string]bool)
	results := make(chan taskResult)
	running := 0

	for {
		if ctx.Err() == nil {
			for _, task := range plan.readyTasks(done, started, blocked) {
				started[task.Key] = true
				running++
				go o.launchTask(ctx, dep, task, vmSem, pcSem, results)
			}
		}
		if running == 0 {
			// Anything still pending here is transitively blocked on a
			// failed task, or unreachable after cancellation.
			return
		}
		res := <-results
		running--
		if res.err != nil {
			blocked[res.key] = true
			skipDependents(plan, blocked, done)
			dep.logf("task %s failed: %v", res.key, res.err)
		} else {
			done[res.key] = true
		}
	}
}

type taskResult struct {
	key string
	err error
}

func (o *Orchestrator) launchTask(ctx context.Context, dep *deployment, task *Task, vmSem, pcSem chan struct{}, results chan<- taskResult) {
	var sem chan struct{}
	switch task.Type {
	case TaskCreateVM:
		sem = vmSem
	case TaskPostConfig:
		sem = pcSem
	}
	if sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			results <- taskResult{key: task.Key, err: contracts.NewTransient("cancelled before start", ctx.Err())}
			return
		}
	}
	results <- taskResult{key: task.Key, err: o.runTask(ctx, dep, task)}
}

// skipDependents propagates blockage: a task whose dependency is blocked can
// never run, so it is blocked too, transitively.
func skipDependents(plan *Plan, blocked, done map[string]bool) {
	changed := true
	for changed {
		changed = false
		for key, task := range plan.Tasks {
			if blocked[key] || done[key] {
				continue
			}
			for _, dep := range task.DependsOn {
				if blocked[dep] {
					blocked[key] = true
					changed = true
					break
				}
			}
		}
	}
}

// runTask drives one task to its final outcome: each attempt gets a fresh
// per-task timeout, and a Transient outcome (including an expired timeout) is
// re-attempted with backoff up to the configured attempt budget. A success on
// a later attempt erases the failure marks the earlier ones left behind.
func (o *Orchestrator) runTask(ctx context.Context, dep *deployment, task *Task) error {
	err := resilience.Retry(ctx, o.retryConfig(), func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			dep.logf("task %s retrying, attempt %d", task.Key, attempt+1)
		}
		return o.runTaskAttempt(ctx, dep, task)
	})
	if err == nil {
		o.clearFailure(dep, task)
	}
	return err
}

func (o *Orchestrator) runTaskAttempt(ctx context.Context, dep *deployment, task *Task) error {
	tctx, cancel := context.WithTimeout(ctx, o.taskTimeout())
	defer cancel()

	start := time.Now()
	ctxTask := logging.WithTask(tctx, task.Key)
	var err error
	switch task.Type {
	case TaskEnsureNetwork:
		err = o.ensureNetwork(ctxTask, dep, task.Network)
	case TaskCreateVM:
		err = o.createVM(ctxTask, dep, task.VM)
	case TaskWaitForReady:
		err = o.waitForReady(ctxTask, dep, task.VM)
	case TaskPostConfig:
		err = o.postConfig(ctxTask, dep, task.VM, task.StepIndex)
	case TaskValidateLab:
		err = o.validateLab(ctxTask, dep)
	default:
		err = contracts.NewValidation("task", fmt.Sprintf("unknown task type %q", task.Type))
	}

	if err != nil && tctx.Err() == context.DeadlineExceeded && contracts.KindOf(err) != contracts.ErrorKindTransient {
		err = contracts.NewTransient(fmt.Sprintf("task %s timed out", task.Key), err)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordTask(string(task.Type), outcome, time.Since(start))
	return err
}

func (o *Orchestrator) clearFailure(dep *deployment, task *Task) {
	dep.mu.Lock()
	defer dep.mu.Unlock()
	switch task.Type {
	case TaskCreateVM, TaskWaitForReady:
		delete(dep.vmFailed, task.VM)
	case TaskPostConfig:
		delete(dep.pcFailed, postConfigKey(task.VM, task.StepIndex))
	}
}

func (o *Orchestrator) ensureNetwork(ctx context.Context, dep *deployment, name string) error {
	spec, ok := dep.networkSpecs()[name]
	if !ok {
		return contracts.NewValidation("network", fmt.Sprintf("network %q not declared", name))
	}

	existing, err := dep.platform.ListNetworks(ctx)
	if err == nil {
		for i := range existing {
			if existing[i].Name == spec.Name {
				dep.mu.Lock()
				dep.networks[name] = &existing[i]
				dep.mu.Unlock()
				dep.logf("network %s already present as %s", name, existing[i].NetworkID)
				return nil
			}
		}
	}

	caps := dep.platform.Capabilities()
	if !caps.NetworkCreate {
		if spec.Mode == contracts.NetworkBridged {
			// Pre-provisioned uplink: resolve by name only.
			rec := &contracts.NetworkRecord{
				NetworkID: spec.Name,
				Platform:  dep.platform.ID(),
				Name:      spec.Name,
				CIDR:      spec.CIDR,
				Mode:      spec.Mode,
				OwnerLab:  dep.lab.LabID,
				CreatedAt: time.Now().UTC(),
			}
			dep.mu.Lock()
			dep.networks[name] = rec
			dep.mu.Unlock()
			return nil
		}
		return contracts.NewPermanent(
			fmt.Sprintf("platform %s cannot create %s networks", dep.platform.ID(), spec.Mode), nil)
	}

	var rec *contracts.NetworkRecord
	err = resilience.Retry(ctx, o.retryConfig(), func(ctx context.Context, _ int) error {
		var cerr error
		rec, cerr = dep.platform.CreateNetwork(ctx, spec)
		return cerr
	})
	if err != nil {
		return err
	}
	rec.OwnerLab = dep.lab.LabID

	dep.mu.Lock()
	dep.networks[name] = rec
	dep.mu.Unlock()
	dep.logf("network %s created as %s", name, rec.NetworkID)
	_, err = o.store.Apply(ctx, rec.Ref(), rec, contracts.SourceOrchestrator)
	return err
}

func (o *Orchestrator) createVM(ctx context.Context, dep *deployment, name string) error {
	vmSpec := dep.vmSpec(name)
	if vmSpec == nil {
		return contracts.NewValidation("vm", fmt.Sprintf("vm %q not declared", name))
	}
	owner := vmOwner(dep.lab.LabID, name)

	// A retried attempt must not clone a second VM: when the previous attempt
	// got as far as cloning, only the power-on is repeated.
	dep.mu.Lock()
	existing := dep.vms[name]
	dep.mu.Unlock()
	if existing != nil {
		err := resilience.Retry(ctx, o.retryConfig(), func(ctx context.Context, _ int) error {
			return dep.platform.StartVM(ctx, existing.VMID)
		})
		if err != nil {
			o.markVMFailed(dep, name, err)
		}
		return err
	}

	prepared, err := o.prov.Prepare(ctx, dep.platform, *vmSpec, dep.networkSpecs(), owner)
	if err != nil {
		o.markVMFailed(dep, name, err)
		return err
	}

	// Resolve network attachments against what EnsureNetwork produced.
	dep.mu.Lock()
	for i := range prepared.Spec.Networks {
		att := &prepared.Spec.Networks[i]
		if rec, ok := dep.networks[att.NetworkName]; ok {
			att.NetworkID = rec.NetworkID
			if att.VLAN == 0 {
				att.VLAN = rec.VLAN
			}
		}
	}
	dep.mu.Unlock()
	if prepared.Spec.Tags == nil {
		prepared.Spec.Tags = make(map[string]string)
	}
	prepared.Spec.Tags["lab"] = dep.lab.LabID

	var rec *contracts.VMRecord
	err = resilience.Retry(ctx, o.retryConfig(), func(ctx context.Context, _ int) error {
		var cerr error
		rec, cerr = dep.platform.CloneFromTemplate(ctx, prepared.Spec.TemplateID, prepared.Spec, prepared.Params)
		return cerr
	})
	if err != nil {
		o.prov.Release(owner)
		o.markVMFailed(dep, name, err)
		return err
	}
	rec.OwnerLab = dep.lab.LabID

	dep.mu.Lock()
	dep.vms[name] = rec
	dep.prepared[name] = prepared
	dep.mu.Unlock()
	dep.logf("vm %s created as %s from template %s", name, rec.VMID, prepared.Spec.TemplateID)
	if _, err := o.store.Apply(ctx, rec.Ref(), rec, contracts.SourceOrchestrator); err != nil {
		return err
	}

	err = resilience.Retry(ctx, o.retryConfig(), func(ctx context.Context, _ int) error {
		return dep.platform.StartVM(ctx, rec.VMID)
	})
	if err != nil {
		o.markVMFailed(dep, name, err)
	}
	return err
}

func (o *Orchestrator) waitForReady(ctx context.Context, dep *deployment, name string) error {
	dep.mu.Lock()
	rec := dep.vms[name]
	prepared := dep.prepared[name]
	dep.mu.Unlock()
	if rec == nil {
		return contracts.NewResourceMissing(fmt.Sprintf("vm %s was never created", name), nil)
	}

	for {
		status, err := dep.platform.GetVMStatus(ctx, rec.VMID)
		if err == nil {
			if status == contracts.VMStatusRunning {
				break
			}
			if status == contracts.VMStatusError || status == contracts.VMStatusDeleted {
				err = contracts.NewPermanent(fmt.Sprintf("vm %s entered %s while booting", name, status), nil)
				o.markVMFailed(dep, name, err)
				return err
			}
		}
		select {
		case <-ctx.Done():
			err = contracts.NewTransient(fmt.Sprintf("vm %s did not reach RUNNING", name), ctx.Err())
			o.markVMFailed(dep, name, err)
			return err
		case <-time.After(2 * time.Second):
		}
	}

	discoveryStart := time.Now()
	var ip string
	err := resilience.Retry(ctx, o.retryConfig(), func(ctx context.Context, _ int) error {
		var cerr error
		ip, cerr = dep.platform.GetVMIP(ctx, rec.VMID, ipDeadline(ctx))
		return cerr
	})
	if err != nil {
		o.markVMFailed(dep, name, err)
		return err
	}
	metrics.RecordIPDiscovery(string(dep.platform.ID()), time.Since(discoveryStart))

	dep.mu.Lock()
	rec.Status = contracts.VMStatusRunning
	rec.PrimaryIP = ip
	rec.GuestTools = contracts.GuestToolsRunning
	rec.UpdatedAt = time.Now().UTC()
	updated := *rec
	dep.mu.Unlock()

	if prepared != nil && prepared.IP != nil && prepared.IP.IP != ip {
		dep.logf("vm %s reported %s instead of leased %s", name, ip, prepared.IP.IP)
	}
	dep.logf("vm %s ready at %s", name, ip)
	_, err = o.store.Apply(ctx, updated.Ref(), &updated, contracts.SourceOrchestrator)
	return err
}

func ipDeadline(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 2 * time.Minute
}

func (o *Orchestrator) postConfig(ctx context.Context, dep *deployment, name string, step int) error {
	vmSpec := dep.vmSpec(name)
	if vmSpec == nil || step >= len(vmSpec.PostConfig) {
		return contracts.NewValidation("post_config", fmt.Sprintf("vm %q has no step %d", name, step))
	}
	pc := vmSpec.PostConfig[step]

	inv, err := o.synthesizeInventory(dep, name, pc)
	if err != nil {
		o.markPCFailed(dep, postConfigKey(name, step), err)
		return err
	}

	if err := o.executor.Apply(ctx, pc.Playbook, inv, pc.Vars); err != nil {
		o.markPCFailed(dep, postConfigKey(name, step), err)
		return err
	}
	dep.logf("playbook %s applied to %s", pc.Playbook, name)
	return nil
}

// synthesizeInventory builds the executor inventory: the subject VM plus, for
// a grouped step, every ready member of that tagged purpose.
func (o *Orchestrator) synthesizeInventory(dep *deployment, subject string, pc contracts.PostConfigStep) (*remote.Inventory, error) {
	dep.mu.Lock()
	defer dep.mu.Unlock()

	group := pc.Group
	if group == "" {
		group = subject
	}
	inv := remote.NewInventory()

	addHost := func(name string) error {
		rec := dep.vms[name]
		spec := dep.vmSpec(name)
		if rec == nil || spec == nil || rec.PrimaryIP == "" {
			return contracts.NewTransient(fmt.Sprintf("vm %s has no reachable address yet", name), nil)
		}
		host := remote.Host{
			Name:     name,
			Address:  rec.PrimaryIP,
			User:     spec.Credentials.Username,
			Password: spec.Credentials.Password,
		}
		if spec.Credentials.SSHPrivateKeyPEM != "" {
			path := filepath.Join(dep.keyDir, name+".pem")
			if err := os.WriteFile(path, []byte(spec.Credentials.SSHPrivateKeyPEM), 0o600); err != nil {
				return contracts.NewTransient("writing ssh key material", err)
			}
			host.PrivateKeyFile = path
		}
		inv.Add(group, host)
		return nil
	}

	if err := addHost(subject); err != nil {
		return nil, err
	}
	if pc.Group != "" {
		for name, rec := range dep.vms {
			if name == subject || rec.PrimaryIP == "" {
				continue
			}
			if spec := dep.vmSpec(name); spec != nil && spec.Tags["purpose"] == pc.Group {
				if err := addHost(name); err != nil {
					return nil, err
				}
			}
		}
	}
	return inv, nil
}

func (o *Orchestrator) validateLab(ctx context.Context, dep *deployment) error {
	dep.mu.Lock()
	defer dep.mu.Unlock()
	for _, vmSpec := range dep.lab.Spec.VMs {
		rec := dep.vms[vmSpec.Name]
		if rec == nil || rec.Status != contracts.VMStatusRunning || rec.PrimaryIP == "" {
			return contracts.NewPermanent(fmt.Sprintf("vm %s is not ready", vmSpec.Name), nil)
		}
	}
	return nil
}

func (o *Orchestrator) markVMFailed(dep *deployment, name string, err error) {
	dep.mu.Lock()
	defer dep.mu.Unlock()
	dep.vmFailed[name] = err
}

func (o *Orchestrator) markPCFailed(dep *deployment, key string, err error) {
	dep.mu.Lock()
	defer dep.mu.Unlock()
	dep.pcFailed[key] = err
}

// finalStatus maps the deployment outcome onto the lab state machine: READY
// when everything worked, DEGRADED when at least one VM is usable, FAILED
// when none is.
func (o *Orchestrator) finalStatus(dep *deployment) contracts.LabStatus {
	dep.mu.Lock()
	defer dep.mu.Unlock()

	ready := 0
	for _, vmSpec := range dep.lab.Spec.VMs {
		rec := dep.vms[vmSpec.Name]
		if rec != nil && rec.Status == contracts.VMStatusRunning && rec.PrimaryIP != "" {
			ready++
		}
	}
	switch {
	case ready == 0:
		return contracts.LabFailed
	case ready == len(dep.lab.Spec.VMs) && len(dep.pcFailed) == 0 && len(dep.vmFailed) == 0:
		return contracts.LabReady
	default:
		return contracts.LabDegraded
	}
}

func (o *Orchestrator) collectIDs(dep *deployment) {
	dep.mu.Lock()
	defer dep.mu.Unlock()
	dep.lab.VMIDs = dep.lab.VMIDs[:0]
	for _, vmSpec := range dep.lab.Spec.VMs {
		if rec := dep.vms[vmSpec.Name]; rec != nil {
			dep.lab.VMIDs = append(dep.lab.VMIDs, rec.VMID)
		}
	}
	dep.lab.NetworkIDs = dep.lab.NetworkIDs[:0]
	for _, n := range dep.lab.Spec.Networks {
		if rec := dep.networks[n.Name]; rec != nil {
			dep.lab.NetworkIDs = append(dep.lab.NetworkIDs, rec.NetworkID)
		}
	}
}

// teardownPartial is the best-effort cleanup after a cancelled deployment.
func (o *Orchestrator) teardownPartial(dep *deployment) {
	window := o.taskTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	dep.mu.Lock()
	vms := make(map[string]*contracts.VMRecord, len(dep.vms))
	for name, rec := range dep.vms {
		vms[name] = rec
	}
	networks := make([]*contracts.NetworkRecord, 0, len(dep.networks))
	for _, rec := range dep.networks {
		networks = append(networks, rec)
	}
	dep.mu.Unlock()

	for name, rec := range vms {
		if err := dep.platform.DeleteVM(ctx, rec.VMID); err != nil {
			o.logger.Warn("cleaning up vm after cancellation",
				zap.String("vm", rec.VMID), zap.Error(err))
			continue
		}
		o.prov.Release(vmOwner(dep.lab.LabID, name))
		rec.Status = contracts.VMStatusDeleted
		rec.UpdatedAt = time.Now().UTC()
		_, _ = o.store.Apply(ctx, rec.Ref(), rec, contracts.SourceOrchestrator)
	}
	for _, rec := range networks {
		if rec.OwnerLab != dep.lab.LabID {
			continue
		}
		if err := dep.platform.DeleteNetwork(ctx, rec.NetworkID); err != nil {
			o.logger.Warn("cleaning up network after cancellation",
				zap.String("network", rec.NetworkID), zap.Error(err))
		}
	}
	dep.logf("cancelled deployment cleaned up")
}

// Destroy tears the lab down in reverse order: VMs first, then the networks
// it created. Deletes are idempotent, so a partially destroyed lab can be
// destroyed again.
func (o *Orchestrator) Destroy(ctx context.Context, labID string) error {
	lab, ok := o.store.GetLab(labID)
	if !ok {
		return contracts.NewResourceMissing(fmt.Sprintf("lab %s not found", labID), nil)
	}
	if lab.Status == contracts.LabDestroyed {
		return nil
	}
	platform, err := o.platforms.Get(lab.Spec.Platform)
	if err != nil {
		return err
	}

	ctx = logging.WithLab(ctx, labID)
	logger := logging.FromContext(ctx, o.logger)

	lab.Status = contracts.LabDestroying
	o.publishLab(ctx, lab)

	var firstErr error
	for _, vm := range o.store.VMs() {
		if vm.OwnerLab != labID || vm.Status == contracts.VMStatusDeleted {
			continue
		}
		_ = platform.StopVM(ctx, vm.VMID)
		err := resilience.Retry(ctx, o.retryConfig(), func(ctx context.Context, _ int) error {
			return platform.DeleteVM(ctx, vm.VMID)
		})
		if err != nil {
			logger.Warn("deleting vm", zap.String("vm", vm.VMID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.prov.Release(vmOwner(labID, vm.Spec.Name))
		vm.Status = contracts.VMStatusDeleted
		vm.PrimaryIP = ""
		vm.UpdatedAt = time.Now().UTC()
		_, _ = o.store.Apply(ctx, vm.Ref(), vm, contracts.SourceOrchestrator)
	}

	if firstErr == nil {
		for i := len(lab.NetworkIDs) - 1; i >= 0; i-- {
			if err := platform.DeleteNetwork(ctx, lab.NetworkIDs[i]); err != nil {
				logger.Warn("deleting network", zap.String("network", lab.NetworkIDs[i]), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	if firstErr != nil {
		lab.Status = contracts.LabDegraded
		o.publishLab(ctx, lab)
		return firstErr
	}

	lab.Status = contracts.LabDestroyed
	lab.EndTime = time.Now().UTC()
	o.publishLab(ctx, lab)
	metrics.RecordLabDeployment(string(lab.Status))
	logger.Info("lab destroyed")
	return nil
}

func (o *Orchestrator) publishLab(ctx context.Context, lab *contracts.LabRecord) {
	if _, err := o.store.Apply(ctx, lab.Ref(), lab, contracts.SourceOrchestrator); err != nil {
		o.logger.Warn("recording lab state",
			zap.String("lab", lab.LabID),
			zap.String("status", string(lab.Status)),
			zap.Error(err))
	}
}
