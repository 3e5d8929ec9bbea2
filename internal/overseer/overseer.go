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

// Package overseer is the resident supervisor: it gates every incoming
// request through fixed safety rules, executes approved work against the
// orchestrator and platforms, and watches the registry for trouble with four
// concurrent loops.
package overseer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/knowledge"
	"github.com/glassdome/glassdome/internal/obs/logging"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/orchestrator"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	platformregistry "github.com/glassdome/glassdome/internal/platform/registry"
	"github.com/glassdome/glassdome/internal/registry"
)

const (
	executeInterval   = time.Second
	executeWorkers    = 4
	supervisorBackoff = time.Second
	maxLoopBackoff    = 30 * time.Second
)

// overseerRef is the registry entity the health loop publishes to.
var overseerRef = contracts.EntityRef{Kind: contracts.EntityOverseer, ID: "overseer"}

// HealthRecord is the self-check entity published on every health tick.
type HealthRecord struct {
	QueueDepth     int                  `json:"queue_depth"`
	LoopHeartbeats map[string]time.Time `json:"loop_heartbeats"`
	Platforms      map[string]bool      `json:"platforms"`
	UptimeS        int64                `json:"uptime_s"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Overseer is the long-lived supervisor.
type Overseer struct {
	store     *registry.Store
	platforms *platformregistry.Registry
	orch      *orchestrator.Orchestrator
	poller    *registry.Poller
	gate      *Gate
	queue     *Queue
	cfg       *config.OverseerConfig
	logger    *zap.Logger

	mu         sync.Mutex
	alerted    map[string]time.Time
	heartbeats map[string]time.Time
	started    time.Time
}

// New builds the Overseer. stateDir holds the persisted request queue,
// conventionally adjacent to the registry persistence directory.
func New(store *registry.Store, platforms *platformregistry.Registry, orch *orchestrator.Orchestrator, poller *registry.Poller, idx *knowledge.Index, stateDir string, cfg *config.OverseerConfig, logger *zap.Logger) (*Overseer, error) {
	queue, err := NewQueue(stateDir, 0)
	if err != nil {
		return nil, err
	}
	return &Overseer{
		store:      store,
		platforms:  platforms,
		orch:       orch,
		poller:     poller,
		gate:       NewGate(store, idx, cfg),
		queue:      queue,
		cfg:        cfg,
		logger:     logger,
		alerted:    make(map[string]time.Time),
		heartbeats: make(map[string]time.Time),
	}, nil
}

// Queue exposes the request queue for inspection.
func (o *Overseer) Queue() *Queue { return o.queue }

// RunQueuedOnce executes every currently runnable approved request and
// returns once they finish. Run does this on its own cadence; this entry
// point exists for synchronous callers.
func (o *Overseer) RunQueuedOnce(ctx context.Context) { o.executeTick(ctx) }

// Submit gates a request. Denied requests come back with a terminal DENIED
// state and an Authorization error naming the failing rule; approved ones are
// queued for the execute loop.
func (o *Overseer) Submit(ctx context.Context, req *contracts.Request) (*contracts.Request, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Approval = contracts.ApprovalPending
	req.DenialReason = nil
	req.Error = ""

	if req.Kind == contracts.RequestDeployLab {
		if req.LabSpec == nil {
			return nil, contracts.NewValidation("lab_spec", "deploy_lab requires a lab spec")
		}
		if req.Target == (contracts.EntityRef{}) {
			req.Target = contracts.EntityRef{Kind: contracts.EntityLab, ID: req.LabSpec.Name}
		}
	}

	logger := logging.FromContext(logging.WithRequest(ctx, req.RequestID), o.logger)

	if denial := o.gate.Evaluate(req); denial != nil {
		req.Approval = contracts.ApprovalDenied
		req.DenialReason = denial
		req.CompletedAt = time.Now().UTC()
		if err := o.queue.Record(req); err != nil {
			logger.Warn("persisting denied request", zap.Error(err))
		}
		logger.Info("request denied",
			zap.String("kind", string(req.Kind)),
			zap.String("rule", denial.Rule),
			zap.String("message", denial.Message))
		return req, contracts.NewAuthorization(denial.Rule, denial.Message)
	}

	req.Approval = contracts.ApprovalApproved
	if err := o.queue.Enqueue(req); err != nil {
		req.Approval = contracts.ApprovalPending
		return req, err
	}
	logger.Info("request approved",
		zap.String("kind", string(req.Kind)),
		zap.String("target", req.Target.String()))
	return req, nil
}

// Run starts the four loops and blocks until ctx is cancelled. Each loop is
// supervised: a panic restarts it with backoff.
func (o *Overseer) Run(ctx context.Context) error {
	o.mu.Lock()
	o.started = time.Now().UTC()
	o.mu.Unlock()

	intervals := o.cfg.LoopIntervals
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		tick     func(context.Context)
	}{
		{"monitor", orDefault(intervals.Monitor, 30*time.Second), o.monitorTick},
		{"execute", executeInterval, o.executeTick},
		{"sync", orDefault(intervals.Sync, 60*time.Second), o.syncTick},
		{"health", orDefault(intervals.Health, 300*time.Second), o.healthTick},
	}
	for _, loop := range loops {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.supervise(ctx, loop.name, loop.interval, loop.tick)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func (o *Overseer) supervise(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	backoff := supervisorBackoff
	for ctx.Err() == nil {
		err := o.runLoop(ctx, name, interval, tick)
		if ctx.Err() != nil {
			return
		}
		o.logger.Error("loop crashed, restarting",
			zap.String("loop", name),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxLoopBackoff {
			backoff = maxLoopBackoff
		}
	}
}

// runLoop drives one loop until ctx cancellation or a panic, which it
// converts into an error for the supervisor.
func (o *Overseer) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop %s panicked: %v", name, r)
		}
	}()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			tick(ctx)
			metrics.RecordLoopTick(name, time.Since(start))
			o.mu.Lock()
			o.heartbeats[name] = time.Now().UTC()
			o.mu.Unlock()
		}
	}
}

// monitorTick scans the registry for VMs whose health signals indicate
// trouble: stale records past the freshness horizon, and RUNNING VMs that
// lost (or never reported) their primary address. A silent guest channel is
// repaired directly when policy allows, otherwise surfaced as an alert; stale
// records alert, and pending drift is funneled into reconcile requests.
func (o *Overseer) monitorTick(ctx context.Context) {
	horizon := o.gate.freshnessHorizon()
	now := time.Now().UTC()

	for _, vm := range o.store.VMs() {
		if vm.Status.Terminal() {
			continue
		}
		switch {
		case vm.Status == contracts.VMStatusRunning && vm.PrimaryIP == "":
			if o.cfg.AutoRemediateEnabled() {
				o.dispatchRemediation(ctx, vm)
				continue
			}
			o.raiseAlert(ctx, vm.Ref(), "primary_ip_lost",
				fmt.Sprintf("vm %s is RUNNING without a primary address", vm.VMID),
				"vm running no primary ip guest agent")
		case now.Sub(vm.UpdatedAt) > horizon:
			o.raiseAlert(ctx, vm.Ref(), "stale_record",
				fmt.Sprintf("vm %s not observed for %s", vm.VMID, now.Sub(vm.UpdatedAt).Round(time.Second)),
				"vm record stale poller not reporting")
		}
	}

	for _, drift := range o.store.PendingDrifts() {
		key := "reconcile/" + drift.Entity.String() + "/" + drift.Field
		if !o.shouldRaise(key, horizon) {
			continue
		}
		req := &contracts.Request{
			Kind:          contracts.RequestReconcile,
			Target:        drift.Entity,
			Requester:     "overseer-monitor",
			RequesterRole: RoleAdmin,
			Parameters: map[string]string{
				"field":    drift.Field,
				"expected": drift.Expected,
				"observed": drift.Observed,
			},
		}
		if _, err := o.Submit(ctx, req); err != nil {
			o.logger.Debug("reconcile request not admitted",
				zap.String("entity", drift.Entity.String()), zap.Error(err))
		}
	}
}

// raiseAlert emits one alert request per issue per freshness window.
func (o *Overseer) raiseAlert(ctx context.Context, target contracts.EntityRef, issue, message, query string) {
	if !o.shouldRaise("alert/"+target.String()+"/"+issue, o.gate.freshnessHorizon()) {
		return
	}
	params := map[string]string{"issue": issue, "message": message}
	if o.gate.knowledge != nil {
		if passages := o.gate.knowledge.Query(query, 1); len(passages) > 0 {
			params["context_source"] = passages[0].Source
			params["context"] = excerpt(passages[0].Text, 400)
		}
	}
	req := &contracts.Request{
		Kind:          contracts.RequestAlert,
		Target:        target,
		Requester:     "overseer-monitor",
		RequesterRole: RoleAdmin,
		Parameters:    params,
	}
	if _, err := o.Submit(ctx, req); err != nil {
		o.logger.Warn("alert request not admitted",
			zap.String("target", target.String()), zap.Error(err))
	}
}

// dispatchRemediation queues a guest-agent repair for a RUNNING VM that never
// reported its address, once per freshness window. The knowledge index
// supplies the repair context the operator would otherwise look up.
func (o *Overseer) dispatchRemediation(ctx context.Context, vm *contracts.VMRecord) {
	if !o.shouldRaise("remediate/"+vm.Ref().String(), o.gate.freshnessHorizon()) {
		return
	}
	params := map[string]string{
		"issue":   "primary_ip_lost",
		"message": fmt.Sprintf("vm %s is RUNNING without a primary address", vm.VMID),
	}
	if o.gate.knowledge != nil {
		if passages := o.gate.knowledge.Query("vm running no primary ip install guest agent", 1); len(passages) > 0 {
			params["context_source"] = passages[0].Source
			params["context"] = excerpt(passages[0].Text, 400)
		}
	}
	req := &contracts.Request{
		Kind:          contracts.RequestRemediateVM,
		Target:        vm.Ref(),
		Requester:     "overseer-monitor",
		RequesterRole: RoleAdmin,
		Parameters:    params,
	}
	if _, err := o.Submit(ctx, req); err != nil {
		o.logger.Warn("remediation request not admitted",
			zap.String("target", vm.Ref().String()), zap.Error(err))
	}
}

func (o *Overseer) shouldRaise(key string, window time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if last, ok := o.alerted[key]; ok && time.Since(last) < window {
		return false
	}
	o.alerted[key] = time.Now().UTC()
	return true
}

// executeTick drains the queue. Next already guarantees per-target
// exclusivity, so runnable requests execute concurrently up to the worker
// bound.
func (o *Overseer) executeTick(ctx context.Context) {
	sem := make(chan struct{}, executeWorkers)
	var wg sync.WaitGroup
	for {
		req := o.queue.Next()
		if req == nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			o.queue.Done(req.RequestID, contracts.NewTransient("overseer shutting down", ctx.Err()))
			wg.Wait()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.queue.Done(req.RequestID, o.execute(ctx, req))
		}()
	}
	wg.Wait()
}

func (o *Overseer) execute(ctx context.Context, req *contracts.Request) error {
	ctx = logging.WithRequest(ctx, req.RequestID)
	logger := logging.FromContext(ctx, o.logger)
	logger.Info("executing request",
		zap.String("kind", string(req.Kind)),
		zap.String("target", req.Target.String()))

	switch req.Kind {
	case contracts.RequestDeployLab:
		_, err := o.orch.Deploy(ctx, req.LabSpec)
		return err
	case contracts.RequestDestroyLab:
		return o.orch.Destroy(ctx, req.Target.ID)
	case contracts.RequestStartVM, contracts.RequestStopVM, contracts.RequestDeleteVM:
		return o.executeVMAction(ctx, req)
	case contracts.RequestReconcile:
		return o.executeReconcile(ctx, req)
	case contracts.RequestRemediateVM:
		return o.executeRemediation(ctx, req)
	case contracts.RequestAlert:
		logger.Warn("operator attention required",
			zap.String("issue", req.Parameters["issue"]),
			zap.String("message", req.Parameters["message"]),
			zap.String("context_source", req.Parameters["context_source"]))
		return nil
	default:
		return contracts.NewValidation("kind", fmt.Sprintf("unknown request kind %q", req.Kind))
	}
}

func (o *Overseer) executeVMAction(ctx context.Context, req *contracts.Request) error {
	// VM refs embed the platform: vm/<platform>/<vmid>.
	i := strings.IndexByte(req.Target.ID, '/')
	if req.Target.Kind != contracts.EntityVM || i <= 0 {
		return contracts.NewValidation("target", fmt.Sprintf("malformed vm target %q", req.Target))
	}
	platformID := contracts.PlatformID(req.Target.ID[:i])
	vmID := req.Target.ID[i+1:]

	platform, err := o.platforms.Get(platformID)
	if err != nil {
		return err
	}

	var status contracts.VMStatus
	switch req.Kind {
	case contracts.RequestStartVM:
		err = platform.StartVM(ctx, vmID)
		status = contracts.VMStatusRunning
	case contracts.RequestStopVM:
		err = platform.StopVM(ctx, vmID)
		status = contracts.VMStatusStopped
	case contracts.RequestDeleteVM:
		err = platform.DeleteVM(ctx, vmID)
		status = contracts.VMStatusDeleted
	}
	if err != nil {
		return err
	}

	vm, ok := o.store.GetVM(platformID, vmID)
	if !ok {
		return nil
	}
	vm.Status = status
	if status != contracts.VMStatusRunning {
		vm.PrimaryIP = ""
	}
	vm.UpdatedAt = time.Now().UTC()
	_, err = o.store.Apply(ctx, vm.Ref(), vm, contracts.SourceManual)
	return err
}

// executeReconcile accepts the observed state: the poller already converged
// the record, so reconciliation closes the drift audit trail and refreshes
// the entity.
func (o *Overseer) executeReconcile(ctx context.Context, req *contracts.Request) error {
	resolved := 0
	for _, drift := range o.store.PendingDrifts() {
		if drift.Entity != req.Target {
			continue
		}
		if field := req.Parameters["field"]; field != "" && field != drift.Field {
			continue
		}
		o.store.ResolveDrift(drift.Entity, drift.Field, contracts.DriftReconciled)
		resolved++
	}
	if resolved == 0 {
		return nil
	}
	o.poller.PollVMs(ctx)
	return nil
}

// guestAgentRepairUserData reinstalls and starts the guest integration agent
// on the next cloud-init pass.
const guestAgentRepairUserData = "#cloud-config\n" +
	"packages:\n  - qemu-guest-agent\n" +
	"runcmd:\n  - systemctl enable --now qemu-guest-agent\n"

// executeRemediation re-arms the guest integration channel on a silent VM and
// waits out one freshness window for the address to surface. Recovering the
// last missing address of a degraded lab promotes the lab back to READY.
func (o *Overseer) executeRemediation(ctx context.Context, req *contracts.Request) error {
	i := strings.IndexByte(req.Target.ID, '/')
	if req.Target.Kind != contracts.EntityVM || i <= 0 {
		return contracts.NewValidation("target", fmt.Sprintf("malformed vm target %q", req.Target))
	}
	platformID := contracts.PlatformID(req.Target.ID[:i])
	vmID := req.Target.ID[i+1:]

	platform, err := o.platforms.Get(platformID)
	if err != nil {
		return err
	}
	vm, ok := o.store.GetVM(platformID, vmID)
	if !ok {
		return contracts.NewResourceMissing(fmt.Sprintf("vm %s is not in the registry", req.Target), nil)
	}
	if vm.Status != contracts.VMStatusRunning || vm.PrimaryIP != "" {
		// Recovered or powered off between dispatch and execution.
		return nil
	}

	params := contracts.Parameterization{
		Kind: contracts.ParamCloudInit,
		CloudInit: &contracts.CloudInitParams{
			User:         vm.Spec.Credentials.Username,
			SSHPublicKey: vm.Spec.Credentials.SSHPublicKey,
			UserData:     guestAgentRepairUserData,
		},
	}
	if err := platform.InjectConfig(ctx, vmID, params); err != nil {
		return err
	}
	ip, err := platform.GetVMIP(ctx, vmID, o.gate.freshnessHorizon())
	if err != nil {
		return err
	}

	vm.PrimaryIP = ip
	vm.GuestTools = contracts.GuestToolsRunning
	vm.UpdatedAt = time.Now().UTC()
	if _, err := o.store.Apply(ctx, vm.Ref(), vm, contracts.SourceManual); err != nil {
		return err
	}
	o.promoteLab(ctx, vm.OwnerLab)
	return nil
}

// promoteLab flips a degraded lab back to READY once every VM it owns is
// RUNNING with an address.
func (o *Overseer) promoteLab(ctx context.Context, labID string) {
	if labID == "" {
		return
	}
	lab, ok := o.store.GetLab(labID)
	if !ok || lab.Status != contracts.LabDegraded {
		return
	}
	for _, vm := range o.store.VMs() {
		if vm.OwnerLab != labID {
			continue
		}
		if vm.Status != contracts.VMStatusRunning || vm.PrimaryIP == "" {
			return
		}
	}
	lab.Status = contracts.LabReady
	if _, err := o.store.Apply(ctx, lab.Ref(), lab, contracts.SourceManual); err != nil {
		o.logger.Warn("promoting remediated lab",
			zap.String("lab", labID), zap.Error(err))
	}
}

// syncTick tops up the registry for actively watched resources that fell
// behind their tier cadence, and refreshes host reachability so the gate's
// freshness rule stays live.
func (o *Overseer) syncTick(ctx context.Context) {
	o.poller.PollActiveLabs(ctx)
	o.poller.PollHosts(ctx)
}

// healthTick publishes the Overseer's own health entity.
func (o *Overseer) healthTick(ctx context.Context) {
	o.mu.Lock()
	heartbeats := make(map[string]time.Time, len(o.heartbeats))
	for name, at := range o.heartbeats {
		heartbeats[name] = at
	}
	uptime := int64(time.Since(o.started).Seconds())
	o.mu.Unlock()

	platforms := make(map[string]bool)
	for _, host := range o.store.Hosts() {
		platforms[string(host.Platform)] = host.Reachable
	}

	rec := &HealthRecord{
		QueueDepth:     o.queue.Depth(),
		LoopHeartbeats: heartbeats,
		Platforms:      platforms,
		UptimeS:        uptime,
		UpdatedAt:      time.Now().UTC(),
	}
	if _, err := o.store.Apply(ctx, overseerRef, rec, contracts.SourceManual); err != nil {
		o.logger.Warn("publishing health record", zap.Error(err))
	}
}
