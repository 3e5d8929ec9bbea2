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
	"fmt"
	"strings"
	"time"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/knowledge"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/registry"
)

// Requester role levels, lowest to highest.
const (
	RoleViewer = iota
	RoleOperator
	RoleAdmin
)

// Stable rule names carried in Denial.Rule.
const (
	RuleAuthorization       = "authorization"
	RuleProductionProtected = "production_protected"
	RuleProductionUnknown   = "production_unknown"
	RuleMassActionExceeded  = "mass_action_exceeded"
	RulePlatformUnreachable = "platform_unreachable"
	RuleResourceMissing     = "resource_missing"
	RulePriorIncident       = "prior_incident"
)

const (
	defaultMassActionCap    = 5
	defaultFreshnessHorizon = 120 * time.Second
)

// minRole maps each request kind to the role it requires.
var minRole = map[contracts.RequestKind]int{
	contracts.RequestAlert:       RoleViewer,
	contracts.RequestReconcile:   RoleOperator,
	contracts.RequestRemediateVM: RoleOperator,
	contracts.RequestStartVM:     RoleOperator,
	contracts.RequestStopVM:      RoleOperator,
	contracts.RequestDeployLab:   RoleOperator,
	contracts.RequestDeleteVM:    RoleAdmin,
	contracts.RequestDestroyLab:  RoleAdmin,
}

// Gate is the request safety check. Rules run in a fixed order and the first
// failing rule denies the request with a structured reason.
type Gate struct {
	store     *registry.Store
	knowledge *knowledge.Index
	cfg       *config.OverseerConfig
	now       func() time.Time
}

// NewGate builds the gate over the registry and the knowledge index. The
// index may be nil, which disables the prior-incident rule.
func NewGate(store *registry.Store, idx *knowledge.Index, cfg *config.OverseerConfig) *Gate {
	return &Gate{store: store, knowledge: idx, cfg: cfg, now: time.Now}
}

func (g *Gate) massActionCap() int {
	if g.cfg.MassActionCap > 0 {
		return g.cfg.MassActionCap
	}
	return defaultMassActionCap
}

func (g *Gate) freshnessHorizon() time.Duration {
	if g.cfg.FreshnessHorizonS > 0 {
		return time.Duration(g.cfg.FreshnessHorizonS) * time.Second
	}
	return defaultFreshnessHorizon
}

// Evaluate applies the rules in order. A nil return approves the request.
func (g *Gate) Evaluate(req *contracts.Request) *contracts.Denial {
	denial := g.evaluate(req)
	decision := "approved"
	if denial != nil {
		decision = denial.Rule
	}
	metrics.RecordGateDecision(string(req.Kind), decision)
	return denial
}

func (g *Gate) evaluate(req *contracts.Request) *contracts.Denial {
	if d := g.checkAuthorization(req); d != nil {
		return d
	}
	if d := g.checkProduction(req); d != nil {
		return d
	}
	if d := g.checkMassAction(req); d != nil {
		return d
	}
	if d := g.checkPlatformReachable(req); d != nil {
		return d
	}
	if d := g.checkResourceExists(req); d != nil {
		return d
	}
	if d := g.checkPriorIncidents(req); d != nil {
		return d
	}
	return nil
}

func (g *Gate) checkAuthorization(req *contracts.Request) *contracts.Denial {
	required, ok := minRole[req.Kind]
	if !ok {
		return &contracts.Denial{
			Rule:    RuleAuthorization,
			Message: fmt.Sprintf("unknown request kind %q", req.Kind),
		}
	}
	if req.RequesterRole < required {
		return &contracts.Denial{
			Rule: RuleAuthorization,
			Message: fmt.Sprintf("%s requires role level %d, requester %q has %d",
				req.Kind, required, req.Requester, req.RequesterRole),
			Remediation: "resubmit with sufficient privileges",
		}
	}
	return nil
}

// checkProduction guards destructive actions. The tag scheme is explicit:
// production must be "true" or "false" on the resource; an absent tag fails
// closed rather than being treated as non-production.
func (g *Gate) checkProduction(req *contracts.Request) *contracts.Denial {
	if !req.Kind.Destructive() {
		return nil
	}

	tag, found := g.productionTag(req.Target)
	switch {
	case !found:
		if req.ForceProduction {
			return nil
		}
		return &contracts.Denial{
			Rule: RuleProductionUnknown,
			Message: fmt.Sprintf("%s carries no production tag; destructive actions fail closed",
				req.Target),
			Remediation: `tag the resource with production=true or production=false, or resubmit with force_production`,
		}
	case tag == "true" && !req.ForceProduction:
		return &contracts.Denial{
			Rule:        RuleProductionProtected,
			Message:     fmt.Sprintf("%s is tagged production=true", req.Target),
			Remediation: "resubmit with force_production to override",
		}
	}
	return nil
}

// productionTag resolves the production tag for the target, consulting the
// lab record and every VM it owns. Any "true" wins.
func (g *Gate) productionTag(target contracts.EntityRef) (string, bool) {
	var values []string
	switch target.Kind {
	case contracts.EntityLab:
		lab, ok := g.store.GetLab(target.ID)
		if !ok {
			return "", false
		}
		if v, ok := lab.Tags["production"]; ok {
			values = append(values, v)
		}
		for _, vm := range g.store.VMs() {
			if vm.OwnerLab != target.ID {
				continue
			}
			if v, ok := vm.Tags["production"]; ok {
				values = append(values, v)
			}
		}
	case contracts.EntityVM:
		var vm contracts.VMRecord
		if err := g.store.Load(target, &vm); err != nil {
			return "", false
		}
		if v, ok := vm.Tags["production"]; ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return "", false
	}
	for _, v := range values {
		if v == "true" {
			return "true", true
		}
	}
	return "false", true
}

func (g *Gate) checkMassAction(req *contracts.Request) *contracts.Denial {
	if !req.Kind.Destructive() {
		return nil
	}
	scope := 1
	if req.Kind == contracts.RequestDestroyLab {
		lab, ok := g.store.GetLab(req.Target.ID)
		if !ok {
			return nil
		}
		scope = len(lab.VMIDs)
	}
	if limit := g.massActionCap(); scope > limit {
		return &contracts.Denial{
			Rule: RuleMassActionExceeded,
			Message: fmt.Sprintf("%s would remove %d VMs, above the cap of %d",
				req.Kind, scope, limit),
			Remediation: "split the action or raise overseer.mass_action_cap",
		}
	}
	return nil
}

// checkPlatformReachable requires a recent successful poll of the targeted
// platform. Alerts are exempt: they are how an unreachable platform is
// reported in the first place.
func (g *Gate) checkPlatformReachable(req *contracts.Request) *contracts.Denial {
	if req.Kind == contracts.RequestAlert {
		return nil
	}
	platform, ok := g.targetPlatform(req)
	if !ok {
		return nil
	}

	for _, host := range g.store.Hosts() {
		if host.Platform != platform {
			continue
		}
		if host.Reachable && g.now().Sub(host.LastPollAt) <= g.freshnessHorizon() {
			return nil
		}
		return &contracts.Denial{
			Rule: RulePlatformUnreachable,
			Message: fmt.Sprintf("platform %s last polled %s ago (reachable=%v)",
				platform, g.now().Sub(host.LastPollAt).Round(time.Second), host.Reachable),
			Remediation: "check the platform endpoint and the host poller",
		}
	}
	return &contracts.Denial{
		Rule:        RulePlatformUnreachable,
		Message:     fmt.Sprintf("platform %s has no successful poll on record", platform),
		Remediation: "check the platform endpoint and the host poller",
	}
}

func (g *Gate) targetPlatform(req *contracts.Request) (contracts.PlatformID, bool) {
	switch {
	case req.Kind == contracts.RequestDeployLab && req.LabSpec != nil:
		return req.LabSpec.Platform, true
	case req.Target.Kind == contracts.EntityLab:
		if lab, ok := g.store.GetLab(req.Target.ID); ok {
			return lab.Spec.Platform, true
		}
	case req.Target.Kind == contracts.EntityVM:
		// VM refs embed the platform: vm/<platform>/<vmid>.
		if i := strings.IndexByte(req.Target.ID, '/'); i > 0 {
			return contracts.PlatformID(req.Target.ID[:i]), true
		}
	}
	return "", false
}

func (g *Gate) checkResourceExists(req *contracts.Request) *contracts.Denial {
	switch req.Kind {
	case contracts.RequestDeployLab, contracts.RequestAlert:
		// Creation kinds and alerts have nothing to look up.
		return nil
	}
	if _, _, ok := g.store.Get(req.Target); ok {
		return nil
	}
	return &contracts.Denial{
		Rule:    RuleResourceMissing,
		Message: fmt.Sprintf("%s does not exist in the registry", req.Target),
	}
}

// checkPriorIncidents consults the knowledge index for a recorded incident
// matching the request fingerprint. A passage is only treated as a confident
// match when it names both the action and the target.
func (g *Gate) checkPriorIncidents(req *contracts.Request) *contracts.Denial {
	if g.knowledge == nil || g.knowledge.Size() == 0 {
		return nil
	}
	fingerprint := fmt.Sprintf("%s %s", req.Kind, req.Target.ID)
	for _, p := range g.knowledge.Query(fingerprint+" failed incident", 3) {
		if strings.Contains(p.Text, string(req.Kind)) && strings.Contains(p.Text, req.Target.ID) {
			return &contracts.Denial{
				Rule: RulePriorIncident,
				Message: fmt.Sprintf("a recorded incident matches this request (%s): %s",
					p.Source, excerpt(p.Text, 200)),
				Remediation: "review the incident record and resubmit if it no longer applies",
			}
		}
	}
	return nil
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
