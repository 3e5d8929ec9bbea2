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

// overseer-cli talks to the glassdomed admin API. Exit codes are scripted
// against: 0 success, 2 validation, 3 denied, 4 platform unreachable,
// 5 wait timeout, 1 anything else.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/glassdome/glassdome/internal/admin"
	"github.com/glassdome/glassdome/internal/overseer"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/version"
)

const (
	exitOK          = 0
	exitOther       = 1
	exitValidation  = 2
	exitDenied      = 3
	exitUnreachable = 4
	exitWaitTimeout = 5
)

var (
	adminAddr       string
	requester       string
	role            string
	timeout         time.Duration
	labFilter       string
	wait            bool
	forceProduction bool
)

// exitError carries a script-facing exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	rootCmd := &cobra.Command{
		Use:           "overseer-cli",
		Short:         "CLI for the glassdome lab daemon",
		Long:          "Command-line interface for deploying, inspecting, and tearing down glassdome labs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:7171", "glassdomed admin address")
	rootCmd.PersistentFlags().StringVar(&requester, "requester", os.Getenv("USER"), "Requester identity recorded on requests")
	rootCmd.PersistentFlags().StringVar(&role, "role", "operator", "Requester role (viewer|operator|admin)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "How long --wait follows a request")

	vmsCmd := &cobra.Command{
		Use:   "vms",
		Short: "List registered VMs",
		RunE:  listVMs,
	}
	vmsCmd.Flags().StringVar(&labFilter, "lab", "", "Only VMs owned by this lab")

	deployCmd := &cobra.Command{
		Use:   "deploy <spec.yaml>",
		Short: "Deploy a lab from a spec file",
		Args:  cobra.ExactArgs(1),
		RunE:  deployLab,
	}
	deployCmd.Flags().BoolVar(&wait, "wait", true, "Follow the request until it completes")

	destroyCmd := &cobra.Command{
		Use:   "destroy <lab-id>",
		Short: "Tear down a lab",
		Args:  cobra.ExactArgs(1),
		RunE:  destroyLab,
	}
	destroyCmd.Flags().BoolVar(&wait, "wait", true, "Follow the request until it completes")
	destroyCmd.Flags().BoolVar(&forceProduction, "force-production", false,
		"Override the production-tag protection")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show daemon status",
			RunE:  showStatus,
		},
		vmsCmd,
		&cobra.Command{
			Use:   "hosts",
			Short: "Show platform host reachability",
			RunE:  listHosts,
		},
		deployCmd,
		destroyCmd,
		&cobra.Command{
			Use:   "requests [request-id]",
			Short: "List requests, or show one",
			Args:  cobra.MaximumNArgs(1),
			RunE:  showRequests,
		},
		&cobra.Command{
			Use:   "exec <platform/vmid> <command...>",
			Short: "Run a command on a lab VM over SSH",
			Args:  cobra.MinimumNArgs(2),
			RunE:  execCommand,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(*cobra.Command, []string) {
				fmt.Println("overseer-cli", version.String())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitOther)
	}
}

func baseURL() string {
	if strings.HasPrefix(adminAddr, "http://") || strings.HasPrefix(adminAddr, "https://") {
		return adminAddr
	}
	return "http://" + adminAddr
}

func getJSON(path string, out any) error {
	resp, err := http.Get(baseURL() + path)
	if err != nil {
		return fmt.Errorf("reaching glassdomed at %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var apiErr admin.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s", apiErr.Error)
	}
	return fmt.Errorf("glassdomed returned %s", resp.Status)
}

func parseRole() (int, error) {
	switch role {
	case "viewer":
		return overseer.RoleViewer, nil
	case "operator":
		return overseer.RoleOperator, nil
	case "admin":
		return overseer.RoleAdmin, nil
	default:
		return 0, &exitError{exitValidation, fmt.Sprintf("unknown role %q (viewer|operator|admin)", role)}
	}
}

// submit posts a request and maps the daemon's answer onto exit codes.
func submit(req *contracts.Request) (*contracts.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(baseURL()+"/v1/requests", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("reaching glassdomed at %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		var out contracts.Request
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return &out, nil
	case http.StatusForbidden:
		var out contracts.Request
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		code := exitDenied
		msg := "request denied"
		if out.DenialReason != nil {
			msg = fmt.Sprintf("request denied by rule %s: %s", out.DenialReason.Rule, out.DenialReason.Message)
			if out.DenialReason.Remediation != "" {
				msg += "\n  remediation: " + out.DenialReason.Remediation
			}
			if out.DenialReason.Rule == overseer.RulePlatformUnreachable {
				code = exitUnreachable
			}
		}
		return nil, &exitError{code, msg}
	case http.StatusBadRequest:
		return nil, &exitError{exitValidation, decodeError(resp).Error()}
	default:
		return nil, &exitError{exitOther, decodeError(resp).Error()}
	}
}

// waitForRequest follows a request until it reaches a terminal state.
func waitForRequest(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var req contracts.Request
		if err := getJSON("/v1/requests/"+id, &req); err != nil {
			return err
		}
		if req.Approval.Terminal() {
			switch req.Approval {
			case contracts.ApprovalCompleted:
				fmt.Printf("request %s completed\n", id)
				return nil
			case contracts.ApprovalFailed:
				return &exitError{exitOther, fmt.Sprintf("request %s failed: %s", id, req.Error)}
			default:
				return &exitError{exitDenied, fmt.Sprintf("request %s is %s", id, req.Approval)}
			}
		}
		select {
		case <-ctx.Done():
			return &exitError{exitWaitTimeout,
				fmt.Sprintf("request %s still %s after %s", id, req.Approval, timeout)}
		case <-ticker.C:
		}
	}
}

func showStatus(*cobra.Command, []string) error {
	var status admin.StatusResponse
	if err := getJSON("/v1/status", &status); err != nil {
		return err
	}
	fmt.Printf("Daemon: %s\n", status.Version)
	fmt.Printf("Queue depth: %d\n", status.QueueDepth)
	fmt.Printf("Pending drifts: %d\n", status.PendingDrifts)
	if len(status.Labs) > 0 {
		fmt.Printf("Labs:\n")
		for state, n := range status.Labs {
			fmt.Printf("  %s: %d\n", state, n)
		}
	}
	if len(status.Platforms) > 0 {
		fmt.Printf("Platforms:\n")
		for id, reachable := range status.Platforms {
			state := "reachable"
			if !reachable {
				state = "UNREACHABLE"
			}
			fmt.Printf("  %s: %s\n", id, state)
		}
	}
	return nil
}

func listVMs(*cobra.Command, []string) error {
	path := "/v1/vms"
	if labFilter != "" {
		path += "?lab=" + labFilter
	}
	var vms []*contracts.VMRecord
	if err := getJSON(path, &vms); err != nil {
		return err
	}
	fmt.Printf("%-12s %-8s %-15s %-12s %-10s %-16s %-12s\n",
		"VMID", "PLATFORM", "NAME", "STATUS", "OS", "IP", "LAB")
	for _, vm := range vms {
		ip := vm.PrimaryIP
		if ip == "" {
			ip = "<none>"
		}
		fmt.Printf("%-12s %-8s %-15s %-12s %-10s %-16s %-12s\n",
			vm.VMID, vm.Platform, vm.Spec.Name, vm.Status, vm.Spec.OSFamily, ip, vm.OwnerLab)
	}
	return nil
}

func listHosts(*cobra.Command, []string) error {
	var hosts []*contracts.HostRecord
	if err := getJSON("/v1/hosts", &hosts); err != nil {
		return err
	}
	fmt.Printf("%-16s %-12s %-6s %-10s %-20s %s\n",
		"PLATFORM", "REACHABLE", "VMS", "NETWORKS", "LAST POLL", "ERROR")
	for _, h := range hosts {
		lastPoll := "<never>"
		if !h.LastPollAt.IsZero() {
			lastPoll = h.LastPollAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-16s %-12t %-6d %-10d %-20s %s\n",
			h.Platform, h.Reachable, h.VMCount, h.NetworkCount, lastPoll, h.LastError)
	}
	return nil
}

func deployLab(_ *cobra.Command, args []string) error {
	spec, err := readLabSpec(args[0])
	if err != nil {
		return &exitError{exitValidation, err.Error()}
	}
	roleVal, err := parseRole()
	if err != nil {
		return err
	}

	req, err := submit(&contracts.Request{
		Kind:          contracts.RequestDeployLab,
		LabSpec:       spec,
		Requester:     requester,
		RequesterRole: roleVal,
	})
	if err != nil {
		return err
	}
	fmt.Printf("request %s approved: deploying lab %s on %s\n", req.RequestID, spec.Name, spec.Platform)
	if !wait {
		return nil
	}
	return waitForRequest(req.RequestID)
}

func destroyLab(_ *cobra.Command, args []string) error {
	roleVal, err := parseRole()
	if err != nil {
		return err
	}
	req, err := submit(&contracts.Request{
		Kind:            contracts.RequestDestroyLab,
		Target:          contracts.EntityRef{Kind: contracts.EntityLab, ID: args[0]},
		Requester:       requester,
		RequesterRole:   roleVal,
		ForceProduction: forceProduction,
	})
	if err != nil {
		return err
	}
	fmt.Printf("request %s approved: destroying lab %s\n", req.RequestID, args[0])
	if !wait {
		return nil
	}
	return waitForRequest(req.RequestID)
}

func showRequests(_ *cobra.Command, args []string) error {
	if len(args) == 1 {
		var req contracts.Request
		if err := getJSON("/v1/requests/"+args[0], &req); err != nil {
			return err
		}
		fmt.Printf("Request: %s\n", req.RequestID)
		fmt.Printf("Kind: %s\n", req.Kind)
		fmt.Printf("Target: %s\n", req.Target.String())
		fmt.Printf("Requester: %s\n", req.Requester)
		fmt.Printf("State: %s\n", req.Approval)
		if req.DenialReason != nil {
			fmt.Printf("Denied by: %s (%s)\n", req.DenialReason.Rule, req.DenialReason.Message)
		}
		if req.Error != "" {
			fmt.Printf("Error: %s\n", req.Error)
		}
		return nil
	}

	var reqs []*contracts.Request
	if err := getJSON("/v1/requests", &reqs); err != nil {
		return err
	}
	fmt.Printf("%-38s %-12s %-28s %-10s %-12s\n", "ID", "KIND", "TARGET", "STATE", "REQUESTER")
	for _, req := range reqs {
		fmt.Printf("%-38s %-12s %-28s %-10s %-12s\n",
			req.RequestID, req.Kind, req.Target.String(), req.Approval, req.Requester)
	}
	return nil
}

func execCommand(_ *cobra.Command, args []string) error {
	platform, vmid, ok := strings.Cut(args[0], "/")
	if !ok {
		return &exitError{exitValidation, "target must be platform/vmid"}
	}
	body, err := json.Marshal(admin.ExecRequest{
		Command:  strings.Join(args[1:], " "),
		TimeoutS: int(timeout.Seconds()),
	})
	if err != nil {
		return err
	}
	resp, err := http.Post(baseURL()+"/v1/vms/"+platform+"/"+vmid+"/exec",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reaching glassdomed at %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	var out admin.ExecResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	fmt.Print(out.Stdout)
	fmt.Fprint(os.Stderr, out.Stderr)
	if out.ExitCode != 0 {
		return &exitError{exitOther, fmt.Sprintf("command exited %d", out.ExitCode)}
	}
	return nil
}

// readLabSpec loads YAML and re-decodes it through the spec's JSON field
// names, so spec files use the same keys the API does.
func readLabSpec(path string) (*contracts.LabSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec file: %w", err)
	}
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing spec yaml: %w", err)
	}
	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return nil, fmt.Errorf("converting spec yaml: %w", err)
	}
	var spec contracts.LabSpec
	if err := json.Unmarshal(jsonBytes, &spec); err != nil {
		return nil, fmt.Errorf("decoding spec: %w", err)
	}
	if spec.Name == "" || spec.Platform == "" {
		return nil, fmt.Errorf("spec must set name and platform")
	}
	return &spec, nil
}

// normalizeYAML rewrites yaml.v2's map[interface{}]interface{} into JSON-safe
// maps.
func normalizeYAML(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[fmt.Sprintf("%v", key)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		for i := range v {
			v[i] = normalizeYAML(v[i])
		}
		return v
	default:
		return v
	}
}
