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

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// Executor applies one post-config playbook against a synthesized inventory.
type Executor interface {
	Apply(ctx context.Context, playbook string, inv *Inventory, vars map[string]string) error
}

// AnsibleRunner shells out to ansible-playbook. The playbook path is resolved
// relative to PlaybookDir; the exit code decides success.
type AnsibleRunner struct {
	// Binary defaults to "ansible-playbook"
	Binary string
	// PlaybookDir roots the executor-relative playbook references
	PlaybookDir string
	logger      *zap.Logger
}

// NewAnsibleRunner creates a runner rooted at playbookDir.
func NewAnsibleRunner(playbookDir string, logger *zap.Logger) *AnsibleRunner {
	return &AnsibleRunner{
		Binary:      "ansible-playbook",
		PlaybookDir: playbookDir,
		logger:      logger,
	}
}

// Apply writes the inventory to a temp file and runs the playbook against it.
func (r *AnsibleRunner) Apply(ctx context.Context, playbook string, inv *Inventory, vars map[string]string) error {
	if inv == nil || inv.Empty() {
		return contracts.NewValidation("inventory", fmt.Sprintf("playbook %s has no target hosts", playbook))
	}
	if strings.Contains(playbook, "..") || filepath.IsAbs(playbook) {
		return contracts.NewValidation("playbook", fmt.Sprintf("playbook reference %q must be executor-relative", playbook))
	}
	playbookPath := filepath.Join(r.PlaybookDir, playbook)
	if _, err := os.Stat(playbookPath); err != nil {
		return contracts.NewResourceMissing(fmt.Sprintf("playbook %s not found under %s", playbook, r.PlaybookDir), err)
	}

	dir, err := os.MkdirTemp("", "glassdome-inventory-")
	if err != nil {
		return contracts.NewTransient("creating inventory directory", err)
	}
	defer os.RemoveAll(dir)

	invPath := filepath.Join(dir, "inventory.ini")
	if err := os.WriteFile(invPath, []byte(inv.RenderINI()), 0o600); err != nil {
		return contracts.NewTransient("writing inventory", err)
	}

	args := []string{"-i", invPath, playbookPath}
	if len(vars) > 0 {
		extra, err := json.Marshal(vars)
		if err != nil {
			return contracts.NewPermanent("encoding extra vars", err)
		}
		args = append(args, "--extra-vars", string(extra))
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("running playbook",
		zap.String("playbook", playbook),
		zap.Strings("groups", inv.Groups()))

	err = cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return contracts.NewTransient(fmt.Sprintf("playbook %s cancelled", playbook), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return contracts.NewPermanent(
			fmt.Sprintf("playbook %s exited %d: %s", playbook, exitErr.ExitCode(), tail(stderr.String(), 512)),
			nil)
	}
	return contracts.NewPermanent(fmt.Sprintf("launching %s", r.Binary), err)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
