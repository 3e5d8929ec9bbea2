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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "glassdome.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
platforms:
  - id: pve-prod
    kind: proxmox
    endpoint: https://pve.example.com:8006
    credentials_ref: pve-prod
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrency.VM)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrency.PostConfig)
	assert.Equal(t, 2, cfg.Orchestrator.Retry.MaxAttempts)
	assert.Equal(t, 1*time.Second, cfg.Registry.PollIntervals.Lab)
	assert.Equal(t, 10*time.Second, cfg.Registry.PollIntervals.VM)
	assert.Equal(t, 30*time.Second, cfg.Registry.PollIntervals.Host)
	assert.Equal(t, 30*time.Second, cfg.Overseer.LoopIntervals.Monitor)
	assert.Equal(t, 5, cfg.Overseer.MassActionCap)
	assert.Equal(t, "in-memory", cfg.Registry.EventBus.Kind)
	assert.Equal(t, "env", cfg.SecretsBackend.Backend)
	assert.True(t, cfg.Platforms[0].TLSVerify())
}

func TestLoadFullBundle(t *testing.T) {
	path := writeConfig(t, `
platforms:
  - id: pve-prod
    kind: proxmox
    endpoint: https://pve.example.com:8006
    credentials_ref: pve-prod
    default_node: pve1
    default_storage: local-lvm
    verify_tls: false
  - id: aws-east
    kind: aws
    credentials_ref: aws-east
    region: us-east-1
secrets_backend:
  backend: vault
  address: https://vault.example.com:8200
  role_id: gd-role
ip_pools:
  - cidr: 10.10.0.0/24
    range_start: 10.10.0.50
    range_end: 10.10.0.200
    gateway: 10.10.0.1
    dns: ["10.10.0.1", "1.1.1.1"]
registry:
  persistence_path: /tmp/gd-registry
  event_bus:
    kind: redis
    redis_addr: localhost:6379
  poll_intervals:
    lab: 2s
    vm: 15s
    host: 45s
orchestrator:
  max_concurrency:
    vm: 12
    postconfig: 6
  retry:
    max_attempts: 3
    base_delay_s: 1
    cap_delay_s: 30
  task_timeout_default_s: 600
overseer:
  mass_action_cap: 10
ssh:
  connect_timeout_s: 5
knowledge_index:
  path: /var/lib/glassdome/kb
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Platforms, 2)
	assert.False(t, cfg.Platforms[0].TLSVerify())
	assert.Equal(t, "us-east-1", cfg.Platforms[1].Region)
	assert.Equal(t, "vault", cfg.SecretsBackend.Backend)
	assert.Equal(t, "10.10.0.1", cfg.IPPools[0].Gateway)
	assert.Equal(t, 15*time.Second, cfg.Registry.PollIntervals.VM)
	assert.Equal(t, 12, cfg.Orchestrator.MaxConcurrency.VM)
	assert.Equal(t, 10, cfg.Overseer.MassActionCap)
	assert.Equal(t, 5, cfg.SSH.ConnectTimeoutS)
	assert.Equal(t, "/var/lib/glassdome/kb", cfg.KnowledgeIndex.Path)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
	}{
		{
			name:   "no platforms",
			mutate: func(c *Config) { c.Platforms = nil },
			field:  "platforms",
		},
		{
			name: "missing platform id",
			mutate: func(c *Config) {
				c.Platforms[0].ID = ""
			},
			field: "platforms[0].id",
		},
		{
			name: "duplicate platform id",
			mutate: func(c *Config) {
				c.Platforms = append(c.Platforms, c.Platforms[0])
			},
			field: "platforms[1].id",
		},
		{
			name: "unknown kind",
			mutate: func(c *Config) {
				c.Platforms[0].Kind = "openstack"
			},
			field: "platforms[0].kind",
		},
		{
			name: "vault without address",
			mutate: func(c *Config) {
				c.SecretsBackend = SecretsConfig{Backend: "vault"}
			},
			field: "secrets_backend.address",
		},
		{
			name: "redis bus without address",
			mutate: func(c *Config) {
				c.Registry.EventBus = EventBusConfig{Kind: "redis"}
			},
			field: "registry.event_bus.redis_addr",
		},
		{
			name: "pool without range",
			mutate: func(c *Config) {
				c.IPPools = []IPPoolConfig{{CIDR: "10.0.0.0/24", Gateway: "10.0.0.1"}}
			},
			field: "ip_pools[0].range_start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Platforms = []PlatformConfig{{
				ID:             "pve",
				Kind:           "proxmox",
				Endpoint:       "https://pve:8006",
				CredentialsRef: "pve",
			}}
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var cerr *contracts.Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, contracts.ErrorKindValidation, cerr.Kind)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestManagerHotReload(t *testing.T) {
	path := writeConfig(t, `
platforms:
  - id: pve
    kind: proxmox
    endpoint: https://pve:8006
    credentials_ref: pve
overseer:
  mass_action_cap: 5
`)

	m, err := NewManager(path)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	ch := m.Watch()
	first := <-ch
	assert.Equal(t, 5, first.Overseer.MassActionCap)

	require.NoError(t, os.WriteFile(path, []byte(`
platforms:
  - id: pve
    kind: proxmox
    endpoint: https://pve:8006
    credentials_ref: pve
overseer:
  mass_action_cap: 9
`), 0o600))

	select {
	case updated := <-ch:
		assert.Equal(t, 9, updated.Overseer.MassActionCap)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
