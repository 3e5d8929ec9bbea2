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
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// PlatformConfig describes one configured platform endpoint.
type PlatformConfig struct {
	ID             string  `yaml:"id"`
	Kind           string  `yaml:"kind"` // proxmox, esxi, aws, azure, gcp
	Endpoint       string  `yaml:"endpoint"`
	CredentialsRef string  `yaml:"credentials_ref"`
	DefaultNode    string  `yaml:"default_node,omitempty"`
	Region         string  `yaml:"region,omitempty"`
	DefaultStorage string  `yaml:"default_storage,omitempty"`
	Datastore      string  `yaml:"datastore,omitempty"`
	Datacenter     string  `yaml:"datacenter,omitempty"`
	ResourcePool   string  `yaml:"resource_pool,omitempty"`
	Folder         string  `yaml:"folder,omitempty"`
	VPCID          string  `yaml:"vpc_id,omitempty"`
	VerifyTLS      *bool   `yaml:"verify_tls,omitempty"` // default true
	RateQPS        float64 `yaml:"rate_qps,omitempty"`
	RateBurst      int     `yaml:"rate_burst,omitempty"`
}

// TLSVerify returns the effective verify_tls value.
func (p *PlatformConfig) TLSVerify() bool {
	if p.VerifyTLS == nil {
		return true
	}
	return *p.VerifyTLS
}

// SecretsConfig selects the secrets backend.
type SecretsConfig struct {
	Backend    string `yaml:"backend"` // env or vault
	Address    string `yaml:"address,omitempty"`
	RoleID     string `yaml:"role_id,omitempty"`
	SecretID   string `yaml:"secret_id,omitempty"`
	SkipVerify bool   `yaml:"skip_verify,omitempty"`
}

// IPPoolConfig describes one static-IP allocation range.
type IPPoolConfig struct {
	CIDR       string   `yaml:"cidr"`
	RangeStart string   `yaml:"range_start"`
	RangeEnd   string   `yaml:"range_end"`
	Gateway    string   `yaml:"gateway"`
	DNS        []string `yaml:"dns,omitempty"`
}

// PollIntervals holds the tiered polling cadences.
type PollIntervals struct {
	Lab  time.Duration `yaml:"lab"`
	VM   time.Duration `yaml:"vm"`
	Host time.Duration `yaml:"host"`
}

// EventBusConfig selects the registry event bus implementation.
type EventBusConfig struct {
	Kind      string `yaml:"kind"` // in-memory or redis
	RedisAddr string `yaml:"redis_addr,omitempty"`
}

// RegistryConfig holds registry persistence and polling settings.
type RegistryConfig struct {
	PersistencePath string         `yaml:"persistence_path"`
	EventBus        EventBusConfig `yaml:"event_bus"`
	PollIntervals   PollIntervals  `yaml:"poll_intervals"`
}

// RetrySettings holds the orchestrator retry policy.
type RetrySettings struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayS  int `yaml:"base_delay_s"`
	CapDelayS   int `yaml:"cap_delay_s"`
}

// ConcurrencyLimits bounds parallel task execution.
type ConcurrencyLimits struct {
	VM         int `yaml:"vm"`
	PostConfig int `yaml:"postconfig"`
}

// OrchestratorConfig holds lab execution settings.
type OrchestratorConfig struct {
	MaxConcurrency      ConcurrencyLimits `yaml:"max_concurrency"`
	Retry               RetrySettings     `yaml:"retry"`
	TaskTimeoutDefaultS int               `yaml:"task_timeout_default_s"`
}

// LoopIntervals holds the Overseer loop cadences.
type LoopIntervals struct {
	Monitor time.Duration `yaml:"monitor"`
	Sync    time.Duration `yaml:"sync"`
	Health  time.Duration `yaml:"health"`
}

// OverseerConfig holds supervisor settings.
type OverseerConfig struct {
	LoopIntervals     LoopIntervals `yaml:"loop_intervals"`
	MassActionCap     int           `yaml:"mass_action_cap"`
	FreshnessHorizonS int           `yaml:"freshness_horizon_s"`
	AutoRemediate     *bool         `yaml:"auto_remediate,omitempty"` // default true
}

// AutoRemediateEnabled returns the effective auto_remediate value.
func (c *OverseerConfig) AutoRemediateEnabled() bool {
	if c.AutoRemediate == nil {
		return true
	}
	return *c.AutoRemediate
}

// SSHConfig holds remote execution settings.
type SSHConfig struct {
	ConnectTimeoutS int `yaml:"connect_timeout_s"`
	SessionTTLS     int `yaml:"session_ttl_s"`
	PoolSizePerHost int `yaml:"pool_size_per_host"`
}

// KnowledgeConfig points at the read-only knowledge index.
type KnowledgeConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// TracingConfig holds tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRatio     float64 `yaml:"sampling_ratio"`
	InsecureTransport bool    `yaml:"insecure_transport"`
}

// Config is the full configuration bundle read at startup.
type Config struct {
	Platforms      []PlatformConfig   `yaml:"platforms"`
	SecretsBackend SecretsConfig      `yaml:"secrets_backend"`
	IPPools        []IPPoolConfig     `yaml:"ip_pools"`
	Registry       RegistryConfig     `yaml:"registry"`
	Orchestrator   OrchestratorConfig `yaml:"orchestrator"`
	Overseer       OverseerConfig     `yaml:"overseer"`
	SSH            SSHConfig          `yaml:"ssh"`
	KnowledgeIndex KnowledgeConfig    `yaml:"knowledge_index"`
	Log            LogConfig          `yaml:"log"`
	Tracing        TracingConfig      `yaml:"tracing"`
	HealthAddr     string             `yaml:"health_addr"`
	AdminAddr      string             `yaml:"admin_addr"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		SecretsBackend: SecretsConfig{Backend: getEnvWithDefault("GLASSDOME_SECRETS_BACKEND", "env")},
		Registry: RegistryConfig{
			PersistencePath: getEnvWithDefault("GLASSDOME_REGISTRY_PATH", "/var/lib/glassdome/registry"),
			EventBus:        EventBusConfig{Kind: "in-memory"},
			PollIntervals: PollIntervals{
				Lab:  1 * time.Second,
				VM:   10 * time.Second,
				Host: 30 * time.Second,
			},
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrency:      ConcurrencyLimits{VM: 8, PostConfig: 4},
			Retry:               RetrySettings{MaxAttempts: 2, BaseDelayS: 2, CapDelayS: 60},
			TaskTimeoutDefaultS: 300,
		},
		Overseer: OverseerConfig{
			LoopIntervals: LoopIntervals{
				Monitor: 30 * time.Second,
				Sync:    60 * time.Second,
				Health:  300 * time.Second,
			},
			MassActionCap:     5,
			FreshnessHorizonS: 120,
		},
		SSH: SSHConfig{
			ConnectTimeoutS: getEnvIntWithDefault("GLASSDOME_SSH_CONNECT_TIMEOUT", 10),
			SessionTTLS:     600,
			PoolSizePerHost: 4,
		},
		Log: LogConfig{
			Level:  getEnvWithDefault("LOG_LEVEL", "info"),
			Format: getEnvWithDefault("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Enabled:           getEnvBoolWithDefault("GLASSDOME_TRACING_ENABLED", false),
			Endpoint:          getEnvWithDefault("GLASSDOME_TRACING_ENDPOINT", ""),
			SamplingRatio:     0.1,
			InsecureTransport: true,
		},
		HealthAddr: getEnvWithDefault("GLASSDOME_HEALTH_ADDR", ":8080"),
		AdminAddr:  getEnvWithDefault("GLASSDOME_ADMIN_ADDR", "127.0.0.1:7171"),
	}
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required options, naming the offending field.
func (c *Config) Validate() error {
	if len(c.Platforms) == 0 {
		return contracts.NewValidation("platforms", "at least one platform must be configured")
	}
	seen := make(map[string]bool, len(c.Platforms))
	for i, p := range c.Platforms {
		field := fmt.Sprintf("platforms[%d]", i)
		if p.ID == "" {
			return contracts.NewValidation(field+".id", "platform id is required")
		}
		if seen[p.ID] {
			return contracts.NewValidation(field+".id", fmt.Sprintf("duplicate platform id %q", p.ID))
		}
		seen[p.ID] = true
		switch contracts.PlatformKind(p.Kind) {
		case contracts.PlatformProxmox, contracts.PlatformESXi, contracts.PlatformAWS,
			contracts.PlatformAzure, contracts.PlatformGCP, contracts.PlatformMock:
		default:
			return contracts.NewValidation(field+".kind", fmt.Sprintf("unknown platform kind %q", p.Kind))
		}
		if p.Kind != string(contracts.PlatformAWS) && p.Kind != string(contracts.PlatformMock) && p.Endpoint == "" {
			return contracts.NewValidation(field+".endpoint", "endpoint is required")
		}
	}
	switch c.SecretsBackend.Backend {
	case "env", "vault":
	default:
		return contracts.NewValidation("secrets_backend.backend",
			fmt.Sprintf("unknown secrets backend %q", c.SecretsBackend.Backend))
	}
	if c.SecretsBackend.Backend == "vault" && c.SecretsBackend.Address == "" {
		return contracts.NewValidation("secrets_backend.address", "vault address is required")
	}
	switch c.Registry.EventBus.Kind {
	case "in-memory", "redis":
	default:
		return contracts.NewValidation("registry.event_bus.kind",
			fmt.Sprintf("unknown event bus kind %q", c.Registry.EventBus.Kind))
	}
	if c.Registry.EventBus.Kind == "redis" && c.Registry.EventBus.RedisAddr == "" {
		return contracts.NewValidation("registry.event_bus.redis_addr", "redis address is required")
	}
	for i, pool := range c.IPPools {
		field := fmt.Sprintf("ip_pools[%d]", i)
		if pool.CIDR == "" {
			return contracts.NewValidation(field+".cidr", "pool cidr is required")
		}
		if pool.RangeStart == "" || pool.RangeEnd == "" {
			return contracts.NewValidation(field+".range_start", "pool range is required")
		}
	}
	return nil
}

// Manager manages configuration with hot-reload capability.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	watchers []chan *Config
	watcher  *fsnotify.Watcher
	file     string
}

// NewManager creates a configuration manager for the given file.
func NewManager(configFile string) (*Manager, error) {
	cfg, err := Load(configFile)
	if err != nil {
		return nil, err
	}

	m := &Manager{config: cfg, file: configFile}

	if configFile != "" {
		if err := m.setupFileWatcher(); err != nil {
			// Configuration is still usable without hot reload.
			fmt.Fprintf(os.Stderr, "warning: failed to watch config file: %v\n", err)
		}
	}
	return m, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch returns a channel that receives configuration updates. The current
// configuration is delivered immediately.
func (m *Manager) Watch() <-chan *Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Config, 1)
	m.watchers = append(m.watchers, ch)
	ch <- m.config
	return ch
}

// Close stops the file watcher and closes watcher channels.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.watchers {
		close(w)
	}
	m.watchers = nil

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) setupFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					m.reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher.Add(m.file)
}

func (m *Manager) reload() {
	cfg, err := Load(m.file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reloading config: %v\n", err)
		return
	}

	m.mu.Lock()
	m.config = cfg
	watchers := make([]chan *Config, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- cfg:
		default:
		}
	}
}

func loadFromFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
