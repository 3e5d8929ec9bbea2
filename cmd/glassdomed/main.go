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

// glassdomed is the lab daemon: it owns the registry, the orchestrator, the
// Overseer loops, and the loopback admin API the CLI talks to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glassdome/glassdome/internal/admin"
	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/ipam"
	"github.com/glassdome/glassdome/internal/knowledge"
	"github.com/glassdome/glassdome/internal/obs/health"
	"github.com/glassdome/glassdome/internal/obs/logging"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/obs/tracing"
	"github.com/glassdome/glassdome/internal/orchestrator"
	"github.com/glassdome/glassdome/internal/overseer"
	platformregistry "github.com/glassdome/glassdome/internal/platform/registry"
	"github.com/glassdome/glassdome/internal/provisioner"
	"github.com/glassdome/glassdome/internal/registry"
	"github.com/glassdome/glassdome/internal/remote"
	"github.com/glassdome/glassdome/internal/secrets"
	"github.com/glassdome/glassdome/internal/version"
)

var (
	configPath   string
	playbookDir  string
	printVersion bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "Path to the glassdome config file")
	flag.StringVar(&playbookDir, "playbook-dir", "/var/lib/glassdome/playbooks",
		"Directory playbook references resolve against")
	flag.BoolVar(&printVersion, "version", false, "Print version and exit")
	flag.Parse()

	if printVersion {
		fmt.Println("glassdomed", version.String())
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "glassdomed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.Setup(&logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, &tracing.Config{
		Enabled:           cfg.Tracing.Enabled,
		Endpoint:          cfg.Tracing.Endpoint,
		ServiceName:       tracing.ServiceDaemon,
		ServiceVersion:    version.Version,
		SamplingRatio:     cfg.Tracing.SamplingRatio,
		InsecureTransport: cfg.Tracing.InsecureTransport,
	})
	if err != nil {
		return fmt.Errorf("configuring tracing: %w", err)
	}
	defer shutdownTracing()

	metrics.RecordBuildInfo(version.Version, version.GitSHA, "glassdomed")
	logger.Info("starting glassdomed",
		zap.String("version", version.String()),
		zap.Int("platforms", len(cfg.Platforms)))

	secretStore, err := secrets.New(&cfg.SecretsBackend)
	if err != nil {
		return fmt.Errorf("configuring secrets backend: %w", err)
	}

	platforms, err := platformregistry.Build(ctx, cfg, secretStore, logger)
	if err != nil {
		return fmt.Errorf("building platform registry: %w", err)
	}

	pools, err := ipam.NewManager(cfg.IPPools)
	if err != nil {
		return fmt.Errorf("configuring ip pools: %w", err)
	}

	bus, err := registry.NewBus(&cfg.Registry.EventBus, logger)
	if err != nil {
		return fmt.Errorf("configuring event bus: %w", err)
	}

	store, err := registry.Open(cfg.Registry.PersistencePath, bus, logger)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer func() { _ = store.Close() }()

	poller := registry.NewPoller(store, platforms, cfg.Registry.PollIntervals, logger)

	sshPool := remote.NewPool(&cfg.SSH, logger)
	defer sshPool.Close()
	executor := remote.NewAnsibleRunner(playbookDir, logger)

	orch := orchestrator.New(platforms, provisioner.New(pools, logger), store, executor,
		&cfg.Orchestrator, logger)

	var idx *knowledge.Index
	if cfg.KnowledgeIndex.Path != "" {
		idx, err = knowledge.Load(cfg.KnowledgeIndex.Path, logger)
		if err != nil {
			return fmt.Errorf("loading knowledge index: %w", err)
		}
	}

	// The Overseer queue lives beside the registry so a restart picks up
	// approved-but-unexecuted requests.
	stateDir := filepath.Join(filepath.Dir(cfg.Registry.PersistencePath), "overseer")
	ov, err := overseer.New(store, platforms, orch, poller, idx, stateDir, &cfg.Overseer, logger)
	if err != nil {
		return fmt.Errorf("starting overseer: %w", err)
	}

	healthSrv := health.NewServer(cfg.HealthAddr, logger)
	healthSrv.Register(health.CheckerFunc{
		CheckerName: "registry",
		Fn: func(context.Context) error {
			_, err := os.Stat(cfg.Registry.PersistencePath)
			return err
		},
	})
	healthSrv.Register(health.CheckerFunc{
		CheckerName: "platforms",
		Fn: func(context.Context) error {
			for _, host := range store.Hosts() {
				if !host.Reachable && time.Since(host.LastPollAt) < 10*time.Minute {
					return fmt.Errorf("platform %s unreachable: %s", host.Platform, host.LastError)
				}
			}
			return nil
		},
	})

	adminSrv := admin.NewServer(cfg.AdminAddr, store, ov, sshPool, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return healthSrv.Start(gctx) })
	g.Go(func() error { return adminSrv.Start(gctx) })
	g.Go(func() error { poller.Run(gctx); return nil })
	g.Go(func() error { return ov.Run(gctx) })

	logger.Info("glassdomed ready",
		zap.String("health_addr", cfg.HealthAddr),
		zap.String("admin_addr", cfg.AdminAddr))

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	logger.Info("glassdomed stopped")
	return nil
}
