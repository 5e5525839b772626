// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command sandboxd loads a coordinator configuration, assembles a
// Coordinator, registers its configured providers, and keeps the Tool
// Service + approval channel running until interrupted.
//
// Usage:
//
//	sandboxd serve --config sandboxd.yaml
//	sandboxd version
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/sandboxd/coordinator/pkg/config"
	"github.com/sandboxd/coordinator/pkg/coordinator"
	"github.com/sandboxd/coordinator/pkg/observability"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Start the coordinator."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("sandboxd version %s\n", version)
	return nil
}

// ServeCmd loads config and runs the coordinator until interrupted.
type ServeCmd struct {
	Config      string `short:"c" required:"" help:"Path to the coordinator config file." type:"path"`
	MetricsAddr string `default:"127.0.0.1:9090" help:"Address to serve /metrics on when observability.metrics.enabled is set."`
}

func (c *ServeCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("sandboxd: %w", err)
	}
	cfg.Logger.Apply()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	obs, err := observability.NewManager(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("sandboxd: start observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	if cfg.Observability.Metrics.Enabled {
		metricsServer := &http.Server{Addr: c.MetricsAddr, Handler: obs.MetricsHandler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "sandboxd: metrics server stopped: %v\n", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsServer.Shutdown(context.Background())
		}()
		fmt.Printf("metrics listening on %s\n", c.MetricsAddr)
	}

	coordCfg := cfg.CoordinatorConfig()
	coordCfg.Observability = obs

	coord, err := coordinator.New(ctx, coordCfg)
	if err != nil {
		return fmt.Errorf("sandboxd: start coordinator: %w", err)
	}
	defer func() { _ = coord.Shutdown(context.Background()) }()

	for _, spec := range cfg.Providers {
		if err := coord.RegisterProvider(ctx, spec); err != nil {
			return fmt.Errorf("sandboxd: register provider %s: %w", spec.Name, err)
		}
	}

	fmt.Printf("sandboxd ready, workspace=%s, %d provider(s) registered\n", cfg.Workspace, len(cfg.Providers))
	fmt.Println("Press Ctrl+C to stop")

	<-ctx.Done()
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("sandboxd"),
		kong.Description("Python code-execution sandbox coordinator"),
		kong.UsageOnError(),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
