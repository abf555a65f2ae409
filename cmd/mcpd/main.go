package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/coedit/mcpd/internal/config"
	"github.com/coedit/mcpd/internal/coordinator"
	"github.com/coedit/mcpd/internal/engine"
	"github.com/coedit/mcpd/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to mcpd TOML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcpd: %v\n", err)
		os.Exit(1)
	}
	if _, err := observability.ConfigureLogger("mcpd", cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "mcpd: logger setup: %v\n", err)
		os.Exit(1)
	}

	svc := coordinator.New(coordinator.Config{
		InstanceID: cfg.InstanceID,
		Client:     cfg.MCPClientConfig(),
		Engine:     cfg.EngineConfig(),
		AdminAddr:  cfg.AdminAddr,
	}, engine.NewMemory())

	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcpd: %v\n", err)
		os.Exit(1)
	}
}
