package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/Fimeg/Coquette-sub001/internal/availability"
	"github.com/Fimeg/Coquette-sub001/internal/provider"
	"github.com/Fimeg/Coquette-sub001/internal/router"
)

// runResolve handles the "coquette resolve" subcommand. It builds the
// fallback chain from configuration and prints the provider it would
// pick right now. Every provider starts available in a fresh process,
// so this reflects chain order and enabled flags, not live cooldowns;
// for those, query a running instance's /api/resolve.
func runResolve(stdout io.Writer, configPath string, outputFmt string) error {
	logger := newLogger(io.Discard, slog.LevelError, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	reg, err := provider.NewRegistry(cfg.Providers, buildSecretsSource(cfg))
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}

	tracker := availability.NewTracker(nil)
	sel, err := router.New(logger, reg, tracker, nil, cfg.Chain.Primary, cfg.Chain.Fallbacks)
	if err != nil {
		return fmt.Errorf("build fallback chain: %w", err)
	}

	desc, decision := sel.Resolve()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	}

	fmt.Fprintf(stdout, "%s (%s)\n", decision.Provider, decision.Reason)
	if desc != nil {
		fmt.Fprintf(stdout, "  kind:     %s\n", desc.Kind)
		fmt.Fprintf(stdout, "  endpoint: %s\n", desc.Endpoint)
		if desc.Model != "" {
			fmt.Fprintf(stdout, "  model:    %s\n", desc.Model)
		}
	}
	if decision.Degraded {
		fmt.Fprintln(stdout, "  degraded: no eligible provider; returned the current pointer anyway")
	}
	return nil
}
