package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/availability"
	"github.com/Fimeg/Coquette-sub001/internal/events"
	"github.com/Fimeg/Coquette-sub001/internal/llm"
	"github.com/Fimeg/Coquette-sub001/internal/provider"
	"github.com/Fimeg/Coquette-sub001/internal/router"
)

// preflightTimeout bounds one provider's reachability probe.
const preflightTimeout = 10 * time.Second

// runCheck handles the "coquette check" subcommand. It loads and
// validates the configuration, resolves every credential reference,
// verifies the fallback chain names registered providers, and pings
// each enabled provider to confirm it is reachable with the configured
// credential.
func runCheck(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(io.Discard, slog.LevelError, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Config:    ✓ %s\n", cfgPath)

	// Registry construction resolves every enabled provider's
	// credential reference; a dangling env: or secrets: reference
	// fails here, before any network traffic.
	reg, err := provider.NewRegistry(cfg.Providers, buildSecretsSource(cfg))
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	fmt.Fprintf(stdout, "Providers: ✓ %d registered\n", reg.Len())

	// The router validates that the chain references registered ids.
	tracker := availability.NewTracker(events.New())
	if _, err := router.New(logger, reg, tracker, nil, cfg.Chain.Primary, cfg.Chain.Fallbacks); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	fmt.Fprintf(stdout, "Chain:     ✓ primary %s, %d fallbacks\n", cfg.Chain.Primary, len(cfg.Chain.Fallbacks))

	failed := 0
	for _, d := range reg.Descriptors() {
		if !d.Enabled {
			fmt.Fprintf(stdout, "  - %-12s skipped (disabled)\n", d.ID)
			continue
		}

		client, err := llm.New(d, logger)
		if err != nil {
			fmt.Fprintf(stdout, "  ✗ %-12s %v\n", d.ID, err)
			failed++
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
		err = client.Ping(pingCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(stdout, "  ✗ %-12s %v\n", d.ID, err)
			failed++
			continue
		}
		fmt.Fprintf(stdout, "  ✓ %-12s %s (%s)\n", d.ID, d.Endpoint, d.Kind)
	}

	if failed > 0 {
		return fmt.Errorf("%d provider(s) failed preflight", failed)
	}
	fmt.Fprintln(stdout, "All checks passed.")
	return nil
}
