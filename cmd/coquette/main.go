// Coquette is the provider resolution and recovery layer of an LLM
// chat engine. It decides which backend provider serves the next model
// request, degrades deterministically through a configured fallback
// chain when providers are unhealthy, dispatches requests through a
// bounded priority queue, and runs bounded recovery negotiations when
// a planned operation fails during execution.
//
// Usage:
//
//	coquette serve             Run the provider layer with the ops server
//	coquette check             Validate configuration and preflight providers
//	coquette resolve           Print the provider the chain would pick
//	coquette extract           Run the JSON extractor over stdin
//	coquette secrets <cmd>     Manage the encrypted secrets file
//	coquette init [dir]        Write a starter configuration
//	coquette version           Print version and build information
//	coquette -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/audit"
	"github.com/Fimeg/Coquette-sub001/internal/availability"
	"github.com/Fimeg/Coquette-sub001/internal/buildinfo"
	"github.com/Fimeg/Coquette-sub001/internal/config"
	"github.com/Fimeg/Coquette-sub001/internal/events"
	"github.com/Fimeg/Coquette-sub001/internal/llm"
	"github.com/Fimeg/Coquette-sub001/internal/metrics"
	"github.com/Fimeg/Coquette-sub001/internal/mqtt"
	"github.com/Fimeg/Coquette-sub001/internal/provider"
	"github.com/Fimeg/Coquette-sub001/internal/queue"
	"github.com/Fimeg/Coquette-sub001/internal/recovery"
	"github.com/Fimeg/Coquette-sub001/internal/router"
	"github.com/Fimeg/Coquette-sub001/internal/secrets"
	"github.com/Fimeg/Coquette-sub001/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the coquette command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the ops server and background goroutines.
//   - stdin feeds the extract and secrets subcommands.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; the optional NDJSON event stream goes to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var eventsNDJSON bool
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-events-ndjson" || args[i] == "--events-ndjson":
			eventsNDJSON = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath, eventsNDJSON)
	case "check":
		return runCheck(ctx, stdout, configPath)
	case "resolve":
		return runResolve(stdout, configPath, outputFmt)
	case "extract":
		return runExtract(stdin, stdout)
	case "secrets":
		return runSecrets(stdin, stdout, configPath, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// coquette is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Coquette - Provider Resolution & Recovery Layer")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: coquette [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Run the provider layer with the ops server")
	fmt.Fprintln(w, "  check          Validate configuration and preflight providers")
	fmt.Fprintln(w, "  resolve        Print the provider the fallback chain would pick")
	fmt.Fprintln(w, "  extract        Run the JSON extractor over stdin")
	fmt.Fprintln(w, "  secrets        Manage the encrypted secrets file (set, list)")
	fmt.Fprintln(w, "  init [dir]     Write a starter configuration (default: .)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -events-ndjson    serve: mirror bus events to stderr as NDJSON")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./coquette.yaml, ~/.config/coquette/config.yaml, /etc/coquette/config.yaml")
	return nil
}

// runServe handles the "coquette serve" subcommand. It is the primary
// operating mode: loads config, builds the provider registry and the
// fallback chain, starts the request queue, wires the recovery
// negotiator, the audit trail, metrics, optional MQTT telemetry, and
// the ops HTTP server, then blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes offline and disconnects
//  3. The ops server drains in-flight requests
//  4. The queue, recorder, and observer stop via defers (queue last
//     among them, so late events still reach their subscribers)
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, eventsNDJSON bool) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Coquette", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that we know the desired level and
	// format. The initial Info-level text logger covers only the startup
	// banner and config errors.
	{
		level := slog.LevelInfo
		if cfg.Log.Level != "" {
			if parsed, err := config.ParseLogLevel(cfg.Log.Level); err == nil {
				level = parsed
			}
		}
		logger = newLogger(stdout, level, cfg.Log.Format)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"providers", len(cfg.Providers),
		"primary", cfg.Chain.Primary,
		"fallbacks", cfg.Chain.Fallbacks,
	)

	// --- Event bus ---
	// Every component publishes here; the audit recorder, the metrics
	// observer, MQTT, and the websocket stream all subscribe. The
	// optional NDJSON mirror serves front-ends driving coquette as a
	// child process.
	bus := events.New()
	if eventsNDJSON {
		go events.StreamNDJSON(ctx, bus, stderr)
		logger.Info("NDJSON event stream enabled")
	}

	// --- Secrets and provider registry ---
	reg, err := provider.NewRegistry(cfg.Providers, buildSecretsSource(cfg))
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}
	for _, d := range reg.Descriptors() {
		logger.Debug("provider registered", "provider", d.ID, "kind", d.Kind, "enabled", d.Enabled)
	}

	// --- Availability and the fallback chain ---
	tracker := availability.NewTracker(bus)
	sel, err := router.New(logger, reg, tracker, bus, cfg.Chain.Primary, cfg.Chain.Fallbacks)
	if err != nil {
		return fmt.Errorf("build fallback chain: %w", err)
	}

	// --- Wire clients and the request queue ---
	clients, err := llm.BuildClients(reg, logger)
	if err != nil {
		return fmt.Errorf("build provider clients: %w", err)
	}
	q := queue.New(logger, cfg.Queue, sel, tracker, clients, bus)
	q.Start()
	defer q.Stop()

	// --- Recovery negotiator ---
	negotiator := recovery.New(logger, q, bus, cfg.Recovery)

	// --- Audit trail ---
	var store *audit.Store
	if cfg.Audit.AuditEnabled() {
		dbPath := cfg.Audit.AuditPath()
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("create audit directory: %w", err)
		}
		store, err = audit.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open audit database %s: %w", dbPath, err)
		}
		defer store.Close()

		recorder := audit.NewRecorder(logger, store, bus)
		recorder.Start()
		defer recorder.Stop()
		logger.Info("audit trail enabled", "path", dbPath)
	} else {
		logger.Info("audit trail disabled")
	}

	// --- Metrics ---
	observer := metrics.NewObserver(logger, bus)
	observer.Start()
	defer observer.Stop()

	// --- Ops server ---
	server := web.NewServer(logger, cfg.Web, reg, tracker, sel, q, bus)
	server.SetRecoveryRunner(negotiator)
	if store != nil {
		server.SetAuditStore(store)
	}

	// --- MQTT telemetry ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		mqttPub = mqtt.New(cfg.MQTT, &mqttStatsAdapter{reg: reg, tracker: tracker, sel: sel, queue: q}, bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startedAt := time.Now()
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		if store != nil {
			if sum, err := store.DispatchSummary(startedAt, time.Now().Add(time.Minute)); err == nil {
				logger.Info("session dispatch summary",
					"dispatches", sum.TotalDispatches,
					"succeeded", sum.Succeeded,
					"failed", sum.Failed,
					"input_tokens", sum.TotalInputTokens,
					"output_tokens", sum.TotalOutputTokens,
				)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the ops server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("ops server failed: %w", err)
		}
	}

	logger.Info("Coquette stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewLogHandler(w, level, format))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// buildSecretsSource assembles the credential resolution chain from the
// secrets config block. The encrypted file, when configured, is tried
// before the environment so secrets:NAME references prefer it.
func buildSecretsSource(cfg *config.Config) secrets.Source {
	env := secrets.NewEnv()
	if cfg.Secrets.File == "" {
		return env
	}
	return secrets.NewChain(openSecretsFile(cfg), env)
}

// mqttStatsAdapter bridges the registry, tracker, selector, and queue
// to the MQTT publisher's [mqtt.StatsSource] interface. It holds only
// the narrow read surfaces, not mutable state of its own.
type mqttStatsAdapter struct {
	reg     *provider.Registry
	tracker *availability.Tracker
	sel     *router.Selector
	queue   *queue.Queue
}

func (a *mqttStatsAdapter) Providers() []mqtt.ProviderState {
	records := a.tracker.Snapshot(a.reg.IDs())
	states := make([]mqtt.ProviderState, 0, len(records))
	for _, rec := range records {
		states = append(states, mqtt.ProviderState{
			ID:        rec.Provider,
			Available: rec.Available,
			Reason:    string(rec.Reason),
		})
	}
	return states
}

func (a *mqttStatsAdapter) Current() string { return a.sel.Current() }

func (a *mqttStatsAdapter) QueueDepth() int { return a.queue.GetStats().Depth }
