// Tickd ingests receipt photos sent over Signal.
//
// A polling sensor pulls image-bearing messages from a signal-cli
// sidecar, a pipeline engine runs each message through extraction and
// persistence, and the sender gets a Signal notification with the
// outcome. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]), with environment
// variable overrides for every secret.
//
// Usage:
//
//	tickd serve              Start the sensor and pipeline engine
//	tickd groups             List the Signal groups the account belongs to
//	tickd version            Print version and build information
//	tickd -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	osignal "os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/tickd/tickd/internal/buildinfo"
	"github.com/tickd/tickd/internal/config"
	"github.com/tickd/tickd/internal/events"
	"github.com/tickd/tickd/internal/llm"
	"github.com/tickd/tickd/internal/pipeline"
	"github.com/tickd/tickd/internal/prompt"
	"github.com/tickd/tickd/internal/sensor"
	signalcli "github.com/tickd/tickd/internal/signal"
	"github.com/tickd/tickd/internal/store"
	"github.com/tickd/tickd/internal/transform"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the run ledger
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the tickd command. All OS-level
// dependencies are injected as parameters: ctx controls process
// lifetime, stdout and stderr receive all output, and args is
// os.Args[1:]. Arguments are parsed by hand because the flag package
// relies on package-level globals that interfere with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "groups":
		return runGroups(ctx, stdout, configPath)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "tickd - Signal receipt ingestion service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tickd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the sensor and pipeline engine")
	fmt.Fprintln(w, "  groups       List the Signal groups for the configured account")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./tickd.yaml, ~/.config/tickd/tickd.yaml, /etc/tickd/tickd.yaml")
	return nil
}

// runGroups handles "tickd groups": a setup helper that lists every
// group the account belongs to so the default notification group can be
// copied into the config.
func runGroups(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Signal.PhoneNumber == "" {
		return fmt.Errorf("signal phone number not configured")
	}

	logger := newLogger(io.Discard, slog.LevelInfo)
	client := signalcli.NewClient(cfg.Signal.PhoneNumber, cfg.Signal.CLIPath,
		cfg.Signal.AttachmentDir, logger)

	groups, err := client.ListGroups(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Fprintln(stdout, "no groups found")
		return nil
	}
	for _, g := range groups {
		fmt.Fprintf(stdout, "%-60s %s\n", g.ID, g.Name)
	}
	return nil
}

// runServe handles "tickd serve": the long-running service. It wires
// the sensor, the engine, and the notifier together, drives sensor
// ticks on a cron schedule, and shuts everything down cleanly on
// SIGINT/SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	slog.SetDefault(logger)

	logger.Info("tickd starting",
		"version", buildinfo.Version,
		"config", cfgPath,
		"test_mode", cfg.Sensor.TestMode,
		"interval", cfg.Sensor.Interval,
	)

	ctx, cancel := osignal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	tail := bus.Subscribe(64)
	defer bus.Unsubscribe(tail)
	go func() {
		for ev := range tail {
			logger.Log(ctx, config.LevelTrace, "event",
				"source", ev.Source, "kind", ev.Kind, "data", ev.Data)
		}
	}()

	db, err := store.New(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := pipeline.OpenRunStore(cfg.RunDBPath)
	if err != nil {
		return err
	}
	defer runs.Close()

	client := signalcli.NewClient(cfg.Signal.PhoneNumber, cfg.Signal.CLIPath,
		cfg.Signal.AttachmentDir, logger)
	vision := llm.NewVisionClient(cfg.Anthropic, logger)
	prompts := prompt.NewBuilder(db)
	transformer := transform.New(logger)

	stages := pipeline.NewStages(pipeline.StageDeps{
		Store:     db,
		Prompts:   prompts,
		Extract:   pipeline.VisionExtractor(vision),
		Transform: transformer,
		Logger:    logger,
	})
	engine := pipeline.NewEngine(stages, runs, pipeline.Options{
		Workers: cfg.Engine.Workers,
		Bus:     bus,
		Logger:  logger,
	})

	notifier := pipeline.NewNotifier(client, cfg.Signal.DefaultGroupID, logger)
	engine.OnTerminal(notifier.Observe)

	poller := sensor.New(client, db, cfg.Sensor, bus, logger)

	engine.Start(ctx)

	// SkipIfStillRunning guarantees at most one tick in flight: a slow
	// sidecar call never stacks pollers.
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = sched.AddFunc(fmt.Sprintf("@every %s", cfg.Sensor.Interval), func() {
		requests, reason, err := poller.Tick(ctx)
		if err != nil {
			logger.Error("tick failed", "error", err)
			return
		}
		if reason != "" {
			return
		}
		for _, req := range requests {
			accepted, err := engine.Submit(ctx, req)
			if err != nil {
				logger.Error("job submission failed", "run_key", req.RunKey, "error", err)
				continue
			}
			if !accepted {
				logger.Debug("job skipped", "run_key", req.RunKey)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sensor: %w", err)
	}
	sched.Start()
	logger.Info("sensor scheduled", "interval", cfg.Sensor.Interval)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx := sched.Stop()
	<-stopCtx.Done()
	engine.Stop()

	logger.Info("tickd stopped")
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output in tickd goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used. With no file found
// anywhere, defaults plus environment variables apply.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	if cfgPath == "" {
		cfgPath = "(env only)"
	}
	return cfg, cfgPath, nil
}
