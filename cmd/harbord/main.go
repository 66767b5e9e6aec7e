// Command harbord runs the tool harbor host: it starts the services listed
// in the manifest, drives one instruction through the decision loop, prints
// the answer, and shuts everything down.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	internal "github.com/ZanzyTHEbar/tool-harbor/harbor"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/config"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/dispatch"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/engine"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/engine/adapters"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/engine/providers"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/host"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/supervisor"
)

type cliOptions struct {
	configPath  string
	manifest    string
	instruction string
	session     string
	version     bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is the testable entrypoint: it parses argv, wires the host, and
// returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	var opts cliOptions
	fs := flag.NewFlagSet("harbord", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to config.yaml (defaults to the standard search path)")
	fs.StringVar(&opts.manifest, "manifest", "", "Service manifest path (overrides the configured one)")
	fs.StringVar(&opts.instruction, "instruction", "", "Instruction to run (required)")
	fs.StringVar(&opts.session, "session", "", "Session id to continue; empty starts a fresh one")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if opts.version {
		fmt.Fprintf(stdout, "harbord %s\n", internal.Version)
		return 0
	}
	if strings.TrimSpace(opts.instruction) == "" {
		fmt.Fprintln(stderr, "error: -instruction is required")
		fs.Usage()
		return 2
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error: load config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.Log, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := newProvider(cfg.Provider)
	if err != nil {
		logger.Error().Err(err).Msg("provider setup failed")
		return 1
	}

	var db *sql.DB
	if cfg.Store.Enabled {
		db, err = adapters.OpenJournal(ctx, cfg.Store.DSN)
		if err != nil {
			logger.Error().Err(err).Str("dsn", cfg.Store.DSN).Msg("journal unavailable")
			return 1
		}
		defer func() { _ = db.Close() }()
	}

	h := host.New(cfg, provider, db, logger)
	if cfg.Dispatch.EnableMetrics {
		defer func() { reportMetrics(logger, h.Metrics().Summary()) }()
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.StopAll(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	manifestPath := cfg.Supervisor.ManifestPath
	if opts.manifest != "" {
		manifestPath = opts.manifest
	}
	specs, err := supervisor.LoadManifest(manifestPath)
	if err != nil {
		logger.Error().Err(err).Str("manifest", manifestPath).Msg("manifest unreadable")
		return 1
	}
	if err := h.StartServices(ctx, specs); err != nil {
		// Partial starts are survivable; the catalog just stays smaller.
		logger.Warn().Err(err).Msg("some services failed to start")
	}
	logger.Info().Str("version", internal.Version).
		Strs("services", h.Services()).
		Int("tools", len(h.Catalog())).
		Msg("harbor up")

	if cfg.Supervisor.WatchManifest {
		if err := h.WatchManifest(ctx, manifestPath); err != nil {
			logger.Warn().Err(err).Str("manifest", manifestPath).Msg("manifest watch unavailable")
		}
	}

	answer, err := h.RunTurn(ctx, opts.session, opts.instruction)
	if err != nil {
		var decisionErr *engine.DecisionError
		if errors.As(err, &decisionErr) {
			// The returned text already asks the user to rephrase.
			fmt.Fprintln(stdout, answer)
			return 1
		}
		logger.Error().Err(err).Msg("turn failed")
		return 1
	}
	fmt.Fprintln(stdout, answer)
	return 0
}

// newLogger builds the process logger from config. Pretty gets the console
// writer; otherwise JSON lines on stderr.
func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	out := w
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// newProvider selects the language-model backend by configured kind.
func newProvider(cfg config.ProviderConfig) (ports.Provider, error) {
	switch cfg.Kind {
	case "openai", "":
		return providers.NewOpenAIProvider(providers.OpenAIOptions{
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			APIKey:         os.Getenv(cfg.APIKeyEnv),
			RequestTimeout: cfg.RequestTimeout,
			MaxRetries:     cfg.MaxRetries,
		}), nil
	case "llama":
		return providers.NewLlamaProvider(providers.LlamaOptions{
			ModelPath:      cfg.ModelPath,
			RequestTimeout: cfg.RequestTimeout,
		})
	case "stub":
		return providers.NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// reportMetrics logs the end-of-run dispatcher summary.
func reportMetrics(logger zerolog.Logger, s dispatch.MetricsSummary) {
	evt := logger.Info().
		Int64("submitted", s.Submitted).
		Int64("succeeded", s.Succeeded).
		Int64("timeouts", s.Timeouts).
		Int64("validation_failures", s.ValidationFailures).
		Int64("remote_errors", s.RemoteErrors).
		Int64("transport_failures", s.TransportFailures)
	for tool, stats := range s.PerTool {
		evt = evt.Dict(tool, zerolog.Dict().
			Int64("calls", stats.Calls).
			Int64("errors", stats.Errors).
			Dur("p50", stats.P50).
			Dur("p95", stats.P95).
			Dur("p99", stats.P99))
	}
	evt.Msg("call metrics")
}
