package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quorumlabs/agora/internal/config"
	otelPkg "github.com/quorumlabs/agora/internal/otel"
	"github.com/quorumlabs/agora/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run agent cycles until stopped
  %s -cycles 1 -dry-run       Run a single cycle without touching the forum

SUBCOMMANDS:
  %s verify [-ledger <dir>]   Check ledger aggregates against the action log
                              Exit code 1 when any counter disagrees

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGORA_HOME              Data directory (default: ~/.agora)
  AGORA_FORUM_TOKEN       Forum API token (required outside dry-run)
  AGORA_DRY_RUN           Set to 1 to force dry-run mode
`)
}

func main() {
	loadDotEnv(".env")

	streams := flag.Int("streams", 0, "number of worker streams (0 = from config)")
	agentsPerCycle := flag.Int("agents-per-cycle", 0, "agents processed per cycle (0 = from config)")
	cycles := flag.Int("cycles", -1, "cycles to run, 0 = until stopped (-1 = from config)")
	interval := flag.Int("interval", 0, "seconds between cycles (0 = from config)")
	dryRun := flag.Bool("dry-run", false, "fabricate forum refs, keep the ledger in memory only")
	noPush := flag.Bool("no-push", false, "commit ledger changes locally without pushing")
	cacheTTL := flag.Int("cache-ttl", 0, "forum read cache TTL in seconds (0 = from config)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "verify":
			os.Exit(runVerifyCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Explicit flags win over config.yaml and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "streams":
			cfg.Streams = *streams
		case "agents-per-cycle":
			cfg.AgentsPerCycle = *agentsPerCycle
		case "cycles":
			cfg.Cycles = *cycles
		case "interval":
			cfg.IntervalSeconds = *interval
		case "dry-run":
			cfg.DryRun = *dryRun
		case "no-push":
			cfg.DisablePush = *noPush
		case "cache-ttl":
			cfg.CacheTTLSeconds = *cacheTTL
		}
	})
	if cfg.Streams < 1 {
		cfg.Streams = 1
	}
	if cfg.AgentsPerCycle < 1 {
		cfg.AgentsPerCycle = 1
	}
	if cfg.Cycles < 0 {
		cfg.Cycles = 0
	}

	if cfg.Forum.Token == "" && !cfg.DryRun {
		fatalStartup(nil, "E_FORUM_TOKEN", fmt.Errorf("forum token missing; set AGORA_FORUM_TOKEN or forum.token in config.yaml, or run with -dry-run"))
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "dry_run", cfg.DryRun)

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	os.Exit(runDaemon(ctx, cfg, logger, otelProvider, metrics))
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"agora","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
