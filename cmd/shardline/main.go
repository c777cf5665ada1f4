package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/shardline/internal/api"
	"github.com/mattjoyce/shardline/internal/bridge"
	"github.com/mattjoyce/shardline/internal/config"
	"github.com/mattjoyce/shardline/internal/events"
	"github.com/mattjoyce/shardline/internal/gateway"
	"github.com/mattjoyce/shardline/internal/journal"
	"github.com/mattjoyce/shardline/internal/lock"
	"github.com/mattjoyce/shardline/internal/log"
	"github.com/mattjoyce/shardline/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "start":
		return runStart(rest, stderr)
	case "config":
		return runConfigNoun(rest, stdout, stderr)
	case "version", "--version":
		return runVersion(rest, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: shardline <command> [flags]

Commands:
  start [--config PATH]          Run the gateway
  config check [--config PATH]   Validate configuration
  config hash [--config PATH] [--verify HASH]
                                 Print or verify the BLAKE3 config fingerprint
  version [--json]               Print version information
`)
}

func runStart(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.Get()

	fingerprint, err := config.Fingerprint(path)
	if err != nil {
		logger.Warn("Could not fingerprint config", "path", path, "error", err)
	}
	logger.Info("Starting shardline", "version", currentVersionInfo().Version, "config", path, "config_blake3", fingerprint)

	instance, err := lock.Acquire(cfg.LockPath)
	if err != nil {
		logger.Error("Failed to acquire instance lock", "path", cfg.LockPath, "error", err)
		return 1
	}
	defer func() { _ = instance.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("Gateway exited with error", "error", err)
		return 1
	}
	logger.Info("Shutdown complete")
	return 0
}

// serve runs the gateway and, when enabled, the ops API and the connector
// bridge until ctx ends.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var bridgeCfg bridge.Config
	if cfg.Bridge.Enabled {
		bc, err := bridge.FromConfig(cfg.Bridge)
		if err != nil {
			return err
		}
		bridgeCfg = bc
	}

	hub := events.NewHub(256)

	var (
		store  *journal.Store
		reader api.JournalReader
	)
	if cfg.Journal.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() { _ = db.Close() }()
		store = journal.New(db)
		reader = store
		logger.Info("Journal opened", "path", cfg.Journal.Path, "retention", cfg.Journal.Retention.String())
	}

	gw, err := gateway.New(cfg, gateway.Deps{
		Responder: newLogResponder(logger),
		Logger:    logger,
		Events:    hub,
		Journal:   store,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer gw.Close()
	if err := gw.RegisterBuiltins(); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, gw, reader, hub, logger)
		g.Go(func() error { return srv.Start(gctx) })
	}
	if cfg.Bridge.Enabled {
		br := bridge.New(bridgeCfg, gw, logger)
		g.Go(func() error { return br.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")
		return nil
	})
	return g.Wait()
}

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: shardline config <check|hash> [flags]")
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:], stdout, stderr)
	case "hash":
		return runConfigHash(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Configuration valid: %s\n", path)
	fmt.Fprintf(stdout, "  router.expiry_timeout: %s\n", cfg.Router.ExpiryTimeout)
	fmt.Fprintf(stdout, "  dispatch.auto_defer: enabled=%t grace=%s ephemeral=%t\n",
		cfg.Dispatch.AutoDefer.Enabled, cfg.Dispatch.AutoDefer.GracePeriod, cfg.Dispatch.AutoDefer.Ephemeral)
	fmt.Fprintf(stdout, "  dispatch.global_middlewares: %s\n", strings.Join(cfg.Dispatch.GlobalMiddlewares, ", "))
	fmt.Fprintf(stdout, "  dispatch.global_afterwares: %s\n", strings.Join(cfg.Dispatch.GlobalAfterwares, ", "))
	fmt.Fprintf(stdout, "  ratelimit.default_cooldown: %s\n", cfg.RateLimit.DefaultCooldown)
	fmt.Fprintf(stdout, "  journal: enabled=%t path=%s\n", cfg.Journal.Enabled, cfg.Journal.Path)
	fmt.Fprintf(stdout, "  api: enabled=%t listen=%s\n", cfg.API.Enabled, cfg.API.Listen)
	fmt.Fprintf(stdout, "  bridge: enabled=%t listen=%s\n", cfg.Bridge.Enabled, cfg.Bridge.Listen)
	return 0
}

func runConfigHash(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config hash", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	verify := fs.String("verify", "", "Expected BLAKE3 hash to compare against")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	if *verify != "" {
		if err := config.VerifyFingerprint(path, strings.TrimSpace(*verify)); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "OK %s\n", path)
		return 0
	}

	sum, err := config.Fingerprint(path)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s  %s\n", sum, path)
	return 0
}

// loadConfig loads the config at path, or the discovered one when path is
// empty, and returns the file it came from.
func loadConfig(path string) (*config.Config, string, error) {
	file, err := resolveConfigFile(path)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(file)
	if err != nil {
		return nil, "", err
	}
	return cfg, file, nil
}

func resolveConfigFile(path string) (string, error) {
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return "", err
		}
		path = discovered
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s", path)
	}
	if info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}
	return path, nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Usage: shardline version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "shardline %s\n", info.Version)
	fmt.Fprintf(stdout, "commit: %s\n", info.Commit)
	fmt.Fprintf(stdout, "built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(gitCommit),
		BuildTime: strings.TrimSpace(buildDate),
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}
	if info.Commit == "" || info.Commit == "unknown" {
		info.Commit = readBuildSetting("vcs.revision", "unknown")
	}
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	if info.BuildTime == "" || info.BuildTime == "unknown" {
		info.BuildTime = readBuildSetting("vcs.time", "unknown")
	}
	return info
}

func readBuildSetting(key, fallback string) string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return fallback
	}
	for _, s := range bi.Settings {
		if s.Key == key && s.Value != "" {
			return s.Value
		}
	}
	return fallback
}
