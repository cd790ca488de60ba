// Cratesync keeps a local SQLite cache of a Spotify library (playlists,
// saved albums, liked-songs count) in sync with the service. It polls for
// count changes, reconciles incrementally, and pauses polling while the
// process is backgrounded (SIGUSR1 to background, SIGUSR2 to foreground).
//
// Usage:
//
//	cratesync daemon [--config <path>]     # start the polling sync engine
//	cratesync sync-once [--config <path>]  # single sync pass then exit
//	cratesync status                       # show config & cache state
//	cratesync version                      # print version
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avosseberg/cratesync/internal/config"
	"github.com/avosseberg/cratesync/internal/lifecycle"
	"github.com/avosseberg/cratesync/internal/model"
	"github.com/avosseberg/cratesync/internal/spotify"
	"github.com/avosseberg/cratesync/internal/store"
	syncp "github.com/avosseberg/cratesync/internal/sync"
	"github.com/avosseberg/cratesync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus()
	case "version":
		fmt.Println("cratesync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'cratesync' for usage", cmd)
	}
}

func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "Cratesync — local cache sync for your Spotify library")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  cratesync daemon [--config ...]      Run the polling sync engine")
	fmt.Fprintln(os.Stderr, "  cratesync sync-once [--config ...]   Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  cratesync status                     Show config & cache state")
	fmt.Fprintln(os.Stderr, "  cratesync version                    Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "No config file found. Create one at %s to get started.\n", cfgPath)
	}

	os.Exit(1)
	return nil // unreachable
}

// runSync handles both "daemon" and "sync-once" subcommands.
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return startSync(*cfgPath, *verbose, daemon)
}

// runStatus prints the current configuration and cache state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()

	fmt.Println("Cratesync Status")
	fmt.Println("────────────────")

	dbPath := ""
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, loadErr := config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:     %s ✓\n", cfgPath)
			fmt.Printf("  Poll:       %s\n", cfg.PollInterval)
			fmt.Printf("  Page size:  %d\n", cfg.PageSize)
			if cfg.SpotifyToken == "" {
				fmt.Println("  Account:    no token (library stays empty)")
			} else {
				fmt.Println("  Account:    token configured")
			}
			dbPath = cfg.DBPath
		} else {
			fmt.Printf("  Config:     %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:     not found (%s)\n", cfgPath)
	}

	if dbPath == "" {
		dbPath, _ = store.DefaultDBPath()
	}
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Cache DB:   %s (%s)\n", dbPath, humanSize(info.Size()))
		printCacheSummary(dbPath)
	} else {
		fmt.Println("  Cache DB:   not found (cold start on next run)")
	}

	return nil
}

// printCacheSummary opens the cache read-only-ish and prints per-collection
// counts. Failures are shown, not fatal.
func printCacheSummary(dbPath string) {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Printf("  Contents:   unreadable (%v)\n", err)
		return
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range []model.Collection{
		model.CollectionPlaylists,
		model.CollectionAlbums,
		model.CollectionLikedSongs,
	} {
		meta, err := st.Meta(ctx, c)
		switch {
		case err != nil:
			fmt.Printf("  %-11s unreadable (%v)\n", c+":", err)
		case meta == nil:
			fmt.Printf("  %-11s never validated\n", c+":")
		default:
			fmt.Printf("  %-11s %d items, validated %s\n",
				c+":", meta.TotalCount, meta.LastValidatedAt.Format(time.RFC3339))
		}
	}
}

// startSync is the shared implementation for daemon and sync-once modes.
func startSync(cfgPath string, verbose, daemon bool) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"poll_interval", cfg.PollInterval,
		"page_size", cfg.PageSize,
		"authenticated", cfg.SpotifyToken != "",
	)

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolving cache DB path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening cache DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing cache DB", "error", closeErr)
		}
	}()
	logger.Info("cache DB opened", "path", dbPath)

	client := spotify.NewClient(cfg.SpotifyToken, logger, spotify.WithPageSize(cfg.PageSize))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if !daemon {
		engine := syncp.NewEngine(client, st, nil, cfg.PollInterval, logger)
		logger.Info("running single sync pass")
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("sync pass: %w", err)
		}
		engine.Stop()
		if state := engine.State(); state.Error != "" {
			return fmt.Errorf("sync pass: %s", state.Error)
		}
		logger.Info("sync complete")
		return nil
	}

	notifier := lifecycle.NewSignalNotifier(logger)
	defer notifier.Close()

	engine := syncp.NewEngine(client, st, notifier.Events(), cfg.PollInterval, logger)
	engine.Subscribe(func(snap model.Snapshot) {
		if snap.State.Error != "" {
			logger.Warn("sync state", "error", snap.State.Error)
		}
	})

	logger.Info("daemon starting", "poll_interval", cfg.PollInterval)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("sync engine: %w", err)
	}

	<-ctx.Done()
	engine.Stop()
	logger.Info("shutdown complete")
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
