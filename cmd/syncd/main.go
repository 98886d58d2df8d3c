// Package main runs the sitesync daemon: it opens the local store, applies
// migrations and keeps the mutation queue reconciled with the remote server
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldbase/sitesync/internal/db"
	"github.com/fieldbase/sitesync/internal/logging"
	syncpkg "github.com/fieldbase/sitesync/internal/sync"
	"github.com/fieldbase/sitesync/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	var (
		dataDir   = flag.String("data-dir", envOr("SITESYNC_DATA_DIR", "./data"), "directory for the local database")
		remoteURL = flag.String("remote", envOr("SITESYNC_REMOTE_URL", ""), "base URL of the sync server")
		token     = flag.String("token", envOr("SITESYNC_TOKEN", ""), "bearer token for the sync server")
		interval  = flag.Duration("interval", 30*time.Second, "periodic sync interval")
		logLevel  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		version   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("sitesync v%s\n", Version)
		return
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logging.Init(os.Stderr, level)

	if *remoteURL == "" {
		fmt.Fprintln(os.Stderr, "missing -remote (or SITESYNC_REMOTE_URL)")
		os.Exit(2)
	}

	if err := run(*dataDir, *remoteURL, *token, *interval); err != nil {
		logging.Error("Daemon exited with error", err, nil)
		os.Exit(1)
	}
}

func run(dataDir, remoteURL, token string, interval time.Duration) error {
	database, err := db.Open(dataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		return err
	}

	store := db.NewStore(database.DB)
	defer store.Close()

	client := syncpkg.NewClient(&syncpkg.ClientConfig{
		BaseURL: remoteURL,
		Token:   token,
	})
	engine := syncpkg.NewEngine(store, client, nil)

	schedConfig := scheduler.DefaultConfig()
	schedConfig.SyncInterval = interval
	sched := scheduler.New(engine, schedConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	logging.Info("sitesync daemon started", logging.Fields{
		"version":  Version,
		"data_dir": dataDir,
		"remote":   remoteURL,
		"interval": interval.String(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logging.Info("Shutting down", logging.Fields{"signal": sig.String()})
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
