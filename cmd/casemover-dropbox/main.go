package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lexworks/casemover/internal/casemover"
	"github.com/lexworks/casemover/internal/dropwatch"
)

func main() {
	dir := strings.TrimSpace(os.Getenv("CASEMOVER_DROP_DIR"))
	if dir == "" {
		dir = "./drop"
	}
	logger := log.New(os.Stderr, "casemover-dropbox ", log.LstdFlags)

	store, err := buildTargetStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize target store: %v", err)
	}
	defer store.Close()

	loader, err := casemover.NewLoader(casemover.LoaderOptions{Store: store, Logger: logger})
	if err != nil {
		log.Fatalf("failed to initialize loader: %v", err)
	}
	watcher, err := dropwatch.New(dropwatch.Options{
		Dir:         dir,
		Loader:      loader,
		Logger:      logger,
		SettleDelay: durationEnv("CASEMOVER_DROP_SETTLE_DELAY", 0),
		RescanEvery: durationEnv("CASEMOVER_DROP_RESCAN_EVERY", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize drop watcher: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("watching %s for import payloads", dir)
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("drop watcher failed: %v", err)
	}
}

func buildTargetStoreFromEnv() (casemover.TargetStore, error) {
	dsn := strings.TrimSpace(os.Getenv("CASEMOVER_POSTGRES_DSN"))
	if dsn == "" {
		log.Printf("CASEMOVER_POSTGRES_DSN not set, using in-memory target store")
		return casemover.NewMemoryTargetStore(), nil
	}
	return casemover.NewPostgresTargetStore(dsn)
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
