package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lexworks/casemover/internal/casemover"
	"github.com/lexworks/casemover/internal/httpapi"
)

func main() {
	addr := os.Getenv("CASEMOVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := log.New(os.Stderr, "casemover ", log.LstdFlags)

	store, manifest, err := buildStoresFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize target store: %v", err)
	}
	blobs, err := buildBlobStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize blob store: %v", err)
	}

	tracker := casemover.NewProgressTracker(casemover.ProgressTrackerOptions{
		MaxJobs: intEnv("CASEMOVER_MAX_TRACKED_JOBS", 0),
		TTL:     durationEnv("CASEMOVER_JOB_TTL", 0),
	})
	loader, err := casemover.NewLoader(casemover.LoaderOptions{
		Store:   store,
		Tracker: tracker,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize loader: %v", err)
	}

	var migrator httpapi.MigrationStarter
	if sourceClient := buildSourceClientFromEnv(); sourceClient != nil {
		built, err := casemover.NewMigrator(casemover.MigratorOptions{
			Client:           sourceClient,
			Store:            store,
			Manifest:         manifest,
			Blobs:            blobs,
			Tracker:          tracker,
			Logger:           logger,
			StreamBatchSize:  intEnv("CASEMOVER_STREAM_BATCH_SIZE", 0),
			IncludeDocuments: boolEnv("CASEMOVER_INCLUDE_DOCUMENTS", true),
		})
		if err != nil {
			log.Fatalf("failed to initialize migrator: %v", err)
		}
		migrator = built
	} else {
		logger.Printf("CASEMOVER_SOURCE_BASE_URL not set, api-driven imports disabled")
	}

	server := httpapi.NewServerWithConfig(httpapi.Dependencies{
		Tracker:  tracker,
		Loader:   loader,
		Migrator: migrator,
		Manifest: manifest,
	}, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("CASEMOVER_JWT_SECRET"),
		RateLimitMax:    intEnv("CASEMOVER_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CASEMOVER_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("CASEMOVER_MAX_BODY_BYTES", 0),
	})

	log.Printf("casemover listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoresFromEnv() (casemover.TargetStore, casemover.ManifestStore, error) {
	dsn := strings.TrimSpace(os.Getenv("CASEMOVER_POSTGRES_DSN"))
	if dsn == "" {
		log.Printf("CASEMOVER_POSTGRES_DSN not set, using in-memory target store")
		return casemover.NewMemoryTargetStore(), casemover.NewMemoryManifestStore(), nil
	}
	store, err := casemover.NewPostgresTargetStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := casemover.NewPostgresManifestStore(store)
	if err != nil {
		return nil, nil, err
	}
	return store, manifest, nil
}

func buildBlobStoreFromEnv() (casemover.BlobStore, error) {
	bucket := strings.TrimSpace(os.Getenv("CASEMOVER_GCS_BUCKET"))
	if bucket == "" {
		log.Printf("CASEMOVER_GCS_BUCKET not set, using in-memory blob store")
		return casemover.NewMemoryBlobStore(), nil
	}
	return casemover.NewGCSBlobStore(context.Background(), bucket)
}

func buildSourceClientFromEnv() casemover.SourceClient {
	baseURL := strings.TrimSpace(os.Getenv("CASEMOVER_SOURCE_BASE_URL"))
	token := strings.TrimSpace(os.Getenv("CASEMOVER_SOURCE_TOKEN"))
	if baseURL == "" || token == "" {
		return nil
	}
	return casemover.NewHTTPSourceClient(casemover.SourceClientOptions{
		BaseURL: baseURL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return token, nil
		},
		UserAgent:   "casemover/1.0",
		MaxRetries:  intEnv("CASEMOVER_SOURCE_MAX_RETRIES", 0),
		PaceDelay:   durationEnv("CASEMOVER_SOURCE_PACE_DELAY", 0),
		DefaultWait: durationEnv("CASEMOVER_SOURCE_DEFAULT_WAIT", 0),
		PageSize:    intEnv("CASEMOVER_SOURCE_PAGE_SIZE", 0),
	})
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
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

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
