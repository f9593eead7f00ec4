package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pocketledger/pocketledger/internal/config"
	"github.com/pocketledger/pocketledger/internal/connectivity"
	"github.com/pocketledger/pocketledger/internal/localstore"
	"github.com/pocketledger/pocketledger/internal/models"
	"github.com/pocketledger/pocketledger/internal/notify"
	"github.com/pocketledger/pocketledger/internal/remote"
	"github.com/pocketledger/pocketledger/internal/service"
	"github.com/pocketledger/pocketledger/internal/session"
	"github.com/pocketledger/pocketledger/pkg/infra"
	"github.com/pocketledger/pocketledger/pkg/metrics"
)

// syncer is the slice of each entity service the daemon drives.
type syncer interface {
	SyncOffline(ctx context.Context) (models.SyncResult, error)
	PendingCount(ctx context.Context) (int, error)
	Quarantined(ctx context.Context) ([]models.QuarantinedRecord, error)
}

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := localstore.OpenKV(cfg.LocalStorePath, logger)
	if err != nil {
		slog.Error("Fatal error opening local store", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	store, err := openRemoteStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("Fatal error connecting to remote store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sess := session.New(session.StaticAuthenticator{UserID: cfg.UserID}, kv, logger)
	if err := sess.Init(ctx); err != nil {
		slog.Error("Fatal error establishing session", "error", err)
		os.Exit(1)
	}
	defer sess.Close(context.Background())

	monitor := connectivity.NewMonitor(store, cfg.ProbeTimeout, logger)

	var notifier service.Notifier
	var publisher *notify.Publisher
	if cfg.NotifyAMQPURL != "" {
		publisher, err = notify.NewPublisher(cfg.NotifyAMQPURL, logger)
		if err != nil {
			// Notifications are best-effort; the daemon runs without them.
			slog.Warn("Change notifier unavailable, continuing without it", "error", err)
		} else {
			notifier = publisher
			defer publisher.Close()
		}
	}

	syncers := map[string]syncer{
		models.CollectionTransactions: service.NewTransactionService(sess, kv, store, monitor, cfg.MaxSyncAttempts, notifier, logger),
		models.CollectionEmployees:    service.NewEmployeeService(sess, kv, store, monitor, cfg.MaxSyncAttempts, notifier, logger),
		models.CollectionProfiles:     service.NewProfileService(sess, kv, store, monitor, cfg.MaxSyncAttempts, notifier, logger),
	}

	gaugeDone := make(chan struct{})
	go runGaugeJanitor(ctx, syncers, gaugeDone)

	go startObservabilityServer(cfg.MetricsPort, logger)

	slog.Info("🚀 PocketLedger sync daemon started", "pid", os.Getpid(), "backend", cfg.RemoteBackend)

	runSyncLoop(ctx, cfg, syncers)
	<-gaugeDone
	slog.Info("✅ Shutdown complete")
}

func openRemoteStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Store, error) {
	switch cfg.RemoteBackend {
	case "surreal":
		return remote.NewSurrealStore(ctx, remote.SurrealConfig{
			URL:       cfg.SurrealURL,
			Namespace: cfg.SurrealNS,
			Database:  cfg.SurrealDB,
			Username:  cfg.SurrealUser,
			Password:  cfg.SurrealPass,
		}, logger)
	default:
		return remote.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	}
}

// runSyncLoop drains every queue on a fixed cadence, backing off while the
// backend is unreachable so a dead link does not spin the probe.
func runSyncLoop(ctx context.Context, cfg *config.Config, syncers map[string]syncer) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			slog.Info("👋 Shutting down sync loop...")
			return
		default:
		}

		offline := false
		for collection, s := range syncers {
			result, err := s.SyncOffline(ctx)
			if errors.Is(err, connectivity.ErrOffline) {
				offline = true
				break
			}
			if err != nil {
				slog.Error("Drain failed", "collection", collection, "error", err)
				continue
			}
			if result.SyncedCount > 0 || result.Quarantined > 0 {
				slog.Info("Queue drained", "collection", collection,
					"synced", result.SyncedCount, "quarantined", result.Quarantined)
			}
		}

		wait := cfg.SyncInterval
		if offline {
			wait = backoff.Next()
			slog.Debug("Remote store unreachable, backing off", "wait", wait)
		} else {
			backoff.Reset()
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			slog.Info("👋 Shutting down sync loop...")
			return
		}
	}
}

// runGaugeJanitor keeps the backlog gauges honest even when no drain runs.
func runGaugeJanitor(ctx context.Context, syncers map[string]syncer, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for collection, s := range syncers {
				n, err := s.PendingCount(ctx)
				if err != nil {
					slog.Error("Janitor: failed to read queue backlog", "collection", collection, "error", err)
					continue
				}
				metrics.QueueBacklog.WithLabelValues(collection).Set(float64(n))

				quarantined, err := s.Quarantined(ctx)
				if err != nil {
					slog.Error("Janitor: failed to read quarantine bucket", "collection", collection, "error", err)
					continue
				}
				metrics.QuarantineSize.WithLabelValues(collection).Set(float64(len(quarantined)))
			}
		case <-ctx.Done():
			slog.Info("🛑 Janitor: stopping gauge maintenance")
			return
		}
	}
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("SYNCD ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
