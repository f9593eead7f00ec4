// ledger-export dumps the unified transaction view to CSV, queued offline
// entries included, so a backup is possible even while the backend is down.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pocketledger/pocketledger/internal/config"
	"github.com/pocketledger/pocketledger/internal/connectivity"
	"github.com/pocketledger/pocketledger/internal/export"
	"github.com/pocketledger/pocketledger/internal/localstore"
	"github.com/pocketledger/pocketledger/internal/remote"
	"github.com/pocketledger/pocketledger/internal/service"
	"github.com/pocketledger/pocketledger/internal/session"
	"github.com/pocketledger/pocketledger/pkg/infra"
)

func main() {
	out := flag.String("o", "", "output file (default stdout)")
	category := flag.String("category", "", "only export this category")
	includeArchived := flag.Bool("archived", false, "include archived transactions")
	flag.Parse()

	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

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

	monitor := connectivity.NewMonitor(store, cfg.ProbeTimeout, logger)
	transactions := service.NewTransactionService(sess, kv, store, monitor, cfg.MaxSyncAttempts, nil, logger)

	list, meta, err := transactions.List(ctx, service.TransactionFilter{
		Category:        *category,
		IncludeArchived: *includeArchived,
	})
	if err != nil {
		slog.Error("Failed to build transaction view", "error", err)
		os.Exit(1)
	}
	if meta.IsPartiallyOffline {
		slog.Warn("Remote store unreachable; exporting queued entries only")
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			slog.Error("Failed to create output file", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	if err := export.WriteTransactionsCSV(w, list); err != nil {
		slog.Error("Export failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Export complete", "transactions", len(list))
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
