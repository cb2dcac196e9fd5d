// The kmed binary runs a single KME instance: it loads configuration,
// starts the shared key pool's background refill loop (primary role only),
// the peer scanner, and the bulk-pool retention sweep, then serves the
// ETSI delivery, peer-replication, and bulk-pool HTTP surfaces until
// SIGINT/SIGTERM. The background loops are joined with an errgroup.Group
// so shutdown has a single drain point.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qkd-kme/kme-sim/internal/broadcast"
	"github.com/qkd-kme/kme-sim/internal/bulkpool"
	"github.com/qkd-kme/kme-sim/internal/config"
	"github.com/qkd-kme/kme-sim/internal/delivery"
	"github.com/qkd-kme/kme-sim/internal/discovery"
	"github.com/qkd-kme/kme-sim/internal/httpapi"
	"github.com/qkd-kme/kme-sim/internal/keystore"
	"github.com/qkd-kme/kme-sim/internal/obslog"
	"github.com/qkd-kme/kme-sim/internal/pool"
	"github.com/qkd-kme/kme-sim/internal/poolclient"
)

// gracefulShutdownTimeout bounds how long kmed waits for in-flight HTTP
// requests to drain before forcing the listener closed.
const gracefulShutdownTimeout = 15 * time.Second

func main() {
	debug := flag.Bool("d", false, "enable debug logging")
	flag.Parse()

	logOpts := &slog.HandlerOptions{}
	if *debug || os.Getenv("KMED_DEBUG") == "true" {
		logOpts.Level = slog.LevelDebug
		logOpts.AddSource = true
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, logOpts))
	slog.SetDefault(logger)
	obslog.SetLogger(logger)

	if err := run(logger); err != nil {
		logger.Error("kmed exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("configuration loaded", "kme_id", cfg.KMEID, "attached_sae_id", cfg.AttachedSAEID, "use_https", cfg.UseHTTPS, "other_kmes", len(cfg.OtherKMEs))
	if !cfg.UseHTTPS {
		logger.Warn("USE_HTTPS=false: running with certificate-bypass security (simulator only, never use in production)")
	}

	sharedPool := pool.NewPool(pool.Config{
		DefaultKeySize:  cfg.DefaultKeySize,
		MaxKeyCount:     cfg.MaxKeyCount,
		RefillThreshold: cfg.RefillThreshold,
		BatchSize:       cfg.KeyGenBatchSize,
		GenInterval:     cfg.KeyGenInterval,
		SnapshotPath:    cfg.PoolSnapshotPath,
	})
	defer sharedPool.Stop()

	poolCl, err := newPoolClient(cfg, sharedPool)
	if err != nil {
		return fmt.Errorf("build pool client: %w", err)
	}

	broadcaster, err := broadcast.NewBroadcaster(peerBaseURLs(cfg.OtherKMEs), cfg.NetworkTimeout, cfg.UseHTTPS, cfg.KMECert, cfg.KMEKey)
	if err != nil {
		return fmt.Errorf("build broadcaster: %w", err)
	}
	store := keystore.NewStore(broadcaster)

	scanner := discovery.NewScanner(peerBaseURLs(cfg.OtherKMEs), nil, cfg.NetworkTimeout, cfg.ScanInterval)

	deliverySvc := delivery.NewService(cfg, scanner, store, poolCl)

	bulkSvc, closeBulk, err := newBulkPoolService(cfg)
	if err != nil {
		return fmt.Errorf("build bulk pool service: %w", err)
	}
	if closeBulk != nil {
		defer closeBulk()
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Config:   cfg,
		Delivery: deliverySvc,
		Scanner:  scanner,
		Pool:     sharedPool,
		KeyStore: store,
		BulkPool: bulkSvc,
	})
	if cfg.UseHTTPS {
		srv.TLSConfig = &tls.Config{
			ClientAuth: tls.RequestClientCert,
			MinVersion: tls.VersionTLS12,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.PoolRole != "secondary" {
		group.Go(func() error {
			sharedPool.StartGeneration(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		scanner.Run(groupCtx)
		return nil
	})
	if bulkSvc != nil {
		group.Go(func() error {
			bulkSvc.RunRetentionSweep(groupCtx, cfg.BulkRetention, cfg.BulkRetentionSweep)
			return nil
		})
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("kmed listening", "addr", srv.Addr, "https", cfg.UseHTTPS)
		var err error
		if cfg.UseHTTPS {
			err = srv.ListenAndServeTLS(cfg.KMECert, cfg.KMEKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil {
			stop()
			_ = group.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server did not shut down cleanly", "error", err)
	}

	stop()
	if err := group.Wait(); err != nil {
		logger.Warn("background worker group returned an error", "error", err)
	}
	<-serveErr

	logger.Info("kmed stopped")
	return nil
}

// newPoolClient selects the pool client backend per cfg.PoolRole.
// "primary" (the default, and the only mode a standalone two-KME
// deployment needs) wraps sharedPool directly; "secondary" delegates every
// pool read over HTTP to cfg.PrimaryKMEURL instead of running local
// generation, for a replica that shares another instance's pool.
func newPoolClient(cfg *config.Config, sharedPool *pool.Pool) (poolclient.Client, error) {
	if cfg.PoolRole == "secondary" {
		return poolclient.NewSecondary(cfg.PrimaryKMEURL, &http.Client{Timeout: cfg.NetworkTimeout}, cfg.NetworkTimeout), nil
	}
	return &poolclient.Primary{Pool: sharedPool}, nil
}

// newBulkPoolService connects to MongoDB when MONGODB_URI is configured;
// otherwise it returns a Service backed by an in-memory store so the bulk
// pool surface still answers (minus durability across restarts) in a
// MongoDB-less simulator deployment.
func newBulkPoolService(cfg *config.Config) (svc *bulkpool.Service, closeFn func(), err error) {
	if cfg.MongoURI == "" {
		obslog.Logger().Warn("MONGODB_URI not set; bulk pool running on an in-memory store with no durability across restarts")
		return bulkpool.NewService(bulkpool.NewMemStore(), cfg.KMEID), nil, nil
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := bulkpool.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connect bulk pool store: %w", err)
	}
	closeFn = func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			obslog.Logger().Warn("bulk pool store close failed", "error", err)
		}
	}
	return bulkpool.NewService(store, cfg.KMEID), closeFn, nil
}

// peerBaseURLs trims nothing further: cfg.OtherKMEs is already the
// trimmed, empties-dropped list config.Load produced from OTHER_KMES.
func peerBaseURLs(otherKMEs []string) []string {
	return otherKMEs
}
