package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/campus-rides/internal/config"
	"github.com/example/campus-rides/internal/eta"
	"github.com/example/campus-rides/internal/geo"
	httpapi "github.com/example/campus-rides/internal/http"
	"github.com/example/campus-rides/internal/ingest"
	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/notify"
	"github.com/example/campus-rides/internal/payments"
	"github.com/example/campus-rides/internal/ride"
	"github.com/example/campus-rides/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var gidx geo.Index
	if cfg.RedisAddr != "" {
		gidx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		gidx = geo.NewMemoryIndex()
	}

	var store storage.RideStore
	var ldg ledger.Ledger
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
		db, err := sql.Open("postgres", cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres ledger: %v", err)
		}
		ldg = ledger.NewPostgresLedger(db)
	} else {
		store = storage.NewMemoryStore()
		ldg = ledger.NewMemoryLedger()
	}

	var pusher notify.Pusher
	if cfg.FCMEndpoint != "" {
		pusher = notify.NewFCMPusher(cfg.FCMEndpoint, cfg.FCMKey)
	}
	router := notify.NewRouter(gidx, pusher, logger)

	svc := ride.NewService(store, gidx, router, ldg, logger)
	svc.Expiry = cfg.RideExpiry
	if cfg.OSRMEndpoint != "" {
		svc.ETA = eta.NewOSRMClient(cfg.OSRMEndpoint)
		svc.ETACache = eta.NewCache(cfg.ETACacheTTL)
	}
	if cfg.StripeHolds {
		svc.Payments = payments.NewStripeClient()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Catch rides whose expiry timer died with a previous process, then keep
	// sweeping.
	if err := svc.Sweep(ctx); err != nil {
		logger.Warn("startup expiry sweep failed", "error", err)
	}
	go svc.RunSweeper(ctx, cfg.SweepInterval)

	api := httpapi.NewServer(svc, gidx, router, kp, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("campus-rides listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_rides.sql")
}
