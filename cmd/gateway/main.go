// Command gateway runs the decryption gateway service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage/postgres"
	"github.com/Obscura-Network/gateway_layer/internal/config"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("gateway").WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	log := logger.New(cfg.Logging).WithField("component", "gateway")

	var stores app.Stores
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Migrate {
			if err := postgres.Migrate(cfg.Database.DSN); err != nil {
				log.WithError(err).Error("database migration failed")
				os.Exit(1)
			}
		}
		db, err := postgres.Open(
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			time.Duration(cfg.Database.ConnMaxLifetime)*time.Second,
		)
		if err != nil {
			log.WithError(err).Error("failed to connect to database")
			os.Exit(1)
		}
		defer db.Close()

		store := postgres.New(db)
		stores = app.Stores{Members: store, Requests: store, Refunds: store}
		log.Info("using postgres store")
	} else {
		log.Info("using in-memory store")
	}

	application, err := app.New(cfg, stores, log)
	if err != nil {
		log.WithError(err).Error("failed to assemble application")
		os.Exit(1)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start application")
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
}
