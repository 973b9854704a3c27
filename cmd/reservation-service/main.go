package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/app"
	"github.com/vladislavdragonenkov/reservation-core/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, app.LoadConfig); err != nil {
		log.WithError(err).Fatal("service exited with error")
	}

	log.Info("reservation service stopped")
}

// run загружает конфигурацию и блокируется до отмены ctx.
// Отмена через сигнал считается штатной остановкой.
func run(ctx context.Context, load func() (app.Config, error)) error {
	cfg, err := load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app.ConfigureLogger(cfg)

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka_enabled":  len(cfg.KafkaBrokers) > 0,
		"redis_enabled":  cfg.RedisAddr != "",
	}).Info("starting reservation service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
