package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/reservation-core/internal/health"
	"github.com/vladislavdragonenkov/reservation-core/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/reservation-core/internal/metrics"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/idempotency"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/outbox"
	"github.com/vladislavdragonenkov/reservation-core/internal/tracing"
	"github.com/vladislavdragonenkov/reservation-core/internal/version"
)

// Run поднимает сервис и блокируется до отмены ctx или падения gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}
	tracing.Setup()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage dependencies")
		}
	}()

	services := NewServices(cfg, deps.storage, deps.lock, deps.cache, metrics.NewReservationMetrics(), logger)

	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("init kafka producer: %w", err)
	}
	defer closeKafka(producer, logger)

	var publisher domain.OutboxPublisher = logPublisher{logger: logger.WithField("component", "outbox-log-publisher")}
	if producer != nil {
		publisher = kafka.NewOutboxPublisher(producer, cfg.ReservationTopic)
	} else {
		logger.Warn("kafka is not configured, outbound events are only logged")
	}
	worker := outbox.NewWorker(deps.storage.Outbox(), publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithLease(cfg.OutboxLease),
	)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var workers sync.WaitGroup
	startWorker := func(name string, fn func(ctx context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(workerCtx)
			logger.WithField("worker", name).Debug("worker stopped")
		}()
	}
	startWorker("outbox", worker.Run)
	startWorker("expiry-sweeper", services.Sweeper.Run)
	startWorker("ledger-retention", idempotency.NewRetentionWorker(deps.storage.ProcessedEvents(),
		idempotency.WithLogger(logger.WithField("component", "ledger-retention-worker")),
		idempotency.WithRetention(cfg.LedgerRetention),
		idempotency.WithInterval(cfg.LedgerPruneInterval),
		idempotency.WithBatchSize(cfg.LedgerPruneBatch),
	).Run)
	startWorker("expiry-listener", func(ctx context.Context) {
		if err := services.Reconciler.Listen(ctx, deps.cache); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("expiry listener stopped, relying on sweep")
		}
	})

	var consumers *kafkaRuntime
	if producer != nil {
		consumers, err = startKafka(workerCtx, cfg, producer, services, logger)
		if err != nil {
			stopWorkers()
			workers.Wait()
			return fmt.Errorf("start kafka consumers: %w", err)
		}
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxChecker(deps.storage.Outbox(), cfg.OutboxMaxAge, nil))

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		consumers.stop(logger)
		stopWorkers()
		workers.Wait()
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC server listening on %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	shutdown := func() {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		// сначала перестаём читать входящие события, затем даём outbox дослать начатое
		consumers.stop(logger)
		stopWorkers()
		workers.Wait()
		shutdownHTTP(metricsSrv, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping")
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(5 * time.Second):
			logger.Warn("graceful stop timed out, forcing")
			grpcServer.Stop()
		}
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		shutdown()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health endpoints.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("metrics available at %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

// logPublisher заменяет Kafka в локальном запуске: события пишутся в лог
// и считаются опубликованными.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":     msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
	}).Info(string(msg.Payload))
	return nil
}
