package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/cache"
	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/reservation-core/internal/health"
	"github.com/vladislavdragonenkov/reservation-core/internal/lock"
	"github.com/vladislavdragonenkov/reservation-core/internal/metrics"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/expiry"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/inbound"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/ledger"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/reservation"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/memory"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/postgres"
)

// expiryCache — кэш истечения, который умеет сообщать о протухших ключах.
type expiryCache interface {
	domain.ExpiryCache
	domain.ExpiryNotifier
}

// runtimeDependencies — инфраструктура, выбранная конфигурацией.
type runtimeDependencies struct {
	storage  domain.Storage
	lock     lock.Store
	cache    expiryCache
	checkers map[string]healthcheck.Checker
	closeFn  func() error
}

// initRuntimeDependencies подключает хранилище и Redis. Без RSV_REDIS_ADDR
// блокировки и кэш работают внутри процесса: это годится только для одного инстанса.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}
	var closers []func() error
	deps.closeFn = func() error {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = errors.Join(errs, closers[i]())
		}
		return errs
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps.storage = memory.NewStore()
		logger.Warn("using in-memory storage, data is lost on restart")
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires dsn")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = deps.closeFn()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		deps.storage = store
		deps.checkers["postgres"] = healthcheck.NewPingChecker("postgres", store.Ping)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisAddr == "" {
		deps.lock = lock.NewMemoryStore(clock.NewRealClock())
		deps.cache = cache.NewMemoryExpiryCache()
		logger.Warn("redis is not configured, locks and expiry cache are process-local")
		return deps, nil
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	closers = append(closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = deps.closeFn()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	deps.lock = lock.NewRedisStore(rdb)
	deps.cache = cache.NewRedisExpiryCache(rdb, cache.WithLogger(logger.WithField("component", "expiry-cache")))
	deps.checkers["redis"] = healthcheck.NewPingChecker("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	logger.WithField("addr", cfg.RedisAddr).Info("redis lock and expiry cache initialized")
	return deps, nil
}

// Services — доменные сервисы поверх выбранной инфраструктуры.
type Services struct {
	Reservations *reservation.Service
	Ledger       *ledger.Ledger
	Reconciler   *expiry.Reconciler
	Sweeper      *expiry.Sweeper
	Handlers     []inbound.EventHandler
}

// NewServices собирает сервисы. Метрики регистрируются в переданном
// ReservationMetrics, nil отключает их.
func NewServices(cfg Config, storage domain.Storage, lockStore lock.Store, expiryCache domain.ExpiryCache, m *metrics.ReservationMetrics, logger *log.Entry) *Services {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	executor := lock.NewExecutor(lockStore,
		lock.WithWaitTimeout(cfg.LockWaitTimeout),
		lock.WithLeaseTTL(cfg.LockLeaseTTL),
		lock.WithRetryInterval(cfg.LockRetryInterval),
		lock.WithLogger(logger.WithField("component", "lock-executor")),
	)

	reservations := reservation.NewService(storage, executor,
		reservation.WithLogger(logger.WithField("component", "reservation-service")),
		reservation.WithCache(expiryCache),
		reservation.WithMetrics(m),
		reservation.WithTTL(cfg.ReservationTTL),
		reservation.WithVersionAttempts(cfg.VersionAttempts),
	)
	guard := ledger.New(storage, ledger.WithLogger(logger.WithField("component", "idempotency-ledger")))
	reconciler := expiry.NewReconciler(storage, reservations,
		expiry.WithReconcilerLogger(logger.WithField("component", "expiry-reconciler")),
		expiry.WithMetrics(m),
	)
	sweeper := expiry.NewSweeper(reconciler,
		expiry.WithLogger(logger.WithField("component", "expiry-sweeper")),
		expiry.WithInterval(cfg.SweepInterval),
		expiry.WithBatchSize(cfg.SweepBatchSize),
	)

	handlerOpts := []inbound.Option{inbound.WithMetrics(m)}
	return &Services{
		Reservations: reservations,
		Ledger:       guard,
		Reconciler:   reconciler,
		Sweeper:      sweeper,
		Handlers: []inbound.EventHandler{
			inbound.NewCouponHandler(storage, reservations, guard, handlerOpts...),
			inbound.NewStockHandler(storage, reservations, guard, handlerOpts...),
		},
	}
}
