// Package lock сериализует изменения одного ресурса между экземплярами сервиса
// через lease-блокировки в общем хранилище.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

const (
	defaultWaitTimeout    = 3 * time.Second
	defaultLeaseTTL       = 10 * time.Second
	defaultRetryInterval  = 50 * time.Millisecond
	defaultReleaseTimeout = 2 * time.Second
	defaultKeyPrefix      = "rsv:lock:"
)

var (
	lockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsv_lock_acquire_total",
		Help: "Total number of resource lock acquisitions grouped by result.",
	}, []string{"result"})
	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rsv_lock_wait_seconds",
		Help:    "Time spent waiting for a resource lock.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	lockLeaseLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rsv_lock_lease_lost_total",
		Help: "Total number of releases that found the lease already taken over or expired.",
	})
)

// Store — общее хранилище lease-блокировок.
type Store interface {
	// TryAcquire ставит lease key=token на ttl, если ключ свободен.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release удаляет lease только если он всё ещё принадлежит token.
	Release(ctx context.Context, key, token string) (bool, error)
}

// ExecutorOptions задаёт параметры Executor.
type ExecutorOptions struct {
	Logger        *log.Entry
	WaitTimeout   time.Duration
	LeaseTTL      time.Duration
	RetryInterval time.Duration
	KeyPrefix     string
}

// Option настраивает Executor.
type Option func(*ExecutorOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *ExecutorOptions) {
		opts.Logger = logger
	}
}

// WithWaitTimeout ограничивает ожидание блокировки.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(opts *ExecutorOptions) {
		opts.WaitTimeout = timeout
	}
}

// WithLeaseTTL задаёт время жизни lease.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(opts *ExecutorOptions) {
		opts.LeaseTTL = ttl
	}
}

// WithRetryInterval задаёт паузу между попытками захвата.
func WithRetryInterval(interval time.Duration) Option {
	return func(opts *ExecutorOptions) {
		opts.RetryInterval = interval
	}
}

// WithKeyPrefix задаёт префикс ключей блокировок в хранилище.
func WithKeyPrefix(prefix string) Option {
	return func(opts *ExecutorOptions) {
		opts.KeyPrefix = prefix
	}
}

// Executor выполняет критическую секцию под блокировкой ресурса.
type Executor struct {
	store         Store
	logger        *log.Entry
	waitTimeout   time.Duration
	leaseTTL      time.Duration
	retryInterval time.Duration
	keyPrefix     string
}

// NewExecutor создаёт Executor поверх store.
func NewExecutor(store Store, options ...Option) *Executor {
	opts := ExecutorOptions{
		WaitTimeout:   defaultWaitTimeout,
		LeaseTTL:      defaultLeaseTTL,
		RetryInterval: defaultRetryInterval,
		KeyPrefix:     defaultKeyPrefix,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "lock-executor")
	}
	if opts.WaitTimeout < 0 {
		opts.WaitTimeout = 0
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	return &Executor{
		store:         store,
		logger:        logger,
		waitTimeout:   opts.WaitTimeout,
		leaseTTL:      opts.LeaseTTL,
		retryInterval: opts.RetryInterval,
		keyPrefix:     opts.KeyPrefix,
	}
}

// Do захватывает блокировку key, выполняет fn и освобождает блокировку.
// Если блокировка не получена за WaitTimeout, возвращается domain.ErrLockBusy.
func (e *Executor) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	storeKey := e.keyPrefix + key
	token := uuid.NewString()

	if err := e.acquire(ctx, storeKey, token); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer e.release(ctx, storeKey, token)

	return fn(ctx)
}

func (e *Executor) acquire(ctx context.Context, key, token string) error {
	started := time.Now()
	deadline := started.Add(e.waitTimeout)

	for {
		ok, err := e.store.TryAcquire(ctx, key, token, e.leaseTTL)
		if err != nil {
			lockAcquireTotal.WithLabelValues("error").Inc()
			return domain.MarkInfrastructure(fmt.Errorf("acquire lease: %w", err))
		}
		if ok {
			lockAcquireTotal.WithLabelValues("acquired").Inc()
			lockWaitSeconds.Observe(time.Since(started).Seconds())
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			lockAcquireTotal.WithLabelValues("busy").Inc()
			lockWaitSeconds.Observe(time.Since(started).Seconds())
			return domain.ErrLockBusy
		}

		wait := e.retryInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Executor) release(ctx context.Context, key, token string) {
	// Освобождаем даже при отменённом ctx вызывающего.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultReleaseTimeout)
	defer cancel()

	released, err := e.store.Release(releaseCtx, key, token)
	if err != nil {
		e.logger.WithError(err).WithField("lock_key", key).Warn("failed to release lock, lease will expire")
		return
	}
	if !released {
		lockLeaseLostTotal.Inc()
		e.logger.WithField("lock_key", key).Warn("lock lease expired before release")
	}
}
