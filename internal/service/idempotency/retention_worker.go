// Package idempotency чистит idempotency ledger от старых отказов.
//
// Удаляются только записи rejected: запись applied и есть гарантия
// at-most-once, поэтому она хранится всегда. Очистка выключена, пока не задан
// положительный retention. После удаления отказа поздний повтор того же
// события будет обработан заново.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

const (
	defaultPruneInterval = 10 * time.Minute
	defaultPruneBatch    = 500
)

var (
	ledgerPruneRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsv_ledger_prune_runs_total",
		Help: "Total number of idempotency ledger prune runs grouped by result.",
	}, []string{"result"})
	ledgerPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rsv_ledger_pruned_total",
		Help: "Total number of rejected ledger entries removed after the retention window.",
	})
	ledgerLastPruned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rsv_ledger_last_pruned",
		Help: "Number of ledger entries removed during the last prune run.",
	})
)

// RetentionOptions задаёт параметры RetentionWorker.
type RetentionOptions struct {
	Logger    *log.Entry
	Clock     clock.Clock
	Retention time.Duration
	Interval  time.Duration
	BatchSize int
}

// RetentionOption настраивает RetentionWorker.
type RetentionOption func(*RetentionOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Logger = logger
	}
}

// WithClock задаёт источник времени для вычисления границы.
func WithClock(c clock.Clock) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Clock = c
	}
}

// WithRetention задаёт, сколько хранится запись rejected. 0 выключает очистку.
func WithRetention(retention time.Duration) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Retention = retention
	}
}

// WithInterval задаёт интервал между циклами очистки.
func WithInterval(interval time.Duration) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер порции одного удаления.
func WithBatchSize(batchSize int) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.BatchSize = batchSize
	}
}

// RetentionWorker периодически удаляет устаревшие отказы из ledger.
type RetentionWorker struct {
	repo      domain.ProcessedEventRepository
	logger    *log.Entry
	clock     clock.Clock
	retention time.Duration
	interval  time.Duration
	batchSize int
}

// NewRetentionWorker создаёт воркер очистки ledger.
func NewRetentionWorker(repo domain.ProcessedEventRepository, options ...RetentionOption) *RetentionWorker {
	opts := RetentionOptions{
		Interval:  defaultPruneInterval,
		BatchSize: defaultPruneBatch,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "ledger-retention-worker")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Retention < 0 {
		opts.Retention = 0
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultPruneInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultPruneBatch
	}

	return &RetentionWorker{
		repo:      repo,
		logger:    logger,
		clock:     opts.Clock,
		retention: opts.Retention,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("ledger retention worker is disabled: repo is nil")
		return
	}
	if !w.Enabled() {
		w.logger.Info("ledger retention is disabled")
		return
	}

	w.prune(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *RetentionWorker) prune(ctx context.Context) {
	deleted, err := w.ProcessOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		ledgerPruneRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("ledger prune run failed")
		return
	}

	ledgerPruneRunsTotal.WithLabelValues("ok").Inc()
	ledgerLastPruned.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("ledger prune completed")
	}
}

// Enabled сообщает, задан ли retention.
func (w *RetentionWorker) Enabled() bool {
	return w.retention > 0
}

// ProcessOnce удаляет отказы старше retention порциями batchSize.
// С выключенным retention ничего не делает.
func (w *RetentionWorker) ProcessOnce(ctx context.Context) (int, error) {
	if w.repo == nil || !w.Enabled() {
		return 0, nil
	}
	before := w.clock.Now().Add(-w.retention)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteRejectedBefore(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}

		total += deleted
		if deleted > 0 {
			ledgerPrunedTotal.Add(float64(deleted))
		}
		if deleted < w.batchSize {
			return total, nil
		}
	}
}
