// Package outbox публикует записи transactional outbox в транспорт.
package outbox

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
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultLease          = 30 * time.Second
	maxLastErrorLength    = 1024
)

var (
	outboxPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsv_outbox_publish_attempts_total",
		Help: "Total number of outbox publish attempts grouped by result.",
	}, []string{"result"})
	outboxReadyRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rsv_outbox_ready_records",
		Help: "Current number of ready records in transactional outbox.",
	})
	outboxOldestReadyAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rsv_outbox_oldest_ready_age_seconds",
		Help: "Age in seconds of the oldest ready outbox record.",
	})
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	RelayID        string
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Lease          time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithRelayID задаёт идентификатор экземпляра relay для аренды записей.
func WithRelayID(relayID string) Option {
	return func(opts *WorkerOptions) {
		opts.RelayID = relayID
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток публикации в пределах одного цикла.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.RetryBaseDelay = delay
	}
}

// WithLease задаёт срок аренды взятых записей.
func WithLease(lease time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.Lease = lease
	}
}

// Worker публикует ready-записи outbox в брокер. Запись становится published
// только после подтверждения транспорта; неудача оставляет её ready для
// следующего цикла.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	logger         *log.Entry
	relayID        string
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	lease          time.Duration
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		Lease:          defaultLease,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-worker")
	}

	if opts.RelayID == "" {
		opts.RelayID = "relay-" + uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}

	return &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         logger.WithField("relay_id", opts.RelayID),
		relayID:        opts.RelayID,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		lease:          opts.Lease,
	}
}

// Run запускает периодический polling outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один polling-цикл и возвращает число опубликованных записей.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	w.refreshBacklogMetrics(ctx)

	messages, err := w.repo.ClaimReady(ctx, w.relayID, w.batchSize, w.lease)
	if err != nil {
		w.logger.WithError(err).Warn("failed to claim ready outbox messages")
		return 0
	}
	if len(messages) == 0 {
		return 0
	}

	published := 0
	// Агрегаты, у которых в этом цикле уже была неудача: их следующие записи
	// не публикуем, чтобы не нарушить порядок.
	blocked := make(map[string]struct{})
	for _, msg := range messages {
		if ctx.Err() != nil {
			return published
		}
		if _, ok := blocked[msg.AggregateID]; ok {
			outboxPublishAttempts.WithLabelValues("skipped").Inc()
			continue
		}

		if err := w.publishWithRetry(ctx, msg); err != nil {
			blocked[msg.AggregateID] = struct{}{}
			w.logger.WithError(err).WithFields(log.Fields{
				"outbox_id":    msg.ID,
				"aggregate_id": msg.AggregateID,
				"event_type":   msg.EventType,
				"retry_count":  msg.RetryCount,
			}).Warn("outbox publish failed, will retry next cycle")
			outboxPublishAttempts.WithLabelValues("failed").Inc()

			if recErr := w.repo.RecordFailure(context.WithoutCancel(ctx), msg.ID, truncate(err.Error())); recErr != nil {
				w.logger.WithError(recErr).WithField("outbox_id", msg.ID).Warn("failed to record outbox failure")
			}
			continue
		}

		// Сбой здесь приведёт к повторной публикации: получатели дедуплицируют по event_id.
		if err := w.repo.MarkPublished(context.WithoutCancel(ctx), msg.ID); err != nil {
			w.logger.WithError(err).WithField("outbox_id", msg.ID).Warn("failed to mark outbox message as published")
			continue
		}
		published++
	}

	w.refreshBacklogMetrics(ctx)
	return published
}

func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.publisher.Publish(ctx, msg)
		if err == nil {
			outboxPublishAttempts.WithLabelValues("sent").Inc()
			return nil
		}
		lastErr = err
		outboxPublishAttempts.WithLabelValues("retry_error").Inc()

		if attempt >= w.maxAttempts {
			break
		}

		delay := w.retryBackoff(attempt)
		if delay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxReadyRecords.Set(float64(stats.ReadyCount))
	if stats.ReadyCount == 0 || stats.OldestReadyAt.IsZero() {
		outboxOldestReadyAge.Set(0)
		return
	}

	age := time.Since(stats.OldestReadyAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestReadyAge.Set(age)
}

func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return w.retryBaseDelay
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			return maxDuration
		}
		delay *= 2
	}
	return delay
}

func truncate(s string) string {
	if len(s) <= maxLastErrorLength {
		return s
	}
	return s[:maxLastErrorLength]
}
