// Package deadletter повторно доставляет сообщения из DLQ с учётом idempotency ledger.
package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

// HeaderRetryCount — заголовок с числом уже сделанных попыток обработки.
const HeaderRetryCount = "x-retry-count"

// Результаты обработки записи DLQ. NonRetryable — детерминированный отказ
// (validation и т.п.), Exhausted — событие уже возвращалось из DLQ maxRetries раз.
// Обе записи подтверждаются и больше не публикуются.
const (
	ResultRepublished  = "republished"
	ResultDiscarded    = "discarded"
	ResultMalformed    = "malformed"
	ResultNonRetryable = "non_retryable"
	ResultExhausted    = "exhausted"
	ResultFailed       = "failed"
)

const defaultMaxRetries = 5

var deadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rsv_dead_letters_total",
	Help: "Dead-letter records by result (republished, discarded, malformed, non_retryable, exhausted, failed).",
}, []string{"result"})

// Republisher отправляет сообщение обратно в исходный топик и возвращается
// только после подтверждения брокера.
type Republisher interface {
	Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// ProcessedChecker отвечает, записано ли событие в ledger потребителя.
type ProcessedChecker interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
}

// Options настраивает Coordinator.
type Options struct {
	Logger     *log.Entry
	Attempts   int
	Backoff    time.Duration
	MaxRetries int
}

// Option изменяет Options.
type Option func(*Options)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithAttempts задаёт число попыток повторной публикации.
func WithAttempts(attempts int) Option {
	return func(o *Options) {
		if attempts > 0 {
			o.Attempts = attempts
		}
	}
}

// WithMaxRetries задаёт, сколько раз событие может вернуться из DLQ в исходный
// топик. Запись с retry_count >= maxRetries подтверждается и больше не публикуется.
func WithMaxRetries(maxRetries int) Option {
	return func(o *Options) {
		if maxRetries > 0 {
			o.MaxRetries = maxRetries
		}
	}
}

// WithBackoff задаёт базовую задержку между попытками, она удваивается.
func WithBackoff(backoff time.Duration) Option {
	return func(o *Options) {
		if backoff >= 0 {
			o.Backoff = backoff
		}
	}
}

// Coordinator решает судьбу записи DLQ: уже обработанное событие
// подтверждается без повторной публикации, детерминированные отказы и записи,
// исчерпавшие maxRetries, паркуются, остальные возвращаются в исходный топик.
type Coordinator struct {
	publisher  Republisher
	ledger     ProcessedChecker
	logger     *log.Entry
	attempts   int
	backoff    time.Duration
	maxRetries int
}

// NewCoordinator создаёт Coordinator. ledger может быть nil: тогда каждая
// запись публикуется повторно, а дубликаты отсекает ledger потребителя.
func NewCoordinator(publisher Republisher, ledger ProcessedChecker, options ...Option) *Coordinator {
	opts := Options{
		Attempts:   3,
		Backoff:    500 * time.Millisecond,
		MaxRetries: defaultMaxRetries,
	}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "dead-letter-coordinator")
	}

	return &Coordinator{
		publisher:  publisher,
		ledger:     ledger,
		logger:     opts.Logger,
		attempts:   opts.Attempts,
		backoff:    opts.Backoff,
		maxRetries: opts.MaxRetries,
	}
}

// HandleRecord разбирает сырую запись DLQ. Нечитаемый конверт логируется и
// подтверждается: вернуть его некуда, а повтор ничего не изменит.
func (c *Coordinator) HandleRecord(ctx context.Context, raw []byte) (string, error) {
	dl, err := domain.ParseDeadLetter(raw)
	if err != nil {
		deadLettersTotal.WithLabelValues(ResultMalformed).Inc()
		c.logger.WithError(err).Error("dropping malformed dead-letter record")
		return ResultMalformed, nil
	}
	return c.Handle(ctx, dl)
}

// Handle обрабатывает одну запись DLQ. Ошибка означает, что запись нельзя
// подтверждать: её нужно прочитать снова.
func (c *Coordinator) Handle(ctx context.Context, dl domain.DeadLetter) (string, error) {
	fields := log.Fields{
		"original_topic": dl.OriginalTopic,
		"consumer":       dl.Consumer,
		"event_id":       dl.EventID,
		"retry_count":    dl.RetryCount,
		"error_kind":     dl.ErrorKind,
	}

	if c.ledger != nil && dl.Consumer != "" && dl.EventID != "" {
		seen, err := c.ledger.Seen(ctx, dl.Consumer, dl.EventID)
		if err != nil {
			deadLettersTotal.WithLabelValues(ResultFailed).Inc()
			return ResultFailed, fmt.Errorf("check ledger for %s/%s: %w", dl.Consumer, dl.EventID, err)
		}
		if seen {
			deadLettersTotal.WithLabelValues(ResultDiscarded).Inc()
			c.logger.WithFields(fields).Info("dead letter already processed, discarding")
			return ResultDiscarded, nil
		}
	}

	if !dl.Replayable() {
		deadLettersTotal.WithLabelValues(ResultNonRetryable).Inc()
		c.logger.WithFields(fields).WithField("error", dl.ErrorMessage).Error("dead letter is not retryable, parking")
		return ResultNonRetryable, nil
	}
	if dl.RetryCount >= c.maxRetries {
		deadLettersTotal.WithLabelValues(ResultExhausted).Inc()
		c.logger.WithFields(fields).WithField("error", dl.ErrorMessage).Error("dead letter exhausted retries, parking")
		return ResultExhausted, nil
	}

	headers := make(map[string]string, len(dl.Headers)+1)
	for k, v := range dl.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = strconv.Itoa(dl.RetryCount)

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = c.publisher.Send(ctx, dl.OriginalTopic, dl.OriginalKey, []byte(dl.OriginalValue), headers)
		if lastErr == nil {
			deadLettersTotal.WithLabelValues(ResultRepublished).Inc()
			c.logger.WithFields(fields).WithField("attempt", attempt).Info("dead letter republished")
			return ResultRepublished, nil
		}
		if attempt == c.attempts {
			break
		}

		c.logger.WithError(lastErr).WithFields(fields).WithField("attempt", attempt).Warn("republish failed, will retry")
		if err := sleep(ctx, c.backoff*time.Duration(1<<(attempt-1))); err != nil {
			deadLettersTotal.WithLabelValues(ResultFailed).Inc()
			return ResultFailed, err
		}
	}

	deadLettersTotal.WithLabelValues(ResultFailed).Inc()
	c.logger.WithError(lastErr).WithFields(fields).Error("dead letter republish exhausted attempts")
	return ResultFailed, fmt.Errorf("republish to %s after %d attempts: %w", dl.OriginalTopic, c.attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
