// Package ledger охраняет обработчики входящих событий idempotency ledger'ом.
//
// Доменный отказ фиксируется в ledger (повтор события не должен повторять
// заведомо проигрышную операцию), инфраструктурная ошибка откатывает всё,
// включая запись ledger, чтобы redelivery мог повторить попытку.
package ledger

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

// Outcome — итог обработки события.
type Outcome string

const (
	// OutcomeApplied — побочный эффект применён и записан в ledger.
	OutcomeApplied Outcome = "applied"
	// OutcomeRejected — доменный отказ записан в ledger.
	OutcomeRejected Outcome = "rejected"
	// OutcomeDuplicate — событие уже было обработано, ничего не сделано.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored — событие не относится к модулю, ledger не трогали.
	OutcomeIgnored Outcome = "ignored"
)

var ledgerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rsv_ledger_events_total",
	Help: "Total number of inbound events passed through the idempotency ledger grouped by consumer and outcome.",
}, []string{"consumer", "outcome"})

// RejectFunc вызывается в транзакции записи отказа, например чтобы положить
// в outbox событие о неудаче.
type RejectFunc func(ctx context.Context, tx domain.Repositories, cause error) error

// Options задаёт параметры Ledger.
type Options struct {
	Logger *log.Entry
	Clock  clock.Clock
}

// Option настраивает Ledger.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithClock задаёт источник времени для processed_at.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) {
		opts.Clock = c
	}
}

// Ledger связывает мутацию и запись ledger в одной транзакции.
type Ledger struct {
	storage domain.Storage
	logger  *log.Entry
	clock   clock.Clock
}

// New создаёт Ledger поверх storage.
func New(storage domain.Storage, options ...Option) *Ledger {
	var opts Options
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "idempotency-ledger")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}

	return &Ledger{
		storage: storage,
		logger:  logger,
		clock:   opts.Clock,
	}
}

// Process выполняет apply и запись ledger в одной транзакции.
//
// Дубликат возвращает OutcomeDuplicate без вызова apply. Доменная ошибка apply
// откатывает мутацию, затем в новой транзакции пишет запись rejected и вызывает
// onRejected. Прочие ошибки откатывают всё и возвращаются вызывающему.
func (l *Ledger) Process(ctx context.Context, consumer string, event domain.InboundEvent, apply domain.TxFunc, onRejected RejectFunc) (Outcome, error) {
	outcome := OutcomeApplied
	err := l.storage.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		seen, err := tx.ProcessedEvents().Exists(ctx, consumer, event.EventID)
		if err != nil {
			return err
		}
		if seen {
			outcome = OutcomeDuplicate
			return nil
		}
		if err := apply(ctx, tx); err != nil {
			return err
		}
		return tx.ProcessedEvents().Insert(ctx, l.entry(consumer, event, domain.ProcessedOutcomeApplied))
	})

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEventAlreadyProcessed):
		// Параллельный обработчик успел раньше: уникальность ledger разрешила гонку.
		outcome = OutcomeDuplicate
	case domain.IsBusiness(err):
		return l.reject(ctx, consumer, event, err, onRejected)
	default:
		l.logger.WithError(err).WithFields(l.fields(consumer, event)).Warn("event processing failed, awaiting redelivery")
		return "", err
	}

	l.observe(consumer, event, outcome)
	return outcome, nil
}

func (l *Ledger) reject(ctx context.Context, consumer string, event domain.InboundEvent, cause error, onRejected RejectFunc) (Outcome, error) {
	outcome := OutcomeRejected
	err := l.storage.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		if err := tx.ProcessedEvents().Insert(ctx, l.entry(consumer, event, domain.ProcessedOutcomeRejected)); err != nil {
			return err
		}
		if onRejected == nil {
			return nil
		}
		return onRejected(ctx, tx, cause)
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEventAlreadyProcessed):
		outcome = OutcomeDuplicate
	default:
		l.logger.WithError(err).WithFields(l.fields(consumer, event)).Warn("failed to record rejected event")
		return "", fmt.Errorf("record rejection: %w", err)
	}

	if outcome == OutcomeRejected {
		l.logger.WithError(cause).WithFields(l.fields(consumer, event)).Info("event rejected by domain")
	}
	l.observe(consumer, event, outcome)
	return outcome, nil
}

// Seen сообщает, что consumer уже обработал событие.
func (l *Ledger) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	return l.storage.ProcessedEvents().Exists(ctx, consumer, eventID)
}

// Record пишет запись ledger отдельной транзакцией. Используется обработчиками,
// которые выполняют несколько независимых шагов и фиксируют событие после всех.
func (l *Ledger) Record(ctx context.Context, consumer string, event domain.InboundEvent, outcome domain.ProcessedOutcome) (Outcome, error) {
	return l.RecordWithin(ctx, consumer, event, outcome, nil)
}

// RecordWithin пишет запись ledger и выполняет within в той же транзакции.
// Если запись уже есть, within откатывается вместе с ней и результат —
// OutcomeDuplicate.
func (l *Ledger) RecordWithin(ctx context.Context, consumer string, event domain.InboundEvent, outcome domain.ProcessedOutcome, within domain.TxFunc) (Outcome, error) {
	err := l.storage.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		if err := tx.ProcessedEvents().Insert(ctx, l.entry(consumer, event, outcome)); err != nil {
			return err
		}
		if within == nil {
			return nil
		}
		return within(ctx, tx)
	})
	result := Outcome(outcome)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEventAlreadyProcessed):
		result = OutcomeDuplicate
	default:
		return "", err
	}

	l.observe(consumer, event, result)
	return result, nil
}

func (l *Ledger) entry(consumer string, event domain.InboundEvent, outcome domain.ProcessedOutcome) domain.ProcessedEvent {
	return domain.ProcessedEvent{
		EventID:     event.EventID,
		EventType:   event.EventType,
		Consumer:    consumer,
		Outcome:     outcome,
		ProcessedAt: l.clock.Now(),
	}
}

func (l *Ledger) observe(consumer string, event domain.InboundEvent, outcome Outcome) {
	ledgerEventsTotal.WithLabelValues(consumer, string(outcome)).Inc()
	if outcome == OutcomeDuplicate {
		l.logger.WithFields(l.fields(consumer, event)).Debug("duplicate event acknowledged")
	}
}

func (l *Ledger) fields(consumer string, event domain.InboundEvent) log.Fields {
	return log.Fields{
		"consumer":       consumer,
		"event_id":       event.EventID,
		"event_type":     event.EventType,
		"correlation_id": event.CorrelationID,
	}
}
