// Package expiry освобождает резервы, срок которых истёк. Два независимых
// сигнала ведут к одной идемпотентной операции ExpireReservation: истечение
// ключа в кэше и периодический sweep по durable-хранилищу.
package expiry

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/metrics"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/reservation"
)

// Источники сигнала об истечении.
const (
	SourceCache = "cache"
	SourceSweep = "sweep"
)

// ReconcilerOptions задаёт параметры Reconciler.
type ReconcilerOptions struct {
	Logger  *log.Entry
	Metrics *metrics.ReservationMetrics
}

// ReconcilerOption настраивает Reconciler.
type ReconcilerOption func(*ReconcilerOptions)

// WithReconcilerLogger задаёт logger.
func WithReconcilerLogger(logger *log.Entry) ReconcilerOption {
	return func(opts *ReconcilerOptions) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики истечений.
func WithMetrics(m *metrics.ReservationMetrics) ReconcilerOption {
	return func(opts *ReconcilerOptions) {
		opts.Metrics = m
	}
}

// Reconciler снимает просроченные резервы под блокировкой ресурса.
type Reconciler struct {
	storage      domain.Storage
	reservations *reservation.Service
	logger       *log.Entry
	metrics      *metrics.ReservationMetrics
}

// NewReconciler создаёт Reconciler.
func NewReconciler(storage domain.Storage, reservations *reservation.Service, options ...ReconcilerOption) *Reconciler {
	var opts ReconcilerOptions
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "expiration-reconciler")
	}

	return &Reconciler{
		storage:      storage,
		reservations: reservations,
		logger:       logger,
		metrics:      opts.Metrics,
	}
}

// ExpireReservation снимает резерв, если он есть и истёк по авторитетной записи.
// Отсутствие резерва не ошибка: кто из источников пришёл вторым, тот no-op.
func (r *Reconciler) ExpireReservation(ctx context.Context, reservationID, source string) (bool, error) {
	candidate, err := r.storage.Reservations().Get(ctx, reservationID)
	if err != nil {
		if domain.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	var expired bool
	err = r.reservations.Serialize(ctx, candidate.Kind, candidate.ResourceID, func(ctx context.Context) error {
		return r.storage.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
			var txErr error
			expired, txErr = r.reservations.ExpireTx(ctx, tx, reservationID)
			return txErr
		})
	})
	if err != nil {
		return false, err
	}
	if !expired {
		return false, nil
	}

	r.reservations.DeleteCache(ctx, reservationID)
	r.metrics.RecordExpired(source)
	r.logger.WithFields(log.Fields{
		"reservation_id": reservationID,
		"resource_kind":  candidate.Kind,
		"resource_id":    candidate.ResourceID,
		"source":         source,
	}).Info("reservation expired")
	return true, nil
}

// Listen подписывается на уведомления кэша об истечении ключей и блокируется
// до отмены ctx. Ошибки обработки только логируются: sweep подберёт резерв.
func (r *Reconciler) Listen(ctx context.Context, notifier domain.ExpiryNotifier) error {
	return notifier.Listen(ctx, func(ctx context.Context, reservationID string) {
		if _, err := r.ExpireReservation(ctx, reservationID, SourceCache); err != nil {
			r.logger.WithError(err).WithField("reservation_id", reservationID).Warn("cache-triggered expiry failed, leaving it to the sweep")
		}
	})
}
