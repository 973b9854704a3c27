// Package inbound содержит обработчики входящих событий модулей купонов и
// складских остатков. Каждый модуль ведёт собственное пространство ledger
// и компенсирует свои резервы независимо от других модулей.
package inbound

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/metrics"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/ledger"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/reservation"
)

// Имена consumer'ов в ledger.
const (
	CouponConsumer = "coupon-reservation"
	StockConsumer  = "stock-reservation"
)

// HandlerOptions задаёт параметры Handler.
type HandlerOptions struct {
	Logger  *log.Entry
	Metrics *metrics.ReservationMetrics
}

// Option настраивает Handler.
type Option func(*HandlerOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *HandlerOptions) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики входящих событий.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(opts *HandlerOptions) {
		opts.Metrics = m
	}
}

// Handler обрабатывает входящие события для одного вида ресурса.
type Handler struct {
	kind         domain.ResourceKind
	consumer     string
	storage      domain.Storage
	reservations *reservation.Service
	ledger       *ledger.Ledger
	logger       *log.Entry
	metrics      *metrics.ReservationMetrics
}

// NewCouponHandler создаёт обработчик модуля купонов.
func NewCouponHandler(storage domain.Storage, reservations *reservation.Service, l *ledger.Ledger, options ...Option) *Handler {
	return newHandler(domain.ResourceKindCoupon, CouponConsumer, storage, reservations, l, options...)
}

// NewStockHandler создаёт обработчик модуля складских остатков.
func NewStockHandler(storage domain.Storage, reservations *reservation.Service, l *ledger.Ledger, options ...Option) *Handler {
	return newHandler(domain.ResourceKindStock, StockConsumer, storage, reservations, l, options...)
}

func newHandler(kind domain.ResourceKind, consumer string, storage domain.Storage, reservations *reservation.Service, l *ledger.Ledger, options ...Option) *Handler {
	var opts HandlerOptions
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "inbound-"+consumer)
	}

	return &Handler{
		kind:         kind,
		consumer:     consumer,
		storage:      storage,
		reservations: reservations,
		ledger:       l,
		logger:       logger,
		metrics:      opts.Metrics,
	}
}

// Consumer возвращает имя пространства ledger обработчика.
func (h *Handler) Consumer() string {
	return h.consumer
}

// Handle применяет событие не более одного раза. Ошибка означает, что событие
// нужно доставить повторно.
func (h *Handler) Handle(ctx context.Context, event domain.InboundEvent) (ledger.Outcome, error) {
	outcome, err := h.handle(ctx, event)
	if err == nil {
		h.metrics.RecordInbound(h.consumer, string(outcome))
	} else {
		h.metrics.RecordInbound(h.consumer, "failed")
	}
	return outcome, err
}

func (h *Handler) handle(ctx context.Context, event domain.InboundEvent) (ledger.Outcome, error) {
	switch event.EventType {
	case domain.EventTypeOrderCreated:
		if event.ResourceKind != h.kind {
			return ledger.OutcomeIgnored, nil
		}
		return h.reserve(ctx, event)
	case domain.EventTypePaymentApproved:
		return h.runSteps(ctx, event, h.confirmSteps)
	case domain.EventTypeOrderCancelled, domain.EventTypeDeliveryCompensation:
		return h.runSteps(ctx, event, h.compensationSteps)
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedEvent, event.EventType)
	}
}

func (h *Handler) reserve(ctx context.Context, event domain.InboundEvent) (ledger.Outcome, error) {
	req := domain.ReserveRequest{
		Kind:           event.ResourceKind,
		ResourceID:     event.ResourceID,
		OwnerKey:       event.OwnerKey,
		CorrelationKey: event.CorrelationID,
		Amount:         event.Amount,
	}

	var (
		outcome ledger.Outcome
		created domain.Reservation
		isNew   bool
	)
	err := h.reservations.Serialize(ctx, req.Kind, req.ResourceID, func(ctx context.Context) error {
		var err error
		outcome, err = h.ledger.Process(ctx, h.consumer, event,
			func(ctx context.Context, tx domain.Repositories) error {
				var txErr error
				created, isNew, txErr = h.reservations.ReserveTx(ctx, tx, req)
				return txErr
			},
			h.failureEvent(domain.Reservation{
				Kind:        req.Kind,
				ResourceID:  req.ResourceID,
				OwnerKey:    req.OwnerKey,
				ExternalKey: req.CorrelationKey,
				Amount:      req.Amount,
			}),
		)
		return err
	})
	if err != nil {
		return "", err
	}

	if outcome == ledger.OutcomeApplied && isNew {
		h.reservations.PutCache(ctx, created)
	}
	return outcome, nil
}

// failureEvent кладёт reservation.failed с кодом отказа в транзакцию записи ledger.
func (h *Handler) failureEvent(r domain.Reservation) ledger.RejectFunc {
	return func(ctx context.Context, tx domain.Repositories, cause error) error {
		return h.reservations.Enqueue(ctx, tx, domain.EventTypeReservationFailed, r, domain.FailureOf(cause).Code)
	}
}

// step — один независимый шаг обработки события.
type step struct {
	name          string
	reservationID string
	run           func(ctx context.Context) error
	// onRejected выполняется в транзакции записи ledger, если шаг получил доменный отказ.
	onRejected    ledger.RejectFunc
}

type rejection struct {
	step  step
	cause error
}

// runSteps выполняет все шаги независимо друг от друга. Ledger пишется только
// после того, как ни один шаг не закончился повторяемой ошибкой; доменный отказ
// шага не мешает остальным и фиксируется как rejected. Реакции на отказы
// (reservation.failed) коммитятся вместе с записью ledger, поэтому redelivery
// их не повторяет.
func (h *Handler) runSteps(ctx context.Context, event domain.InboundEvent, plan func(ctx context.Context, event domain.InboundEvent) ([]step, error)) (ledger.Outcome, error) {
	seen, err := h.ledger.Seen(ctx, h.consumer, event.EventID)
	if err != nil {
		return "", err
	}
	if seen {
		return ledger.OutcomeDuplicate, nil
	}

	steps, err := plan(ctx, event)
	if err != nil {
		return "", err
	}

	var (
		failed     error
		rejections []rejection
	)
	for _, st := range steps {
		err := st.run(ctx)
		switch {
		case err == nil:
		case domain.IsBusiness(err):
			rejections = append(rejections, rejection{step: st, cause: err})
			h.logger.WithError(err).WithFields(log.Fields{
				"event_id":       event.EventID,
				"step":           st.name,
				"reservation_id": st.reservationID,
			}).Info("step rejected by domain")
		default:
			failed = errors.Join(failed, fmt.Errorf("%s %s: %w", st.name, st.reservationID, err))
		}
	}
	if failed != nil {
		h.logger.WithError(failed).WithFields(log.Fields{
			"event_id":       event.EventID,
			"event_type":     event.EventType,
			"correlation_id": event.CorrelationID,
		}).Warn("some steps failed, awaiting redelivery")
		return "", failed
	}

	outcome := domain.ProcessedOutcomeApplied
	if len(rejections) > 0 {
		outcome = domain.ProcessedOutcomeRejected
	}
	return h.ledger.RecordWithin(ctx, h.consumer, event, outcome, func(ctx context.Context, tx domain.Repositories) error {
		for _, r := range rejections {
			if r.step.onRejected == nil {
				continue
			}
			if err := r.step.onRejected(ctx, tx, r.cause); err != nil {
				return fmt.Errorf("%s %s on rejection: %w", r.step.name, r.step.reservationID, err)
			}
		}
		return nil
	})
}

func (h *Handler) activeReservations(ctx context.Context, correlationID string) ([]domain.Reservation, error) {
	all, err := h.storage.Reservations().ListByExternalKey(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	own := all[:0]
	for _, r := range all {
		if r.Kind == h.kind {
			own = append(own, r)
		}
	}
	return own, nil
}

func (h *Handler) confirmSteps(ctx context.Context, event domain.InboundEvent) ([]step, error) {
	active, err := h.activeReservations(ctx, event.CorrelationID)
	if err != nil {
		return nil, err
	}

	steps := make([]step, 0, len(active))
	for _, r := range active {
		steps = append(steps, step{
			name:          "confirm",
			reservationID: r.ID,
			run: func(ctx context.Context) error {
				return h.onReservation(ctx, r, func(ctx context.Context, tx domain.Repositories) error {
					_, err := h.reservations.ConfirmTx(ctx, tx, r.ID, event.CorrelationID)
					return err
				})
			},
			onRejected: h.failureEvent(r),
		})
	}
	return steps, nil
}

func (h *Handler) compensationSteps(ctx context.Context, event domain.InboundEvent) ([]step, error) {
	active, err := h.activeReservations(ctx, event.CorrelationID)
	if err != nil {
		return nil, err
	}

	steps := make([]step, 0, len(active)+1)
	for _, r := range active {
		steps = append(steps, step{
			name:          "cancel",
			reservationID: r.ID,
			run: func(ctx context.Context) error {
				return h.onReservation(ctx, r, func(ctx context.Context, tx domain.Repositories) error {
					_, err := h.reservations.CancelTx(ctx, tx, r.ID, event.EventType)
					return err
				})
			},
		})
	}

	// Подтверждённый купон резерва уже не имеет, его называет само событие.
	if h.kind == domain.ResourceKindCoupon && event.ResourceKind == domain.ResourceKindCoupon && event.ResourceID != "" {
		steps = append(steps, step{
			name:          "revoke",
			reservationID: event.ResourceID,
			run: func(ctx context.Context) error {
				err := h.reservations.Serialize(ctx, domain.ResourceKindCoupon, event.ResourceID, func(ctx context.Context) error {
					return h.storage.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
						_, err := h.reservations.RevokeTx(ctx, tx, event.ResourceID, event.CorrelationID, event.EventType)
						return err
					})
				})
				if domain.IsNotFound(err) {
					return nil
				}
				return err
			},
		})
	}
	return steps, nil
}

// onReservation выполняет шаг над резервом; исчезнувший резерв — no-op,
// кэш очищается только после успешного commit.
func (h *Handler) onReservation(ctx context.Context, r domain.Reservation, fn domain.TxFunc) error {
	err := h.reservations.Serialize(ctx, r.Kind, r.ResourceID, func(ctx context.Context) error {
		return h.storage.WithinTx(ctx, fn)
	})
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	h.reservations.DeleteCache(ctx, r.ID)
	return nil
}
