// Package reservation реализует команды резерва, подтверждения и отмены
// дефицитного ресурса (купон, складской остаток).
//
// Каждая команда выполняется под распределённой блокировкой ресурса и в одной
// локальной транзакции с outbox-записью о результате. Конфликт версий
// повторяется с перечитыванием в пределах бюджета попыток.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/metrics"
	"github.com/vladislavdragonenkov/reservation-core/internal/tracing"
)

const (
	defaultVersionAttempts = 3
	cacheTimeout           = time.Second
)

// Имена команд для метрик и логов.
const (
	CommandReserve = "reserve"
	CommandConfirm = "confirm"
	CommandCancel  = "cancel"
)

// Locker выполняет fn под блокировкой ключа ресурса.
type Locker interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// ServiceOptions задаёт параметры Service.
type ServiceOptions struct {
	Logger          *log.Entry
	Cache           domain.ExpiryCache
	Clock           clock.Clock
	Metrics         *metrics.ReservationMetrics
	TTL             time.Duration
	VersionAttempts int
	IDGenerator     func() string
}

// Option настраивает Service.
type Option func(*ServiceOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *ServiceOptions) {
		opts.Logger = logger
	}
}

// WithCache задаёт кэш сроков жизни резервов.
func WithCache(cache domain.ExpiryCache) Option {
	return func(opts *ServiceOptions) {
		opts.Cache = cache
	}
}

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) Option {
	return func(opts *ServiceOptions) {
		opts.Clock = c
	}
}

// WithMetrics задаёт метрики команд.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(opts *ServiceOptions) {
		opts.Metrics = m
	}
}

// WithTTL задаёт время жизни резерва.
func WithTTL(ttl time.Duration) Option {
	return func(opts *ServiceOptions) {
		opts.TTL = ttl
	}
}

// WithVersionAttempts задаёт число попыток при конфликте версий.
func WithVersionAttempts(attempts int) Option {
	return func(opts *ServiceOptions) {
		opts.VersionAttempts = attempts
	}
}

// WithIDGenerator подменяет генератор идентификаторов резервов и событий.
func WithIDGenerator(gen func() string) Option {
	return func(opts *ServiceOptions) {
		opts.IDGenerator = gen
	}
}

// Service выполняет команды над резервами.
type Service struct {
	storage         domain.Storage
	locker          Locker
	cache           domain.ExpiryCache
	clock           clock.Clock
	logger          *log.Entry
	metrics         *metrics.ReservationMetrics
	ttl             time.Duration
	versionAttempts int
	newID           func() string
}

// NewService создаёт Service.
func NewService(storage domain.Storage, locker Locker, options ...Option) *Service {
	opts := ServiceOptions{
		TTL:             domain.DefaultReservationTTL,
		VersionAttempts: defaultVersionAttempts,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reservation-service")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultReservationTTL
	}
	if opts.VersionAttempts <= 0 {
		opts.VersionAttempts = defaultVersionAttempts
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = uuid.NewString
	}

	return &Service{
		storage:         storage,
		locker:          locker,
		cache:           opts.Cache,
		clock:           opts.Clock,
		logger:          logger,
		metrics:         opts.Metrics,
		ttl:             opts.TTL,
		versionAttempts: opts.VersionAttempts,
		newID:           opts.IDGenerator,
	}
}

// Clock возвращает источник времени сервиса.
func (s *Service) Clock() clock.Clock {
	return s.clock
}

// Reserve резервирует ресурс под correlation key. Повторный вызов с тем же
// ключом возвращает уже существующий активный резерв.
func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest) (result domain.ReserveResult, err error) {
	started := time.Now()
	defer func() {
		s.metrics.RecordCommand(CommandReserve, err, time.Since(started))
	}()

	if err := req.Validate(); err != nil {
		return domain.ReserveResult{}, err
	}

	var (
		reservation domain.Reservation
		created     bool
	)
	err = s.Serialize(ctx, req.Kind, req.ResourceID, func(ctx context.Context) error {
		return s.storage.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
			var txErr error
			reservation, created, txErr = s.ReserveTx(ctx, tx, req)
			return txErr
		})
	})
	if err != nil {
		s.logFailure(CommandReserve, err, log.Fields{
			"resource_kind":   req.Kind,
			"resource_id":     req.ResourceID,
			"correlation_key": req.CorrelationKey,
		})
		return domain.ReserveResult{}, err
	}

	if created {
		s.PutCache(ctx, reservation)
		s.logger.WithFields(log.Fields{
			"reservation_id": reservation.ID,
			"resource_kind":  reservation.Kind,
			"resource_id":    reservation.ResourceID,
			"expires_at":     reservation.ExpiresAt,
		}).Info("resource reserved")
	}

	return domain.ReserveResult{ReservationID: reservation.ID, ExpiresAt: reservation.ExpiresAt}, nil
}

// Confirm подтверждает резерв и удаляет его запись.
func (s *Service) Confirm(ctx context.Context, reservationID, correlationKey string) (err error) {
	started := time.Now()
	defer func() {
		s.metrics.RecordCommand(CommandConfirm, err, time.Since(started))
	}()

	err = s.onReservation(ctx, reservationID, func(ctx context.Context, tx domain.Repositories) error {
		_, txErr := s.ConfirmTx(ctx, tx, reservationID, correlationKey)
		return txErr
	})
	if err != nil {
		s.logFailure(CommandConfirm, err, log.Fields{"reservation_id": reservationID})
		return err
	}

	s.DeleteCache(ctx, reservationID)
	s.logger.WithField("reservation_id", reservationID).Info("reservation confirmed")
	return nil
}

// Cancel отменяет резерв и возвращает ресурс.
func (s *Service) Cancel(ctx context.Context, reservationID string) (err error) {
	started := time.Now()
	defer func() {
		s.metrics.RecordCommand(CommandCancel, err, time.Since(started))
	}()

	err = s.onReservation(ctx, reservationID, func(ctx context.Context, tx domain.Repositories) error {
		_, txErr := s.CancelTx(ctx, tx, reservationID, "cancelled")
		return txErr
	})
	if err != nil {
		s.logFailure(CommandCancel, err, log.Fields{"reservation_id": reservationID})
		return err
	}

	s.DeleteCache(ctx, reservationID)
	s.logger.WithField("reservation_id", reservationID).Info("reservation cancelled")
	return nil
}

// onReservation находит ресурс резерва, блокирует его и выполняет fn в транзакции.
// Внутри fn резерв нужно перечитать: до захвата блокировки он мог исчезнуть.
func (s *Service) onReservation(ctx context.Context, reservationID string, fn domain.TxFunc) error {
	if reservationID == "" {
		return domain.ErrReservationIDRequired
	}

	reservation, err := s.storage.Reservations().Get(ctx, reservationID)
	if err != nil {
		return err
	}

	return s.Serialize(ctx, reservation.Kind, reservation.ResourceID, func(ctx context.Context) error {
		return s.storage.WithinTx(ctx, fn)
	})
}

// Serialize выполняет fn под блокировкой ресурса и повторяет его при конфликте
// версий. После исчерпания попыток конфликт версий становится ErrConflict.
func (s *Service) Serialize(ctx context.Context, kind domain.ResourceKind, resourceID string, fn func(ctx context.Context) error) error {
	return s.locker.Do(ctx, domain.LockKey(kind, resourceID), func(ctx context.Context) error {
		return s.retryOnVersionConflict(ctx, fn)
	})
}

func (s *Service) retryOnVersionConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.versionAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !domain.IsVersionConflict(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if attempt == s.versionAttempts {
			break
		}
		s.metrics.RecordVersionRetry()
		s.logger.WithError(err).WithField("attempt", attempt).Debug("version conflict, re-reading")
	}
	return domain.MarkConflict(fmt.Errorf("gave up after %d attempts: %w", s.versionAttempts, err))
}

// ReserveTx выполняет резерв в переданной транзакции. Вызывающий обязан держать
// блокировку ресурса. Второе значение false означает, что возвращён уже
// существующий резерв того же correlation key.
func (s *Service) ReserveTx(ctx context.Context, tx domain.Repositories, req domain.ReserveRequest) (domain.Reservation, bool, error) {
	if err := req.Validate(); err != nil {
		return domain.Reservation{}, false, err
	}
	now := s.clock.Now()

	existing, err := tx.Reservations().FindByExternalKey(ctx, req.Kind, req.ResourceID, req.CorrelationKey)
	switch {
	case err == nil && !existing.IsExpired(now):
		return existing, false, nil
	case err == nil:
		// Просроченный резерв того же ключа снимаем сразу, не дожидаясь sweep.
		if _, err := s.ExpireTx(ctx, tx, existing.ID); err != nil {
			return domain.Reservation{}, false, err
		}
	case !domain.IsNotFound(err):
		return domain.Reservation{}, false, err
	}

	switch req.Kind {
	case domain.ResourceKindCoupon:
		coupon, err := tx.Coupons().Get(ctx, req.ResourceID)
		if err != nil {
			return domain.Reservation{}, false, err
		}
		if err := coupon.Reserve(req.OwnerKey, req.CorrelationKey, req.Amount, now); err != nil {
			return domain.Reservation{}, false, fmt.Errorf("reserve coupon %s: %w", req.ResourceID, err)
		}
		if err := tx.Coupons().Save(ctx, coupon); err != nil {
			return domain.Reservation{}, false, err
		}
	case domain.ResourceKindStock:
		stock, err := tx.Stocks().Get(ctx, req.ResourceID)
		if err != nil {
			return domain.Reservation{}, false, err
		}
		if err := stock.Reserve(req.OwnerKey, req.Amount, now); err != nil {
			return domain.Reservation{}, false, fmt.Errorf("reserve stock %s: %w", req.ResourceID, err)
		}
		if err := tx.Stocks().Save(ctx, stock); err != nil {
			return domain.Reservation{}, false, err
		}
	}

	reservation := domain.NewReservation(s.newID(), req.Kind, req.ResourceID, req.OwnerKey, req.CorrelationKey, req.Amount, now, s.ttl)
	if err := tx.Reservations().Create(ctx, reservation); err != nil {
		return domain.Reservation{}, false, err
	}
	if err := s.Enqueue(ctx, tx, domain.EventTypeReservationReserved, reservation, ""); err != nil {
		return domain.Reservation{}, false, err
	}
	return reservation, true, nil
}

// ConfirmTx подтверждает резерв в переданной транзакции.
func (s *Service) ConfirmTx(ctx context.Context, tx domain.Repositories, reservationID, correlationKey string) (domain.Reservation, error) {
	now := s.clock.Now()

	reservation, err := tx.Reservations().Get(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if reservation.ExternalKey != correlationKey {
		return domain.Reservation{}, domain.ErrCorrelationMismatch
	}
	if reservation.IsExpired(now) {
		return domain.Reservation{}, domain.ErrReservationExpired
	}

	switch reservation.Kind {
	case domain.ResourceKindCoupon:
		coupon, err := tx.Coupons().Get(ctx, reservation.ResourceID)
		if err != nil {
			return domain.Reservation{}, err
		}
		if err := coupon.Confirm(correlationKey, now); err != nil {
			return domain.Reservation{}, fmt.Errorf("confirm coupon %s: %w", coupon.ID, err)
		}
		if err := tx.Coupons().Save(ctx, coupon); err != nil {
			return domain.Reservation{}, err
		}
	case domain.ResourceKindStock:
		stock, err := tx.Stocks().Get(ctx, reservation.ResourceID)
		if err != nil {
			return domain.Reservation{}, err
		}
		if err := stock.Commit(reservation.Amount, now); err != nil {
			return domain.Reservation{}, fmt.Errorf("commit stock %s: %w", stock.ID, err)
		}
		if err := tx.Stocks().Save(ctx, stock); err != nil {
			return domain.Reservation{}, err
		}
	}

	if _, err := tx.Reservations().Delete(ctx, reservation.ID); err != nil {
		return domain.Reservation{}, err
	}
	if err := s.Enqueue(ctx, tx, domain.EventTypeReservationConfirmed, reservation, ""); err != nil {
		return domain.Reservation{}, err
	}
	return reservation, nil
}

// CancelTx отменяет резерв в переданной транзакции и возвращает ресурс.
func (s *Service) CancelTx(ctx context.Context, tx domain.Repositories, reservationID, reason string) (domain.Reservation, error) {
	now := s.clock.Now()

	reservation, err := tx.Reservations().Get(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}

	switch reservation.Kind {
	case domain.ResourceKindCoupon:
		coupon, err := tx.Coupons().Get(ctx, reservation.ResourceID)
		if err != nil {
			return domain.Reservation{}, err
		}
		if coupon.CorrelationKey != reservation.ExternalKey {
			return domain.Reservation{}, domain.ErrCorrelationMismatch
		}
		if err := coupon.CancelReservation(now); err != nil {
			return domain.Reservation{}, fmt.Errorf("cancel coupon %s: %w", coupon.ID, err)
		}
		if err := tx.Coupons().Save(ctx, coupon); err != nil {
			return domain.Reservation{}, err
		}
	case domain.ResourceKindStock:
		stock, err := tx.Stocks().Get(ctx, reservation.ResourceID)
		if err != nil {
			return domain.Reservation{}, err
		}
		stock.Release(reservation.Amount, now)
		if err := tx.Stocks().Save(ctx, stock); err != nil {
			return domain.Reservation{}, err
		}
	}

	if _, err := tx.Reservations().Delete(ctx, reservation.ID); err != nil {
		return domain.Reservation{}, err
	}
	if err := s.Enqueue(ctx, tx, domain.EventTypeReservationCancelled, reservation, reason); err != nil {
		return domain.Reservation{}, err
	}
	return reservation, nil
}

// ExpireTx снимает просроченный резерв. Возвращает false без ошибки, если резерва
// уже нет или по авторитетной записи он ещё не истёк.
func (s *Service) ExpireTx(ctx context.Context, tx domain.Repositories, reservationID string) (bool, error) {
	now := s.clock.Now()

	reservation, err := tx.Reservations().Get(ctx, reservationID)
	if err != nil {
		if domain.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !reservation.IsExpired(now) {
		return false, nil
	}

	switch reservation.Kind {
	case domain.ResourceKindCoupon:
		coupon, err := tx.Coupons().Get(ctx, reservation.ResourceID)
		switch {
		case err == nil:
			if coupon.ReleaseExpired(reservation.ExternalKey, now) {
				if err := tx.Coupons().Save(ctx, coupon); err != nil {
					return false, err
				}
			}
		case !domain.IsNotFound(err):
			return false, err
		}
	case domain.ResourceKindStock:
		stock, err := tx.Stocks().Get(ctx, reservation.ResourceID)
		switch {
		case err == nil:
			stock.Release(reservation.Amount, now)
			if err := tx.Stocks().Save(ctx, stock); err != nil {
				return false, err
			}
		case !domain.IsNotFound(err):
			return false, err
		}
	}

	deleted, err := tx.Reservations().Delete(ctx, reservation.ID)
	if err != nil || !deleted {
		return false, err
	}
	if err := s.Enqueue(ctx, tx, domain.EventTypeReservationExpired, reservation, "expired"); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeTx отзывает подтверждённое использование купона (компенсация после
// подтверждения). Купон не в CONFIRMED — no-op.
func (s *Service) RevokeTx(ctx context.Context, tx domain.Repositories, couponID, correlationKey, reason string) (bool, error) {
	now := s.clock.Now()

	coupon, err := tx.Coupons().Get(ctx, couponID)
	if err != nil {
		return false, err
	}
	if coupon.Status != domain.ResourceStatusConfirmed {
		return false, nil
	}
	if err := coupon.RevokeUsage(correlationKey, now); err != nil {
		return false, fmt.Errorf("revoke coupon %s: %w", couponID, err)
	}
	if err := tx.Coupons().Save(ctx, coupon); err != nil {
		return false, err
	}

	revoked := domain.Reservation{
		Kind:        domain.ResourceKindCoupon,
		ResourceID:  coupon.ID,
		OwnerKey:    coupon.OwnerID,
		ExternalKey: correlationKey,
		CreatedAt:   now,
		ExpiresAt:   now,
	}
	if err := s.Enqueue(ctx, tx, domain.EventTypeReservationCancelled, revoked, reason); err != nil {
		return false, err
	}
	return true, nil
}

// Enqueue кладёт исходящее событие о резерве в outbox текущей транзакции
// вместе с контекстом трассировки.
func (s *Service) Enqueue(ctx context.Context, tx domain.Repositories, eventType string, reservation domain.Reservation, reason string) error {
	event := domain.NewReservationEvent(s.newID(), eventType, reservation, reason, s.clock.Now())
	msg, err := event.OutboxMessage()
	if err != nil {
		return err
	}
	msg.Headers = tracing.Inject(ctx)

	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}

// PutCache записывает ключ резерва с оставшимся TTL. Ошибка только логируется:
// durable sweep всё равно снимет резерв.
func (s *Service) PutCache(ctx context.Context, reservation domain.Reservation) {
	if s.cache == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
	defer cancel()

	if err := s.cache.Put(cacheCtx, reservation.ID, reservation.TTL(s.clock.Now())); err != nil {
		s.logger.WithError(err).WithField("reservation_id", reservation.ID).Warn("failed to cache reservation expiry")
	}
}

// DeleteCache удаляет ключ резерва из кэша. Ошибка только логируется.
func (s *Service) DeleteCache(ctx context.Context, reservationID string) {
	if s.cache == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
	defer cancel()

	if err := s.cache.Delete(cacheCtx, reservationID); err != nil {
		s.logger.WithError(err).WithField("reservation_id", reservationID).Warn("failed to delete reservation expiry key")
	}
}

func (s *Service) logFailure(command string, err error, fields log.Fields) {
	entry := s.logger.WithError(err).WithFields(fields).WithField("command", command)
	if domain.IsBusiness(err) {
		entry.Info("command rejected")
		return
	}
	entry.Warn("command failed")
}
