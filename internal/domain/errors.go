package domain

import (
	"github.com/cockroachdb/errors"
)

// Классы ошибок. Конкретные ошибки помечаются одним из классов через errors.Mark,
// поэтому KindOf работает и для обёрнутых ошибок.
var (
	// ErrValidation — некорректный ввод, повтор бессмыслен.
	ErrValidation = errors.New("validation error")
	// ErrConflict — ресурс не в ожидаемом состоянии либо не совпал владелец/correlation.
	ErrConflict = errors.New("conflict")
	// ErrLockBusy — блокировка ресурса не получена за отведённое время, можно повторить.
	ErrLockBusy = errors.New("resource lock busy")
	// ErrNotFound — ресурс или резерв отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrInfrastructure — хранилище, кэш или транспорт недоступны.
	ErrInfrastructure = errors.New("infrastructure unavailable")
	// ErrVersionConflict — optimistic lock: запись изменилась между чтением и сохранением.
	ErrVersionConflict = errors.New("version conflict")
)

var (
	ErrResourceIDRequired     = errors.Mark(errors.New("resource_id is required"), ErrValidation)
	ErrCorrelationKeyRequired = errors.Mark(errors.New("correlation key is required"), ErrValidation)
	ErrReservationIDRequired  = errors.Mark(errors.New("reservation_id is required"), ErrValidation)
	ErrInvalidAmount          = errors.Mark(errors.New("amount must be greater than zero"), ErrValidation)
	ErrUnknownResourceKind    = errors.Mark(errors.New("unknown resource kind"), ErrValidation)
	ErrEventIDRequired        = errors.Mark(errors.New("event_id is required"), ErrValidation)
	ErrUnsupportedEvent       = errors.Mark(errors.New("unsupported event type"), ErrValidation)
	ErrMalformedEvent         = errors.Mark(errors.New("malformed event payload"), ErrValidation)

	ErrOwnerMismatch       = errors.Mark(errors.New("owner mismatch"), ErrConflict)
	ErrInvalidStatus       = errors.Mark(errors.New("resource is not in the expected status"), ErrConflict)
	ErrNotStarted          = errors.Mark(errors.New("resource validity window has not started"), ErrConflict)
	ErrCouponExpired       = errors.Mark(errors.New("resource validity window has ended"), ErrConflict)
	ErrInsufficientAmount  = errors.Mark(errors.New("insufficient amount"), ErrConflict)
	ErrCorrelationMismatch = errors.Mark(errors.New("correlation key mismatch"), ErrConflict)
	ErrReservationExpired  = errors.Mark(errors.New("reservation has expired"), ErrConflict)
	ErrReservationExists   = errors.Mark(errors.New("reservation already exists"), ErrConflict)
	ErrResourceExists      = errors.Mark(errors.New("resource already exists"), ErrConflict)

	ErrCouponNotFound      = errors.Mark(errors.New("coupon not found"), ErrNotFound)
	ErrStockNotFound       = errors.Mark(errors.New("stock not found"), ErrNotFound)
	ErrReservationNotFound = errors.Mark(errors.New("reservation not found"), ErrNotFound)

	// ErrEventAlreadyProcessed — событие уже записано в idempotency ledger.
	ErrEventAlreadyProcessed = errors.New("event already processed")
	// ErrOutboxMessageNotFound — запись outbox не найдена при смене статуса.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
)

// ErrorKind — класс ошибки для принятия решения о повторе.
type ErrorKind string

const (
	KindValidation      ErrorKind = "VALIDATION"
	KindConflict        ErrorKind = "CONFLICT"
	KindLockBusy        ErrorKind = "LOCK_BUSY"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindVersionConflict ErrorKind = "VERSION_CONFLICT"
	KindInfrastructure  ErrorKind = "INFRASTRUCTURE"
)

// KindOf определяет класс ошибки. Непомеченные ошибки считаются инфраструктурными.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrLockBusy):
		return KindLockBusy
	case errors.Is(err, ErrVersionConflict):
		return KindVersionConflict
	default:
		return KindInfrastructure
	}
}

// IsBusiness сообщает, является ли ошибка ожидаемым доменным отказом.
// Такие отказы фиксируются в ledger и не повторяются при redelivery.
func IsBusiness(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConflict, KindNotFound:
		return true
	default:
		return false
	}
}

// IsRetryable сообщает, имеет ли смысл повторить операцию позже.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindLockBusy, KindVersionConflict, KindInfrastructure:
		return true
	default:
		return false
	}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound проверяет принадлежность ошибки к классу NotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsLockBusy проверяет, что блокировка не была получена.
func IsLockBusy(err error) bool {
	return errors.Is(err, ErrLockBusy)
}

// MarkInfrastructure помечает ошибку адаптера как инфраструктурную.
func MarkInfrastructure(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrInfrastructure)
}

// MarkConflict помечает ошибку как конфликт (используется после исчерпания retry по версии).
func MarkConflict(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrConflict)
}

// Failure — структурированный ответ об ошибке для синхронных вызовов.
type Failure struct {
	Code      string    `json:"code"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

var failureCodes = []struct {
	err  error
	code string
}{
	{ErrOwnerMismatch, "OWNER_MISMATCH"},
	{ErrInvalidStatus, "INVALID_STATUS"},
	{ErrNotStarted, "NOT_STARTED"},
	{ErrCouponExpired, "EXPIRED"},
	{ErrInsufficientAmount, "INSUFFICIENT_AMOUNT"},
	{ErrCorrelationMismatch, "CORRELATION_MISMATCH"},
	{ErrReservationExpired, "RESERVATION_EXPIRED"},
	{ErrReservationExists, "RESERVATION_EXISTS"},
	{ErrCouponNotFound, "COUPON_NOT_FOUND"},
	{ErrStockNotFound, "STOCK_NOT_FOUND"},
	{ErrReservationNotFound, "RESERVATION_NOT_FOUND"},
	{ErrInvalidAmount, "INVALID_AMOUNT"},
	{ErrLockBusy, "LOCK_BUSY"},
}

// FailureOf преобразует ошибку в структурированный ответ.
func FailureOf(err error) Failure {
	if err == nil {
		return Failure{}
	}

	kind := KindOf(err)
	failure := Failure{
		Code:      string(kind),
		Kind:      kind,
		Message:   err.Error(),
		Retryable: IsRetryable(err),
	}
	for _, fc := range failureCodes {
		if errors.Is(err, fc.err) {
			failure.Code = fc.code
			break
		}
	}
	if kind == KindInfrastructure {
		// Детали инфраструктуры наружу не отдаём.
		failure.Message = "temporarily unavailable, try again shortly"
	}
	return failure
}
