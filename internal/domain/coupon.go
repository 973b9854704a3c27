package domain

import "time"

// ResourceStatus описывает жизненный цикл дефицитного ресурса (купона).
type ResourceStatus string

const (
	// ResourceStatusAvailable — ресурс свободен и может быть зарезервирован.
	ResourceStatusAvailable ResourceStatus = "available"
	// ResourceStatusReserved — ресурс временно закреплён за заказом.
	ResourceStatusReserved ResourceStatus = "reserved"
	// ResourceStatusConfirmed — резерв подтверждён, ресурс использован.
	ResourceStatusConfirmed ResourceStatus = "confirmed"
	// ResourceStatusCancelled — использование отозвано компенсацией.
	ResourceStatusCancelled ResourceStatus = "cancelled"
	// ResourceStatusExpired — срок действия ресурса истёк (терминальное состояние).
	ResourceStatusExpired ResourceStatus = "expired"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s ResourceStatus) Valid() bool {
	switch s {
	case ResourceStatusAvailable, ResourceStatusReserved, ResourceStatusConfirmed,
		ResourceStatusCancelled, ResourceStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса больше нет переходов.
func (s ResourceStatus) Terminal() bool {
	switch s {
	case ResourceStatusCancelled, ResourceStatusExpired:
		return true
	default:
		return false
	}
}

// Coupon — купон пользователя с одним активным резервом.
type Coupon struct {
	ID      string
	OwnerID string
	Status  ResourceStatus
	// MinOrderAmount — минимальная сумма заказа в минимальных денежных единицах.
	MinOrderAmount int64
	// ValidFrom/ValidUntil — окно действия; нулевое значение означает отсутствие границы.
	ValidFrom  time.Time
	ValidUntil time.Time
	// CorrelationKey фиксируется при резерве и сверяется при подтверждении.
	CorrelationKey string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Reserve переводит купон AVAILABLE → RESERVED.
func (c *Coupon) Reserve(ownerKey, correlationKey string, amount int64, now time.Time) error {
	if correlationKey == "" {
		return ErrCorrelationKeyRequired
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if c.OwnerID != "" && c.OwnerID != ownerKey {
		return ErrOwnerMismatch
	}
	if c.Status != ResourceStatusAvailable {
		return ErrInvalidStatus
	}
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return ErrNotStarted
	}
	if c.windowClosed(now) {
		return ErrCouponExpired
	}
	if amount < c.MinOrderAmount {
		return ErrInsufficientAmount
	}

	c.Status = ResourceStatusReserved
	c.CorrelationKey = correlationKey
	c.UpdatedAt = now
	return nil
}

// Confirm переводит RESERVED → CONFIRMED при совпадении correlation key.
func (c *Coupon) Confirm(correlationKey string, now time.Time) error {
	if c.Status != ResourceStatusReserved {
		return ErrInvalidStatus
	}
	if c.CorrelationKey != correlationKey {
		return ErrCorrelationMismatch
	}

	c.Status = ResourceStatusConfirmed
	c.UpdatedAt = now
	return nil
}

// CancelReservation возвращает купон RESERVED → AVAILABLE.
func (c *Coupon) CancelReservation(now time.Time) error {
	if c.Status != ResourceStatusReserved {
		return ErrInvalidStatus
	}

	c.Status = ResourceStatusAvailable
	c.CorrelationKey = ""
	c.UpdatedAt = now
	return nil
}

// ReleaseExpired снимает просроченный резерв. Купон возвращается в AVAILABLE,
// а если окно действия уже закрыто — переходит в EXPIRED.
// Возвращает false, если купон удерживается другим резервом или уже не RESERVED.
func (c *Coupon) ReleaseExpired(correlationKey string, now time.Time) bool {
	if c.Status != ResourceStatusReserved || c.CorrelationKey != correlationKey {
		return false
	}

	c.CorrelationKey = ""
	c.UpdatedAt = now
	if c.windowClosed(now) {
		c.Status = ResourceStatusExpired
		return true
	}
	c.Status = ResourceStatusAvailable
	return true
}

// Expire закрывает купон, чьё окно действия прошло. Подтверждённые и терминальные
// купоны не трогаем.
func (c *Coupon) Expire(now time.Time) bool {
	if !c.windowClosed(now) {
		return false
	}
	switch c.Status {
	case ResourceStatusAvailable, ResourceStatusReserved:
		c.Status = ResourceStatusExpired
		c.CorrelationKey = ""
		c.UpdatedAt = now
		return true
	default:
		return false
	}
}

// RevokeUsage отзывает подтверждённое использование CONFIRMED → CANCELLED
// (компенсация после подтверждения).
func (c *Coupon) RevokeUsage(correlationKey string, now time.Time) error {
	if c.Status != ResourceStatusConfirmed {
		return ErrInvalidStatus
	}
	if c.CorrelationKey != correlationKey {
		return ErrCorrelationMismatch
	}

	c.Status = ResourceStatusCancelled
	c.UpdatedAt = now
	return nil
}

func (c *Coupon) windowClosed(now time.Time) bool {
	return !c.ValidUntil.IsZero() && now.After(c.ValidUntil)
}
