package domain

import (
	"strings"
	"time"
)

// DefaultReservationTTL — время жизни резерва по умолчанию.
const DefaultReservationTTL = 5 * time.Minute

// ResourceKind различает виды дефицитных ресурсов.
type ResourceKind string

const (
	ResourceKindCoupon ResourceKind = "coupon"
	ResourceKindStock  ResourceKind = "stock"
)

// Valid проверяет, что вид ресурса поддерживается.
func (k ResourceKind) Valid() bool {
	return k == ResourceKindCoupon || k == ResourceKindStock
}

// LockKey возвращает ключ распределённой блокировки ресурса.
func LockKey(kind ResourceKind, resourceID string) string {
	return string(kind) + ":" + resourceID
}

// Reservation — ограниченный по времени захват ресурса под внешний ключ (обычно заказ).
// Запись создаётся резервом и удаляется подтверждением, отменой или истечением.
type Reservation struct {
	ID          string
	Kind        ResourceKind
	ResourceID  string
	OwnerKey    string
	ExternalKey string
	Amount      int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// NewReservation создаёт резерв с ExpiresAt = now + ttl.
func NewReservation(id string, kind ResourceKind, resourceID, ownerKey, externalKey string, amount int64, now time.Time, ttl time.Duration) Reservation {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return Reservation{
		ID:          id,
		Kind:        kind,
		ResourceID:  resourceID,
		OwnerKey:    ownerKey,
		ExternalKey: externalKey,
		Amount:      amount,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// IsExpired сообщает, что срок резерва прошёл (expiresAt < now).
func (r Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// TTL возвращает оставшееся время жизни резерва.
func (r Reservation) TTL(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// ReserveRequest — команда резерва ресурса.
type ReserveRequest struct {
	Kind           ResourceKind
	ResourceID     string
	OwnerKey       string
	CorrelationKey string
	Amount         int64
}

// Validate проверяет входные данные команды.
func (r ReserveRequest) Validate() error {
	if !r.Kind.Valid() {
		return ErrUnknownResourceKind
	}
	if strings.TrimSpace(r.ResourceID) == "" {
		return ErrResourceIDRequired
	}
	if strings.TrimSpace(r.CorrelationKey) == "" {
		return ErrCorrelationKeyRequired
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// ReserveResult — ответ на успешный резерв.
type ReserveResult struct {
	ReservationID string
	ExpiresAt     time.Time
}
