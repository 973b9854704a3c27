package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventSchemaVersion — текущая версия схемы исходящих событий резерва.
const EventSchemaVersion = 1

// Типы входящих событий.
const (
	EventTypeOrderCreated         = "order.created"
	EventTypePaymentApproved      = "payment.approved"
	EventTypeOrderCancelled       = "order.cancelled"
	EventTypeDeliveryCompensation = "delivery.compensation"
)

// Типы исходящих событий.
const (
	EventTypeReservationReserved  = "reservation.reserved"
	EventTypeReservationConfirmed = "reservation.confirmed"
	EventTypeReservationFailed    = "reservation.failed"
	EventTypeReservationCancelled = "reservation.cancelled"
	EventTypeReservationExpired   = "reservation.expired"
)

// AggregateTypeReservation — тип агрегата для outbox-записей.
const AggregateTypeReservation = "reservation"

// InboundEvent — событие других сервисов, на которое реагирует ядро резервов.
type InboundEvent struct {
	SchemaVersion int          `json:"schema_version,omitempty"`
	EventID       string       `json:"event_id"`
	EventType     string       `json:"event_type"`
	CorrelationID string       `json:"correlation_id"`
	ResourceKind  ResourceKind `json:"resource_kind,omitempty"`
	ResourceID    string       `json:"resource_id,omitempty"`
	OwnerKey      string       `json:"owner_key,omitempty"`
	Amount        int64        `json:"amount,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

// Validate проверяет обязательные поля входящего события.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return ErrEventIDRequired
	}
	switch e.EventType {
	case EventTypeOrderCreated:
		if !e.ResourceKind.Valid() {
			return ErrUnknownResourceKind
		}
		if e.ResourceID == "" {
			return ErrResourceIDRequired
		}
		if e.Amount <= 0 {
			return ErrInvalidAmount
		}
	case EventTypePaymentApproved, EventTypeOrderCancelled, EventTypeDeliveryCompensation:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEvent, e.EventType)
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return ErrCorrelationKeyRequired
	}
	return nil
}

// DecodeInboundEvent разбирает JSON входящего события.
func DecodeInboundEvent(raw []byte) (InboundEvent, error) {
	var event InboundEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := event.Validate(); err != nil {
		return InboundEvent{}, err
	}
	return event, nil
}

// ReservationEvent — исходящее событие о смене состояния резерва.
type ReservationEvent struct {
	SchemaVersion int          `json:"schema_version"`
	EventID       string       `json:"event_id"`
	EventType     string       `json:"event_type"`
	CorrelationID string       `json:"correlation_id"`
	ResourceKind  ResourceKind `json:"resource_kind"`
	ResourceID    string       `json:"resource_id"`
	ReservationID string       `json:"reservation_id,omitempty"`
	Amount        int64        `json:"amount"`
	Reason        string       `json:"reason,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// NewReservationEvent собирает событие по резерву.
func NewReservationEvent(eventID, eventType string, r Reservation, reason string, now time.Time) ReservationEvent {
	return ReservationEvent{
		SchemaVersion: EventSchemaVersion,
		EventID:       eventID,
		EventType:     eventType,
		CorrelationID: r.ExternalKey,
		ResourceKind:  r.Kind,
		ResourceID:    r.ResourceID,
		ReservationID: r.ID,
		Amount:        r.Amount,
		Reason:        reason,
		Timestamp:     now.UTC(),
	}
}

// OutboxMessage превращает событие в outbox-запись.
func (e ReservationEvent) OutboxMessage() (OutboxMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal reservation event: %w", err)
	}

	// Ключ агрегата — ресурс, чтобы события одного ресурса шли в одну партицию.
	return OutboxMessage{
		ID:            e.EventID,
		AggregateType: AggregateTypeReservation,
		AggregateID:   LockKey(e.ResourceKind, e.ResourceID),
		EventType:     e.EventType,
		Payload:       payload,
	}, nil
}
