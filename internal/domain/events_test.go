package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeInboundEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name: "order created",
			raw:  `{"event_id":"E1","event_type":"order.created","correlation_id":"O1","resource_kind":"stock","resource_id":"SKU-1","amount":2}`,
		},
		{
			name: "payment approved",
			raw:  `{"event_id":"E2","event_type":"payment.approved","correlation_id":"O1"}`,
		},
		{
			name:    "malformed json",
			raw:     `{"event_id":`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "missing event id",
			raw:     `{"event_type":"order.cancelled","correlation_id":"O1"}`,
			wantErr: ErrEventIDRequired,
		},
		{
			name:    "unsupported type",
			raw:     `{"event_id":"E3","event_type":"order.shipped","correlation_id":"O1"}`,
			wantErr: ErrUnsupportedEvent,
		},
		{
			name:    "order created without amount",
			raw:     `{"event_id":"E4","event_type":"order.created","correlation_id":"O1","resource_kind":"coupon","resource_id":"C1"}`,
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "missing correlation",
			raw:     `{"event_id":"E5","event_type":"order.cancelled"}`,
			wantErr: ErrCorrelationKeyRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInboundEvent([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("unexpected error: got=%v want=%v", err, tt.wantErr)
			}
			if err != nil && KindOf(err) != KindValidation {
				t.Fatalf("decode errors must be validation errors, got %s", KindOf(err))
			}
		})
	}
}

func TestReservationEvent_OutboxMessage(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewReservation("R1", ResourceKindCoupon, "C1", "U1", "O1", 50000, now, time.Minute)

	event := NewReservationEvent("evt-1", EventTypeReservationConfirmed, r, "", now)
	msg, err := event.OutboxMessage()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.ID != "evt-1" || msg.AggregateID != "coupon:C1" || msg.EventType != EventTypeReservationConfirmed {
		t.Fatalf("unexpected outbox message: %+v", msg)
	}

	var decoded map[string]any
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	want := map[string]any{
		"schema_version": float64(EventSchemaVersion),
		"event_id":       "evt-1",
		"event_type":     EventTypeReservationConfirmed,
		"correlation_id": "O1",
		"resource_kind":  "coupon",
		"resource_id":    "C1",
		"reservation_id": "R1",
		"amount":         float64(50000),
		"timestamp":      "2025-03-01T12:00:00Z",
	}
	if diff := cmp.Diff(want, decoded); diff != "" {
		t.Fatalf("unexpected payload (-want +got):\n%s", diff)
	}
}
