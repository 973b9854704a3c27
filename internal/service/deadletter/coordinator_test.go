package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/ledger"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/memory"
)

func TestCoordinator_DiscardsProcessedEvent(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	guard := ledger.New(store)
	event := domain.InboundEvent{EventID: "E1", EventType: domain.EventTypeOrderCancelled, CorrelationID: "O1"}
	if _, err := guard.Record(context.Background(), "coupon-reservation", event, domain.ProcessedOutcomeApplied); err != nil {
		t.Fatalf("record: %v", err)
	}

	publisher := &stubRepublisher{}
	coordinator := NewCoordinator(publisher, guard, WithBackoff(0))

	result, err := coordinator.Handle(context.Background(), newDeadLetter("coupon-reservation", "E1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultDiscarded {
		t.Fatalf("unexpected result: %s", result)
	}
	if publisher.calls() != 0 {
		t.Fatalf("processed event must not be republished, got %d sends", publisher.calls())
	}
}

func TestCoordinator_RepublishesUnprocessedEvent(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	publisher := &stubRepublisher{}
	coordinator := NewCoordinator(publisher, ledger.New(store), WithBackoff(0))

	dl := newDeadLetter("stock-reservation", "E2")
	result, err := coordinator.Handle(context.Background(), dl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultRepublished {
		t.Fatalf("unexpected result: %s", result)
	}

	sent := publisher.sent[0]
	if sent.topic != dl.OriginalTopic || sent.key != dl.OriginalKey || string(sent.value) != dl.OriginalValue {
		t.Fatalf("unexpected republished message: %+v", sent)
	}
	if sent.headers[HeaderRetryCount] != "3" || sent.headers["traceparent"] == "" {
		t.Fatalf("unexpected headers: %v", sent.headers)
	}
}

func TestCoordinator_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	publisher := &stubRepublisher{errs: []error{errors.New("broker down"), errors.New("broker down")}}
	coordinator := NewCoordinator(publisher, nil, WithAttempts(3), WithBackoff(time.Millisecond))

	result, err := coordinator.Handle(context.Background(), newDeadLetter("coupon-reservation", "E3"))
	if err != nil || result != ResultRepublished {
		t.Fatalf("unexpected outcome: result=%s err=%v", result, err)
	}
	if publisher.calls() != 3 {
		t.Fatalf("expected 3 sends, got %d", publisher.calls())
	}
}

func TestCoordinator_ExhaustedAttemptsLeaveRecordUnacked(t *testing.T) {
	t.Parallel()

	publisher := &stubRepublisher{fail: errors.New("broker down")}
	coordinator := NewCoordinator(publisher, nil, WithAttempts(2), WithBackoff(0))

	result, err := coordinator.Handle(context.Background(), newDeadLetter("coupon-reservation", "E4"))
	if err == nil {
		t.Fatal("expected error")
	}
	if result != ResultFailed || publisher.calls() != 2 {
		t.Fatalf("unexpected outcome: result=%s sends=%d", result, publisher.calls())
	}
}

func TestCoordinator_LedgerFailureIsRetried(t *testing.T) {
	t.Parallel()

	publisher := &stubRepublisher{}
	coordinator := NewCoordinator(publisher, failingChecker{}, WithBackoff(0))

	if _, err := coordinator.Handle(context.Background(), newDeadLetter("coupon-reservation", "E5")); err == nil {
		t.Fatal("expected ledger error")
	}
	if publisher.calls() != 0 {
		t.Fatal("nothing must be republished when the ledger is unavailable")
	}
}

func TestCoordinator_HandleRecord(t *testing.T) {
	t.Parallel()

	publisher := &stubRepublisher{}
	coordinator := NewCoordinator(publisher, nil, WithBackoff(0))

	result, err := coordinator.HandleRecord(context.Background(), []byte(`{"original_key":"O1"}`))
	if err != nil || result != ResultMalformed {
		t.Fatalf("malformed record must be acked: result=%s err=%v", result, err)
	}

	raw, err := newDeadLetter("coupon-reservation", "E6").Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	result, err = coordinator.HandleRecord(context.Background(), raw)
	if err != nil || result != ResultRepublished {
		t.Fatalf("unexpected outcome: result=%s err=%v", result, err)
	}
}

func TestCoordinator_ParksNonRetryableRecords(t *testing.T) {
	t.Parallel()

	unsupported := newDeadLetter("stock-reservation", "")
	unsupported.OriginalValue = `{"event_type":"order.shipped","correlation_id":"O1"}`
	unsupported.ErrorMessage = `unsupported event type: "order.shipped"`
	unsupported.ErrorKind = domain.KindValidation
	unsupported.RetryCount = 1

	conflict := newDeadLetter("coupon-reservation", "E7")
	conflict.ErrorKind = domain.KindConflict

	for name, dl := range map[string]domain.DeadLetter{"validation": unsupported, "conflict": conflict} {
		t.Run(name, func(t *testing.T) {
			publisher := &stubRepublisher{}
			coordinator := NewCoordinator(publisher, ledger.New(memory.NewStore()), WithBackoff(0))

			result, err := coordinator.Handle(context.Background(), dl)
			if err != nil {
				t.Fatalf("parked record must be acked: %v", err)
			}
			if result != ResultNonRetryable {
				t.Fatalf("unexpected result: %s", result)
			}
			if publisher.calls() != 0 {
				t.Fatalf("deterministic failure must not be republished, got %d sends", publisher.calls())
			}
		})
	}
}

func TestCoordinator_ParksAfterMaxRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		kind       domain.ErrorKind
		retryCount int
		want       string
	}{
		{name: "below cap", kind: domain.KindLockBusy, retryCount: 4, want: ResultRepublished},
		{name: "at cap", kind: domain.KindLockBusy, retryCount: 5, want: ResultExhausted},
		{name: "envelope without kind", retryCount: 100000, want: ResultExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := newDeadLetter("stock-reservation", "E8")
			dl.ErrorKind = tt.kind
			dl.RetryCount = tt.retryCount

			publisher := &stubRepublisher{}
			coordinator := NewCoordinator(publisher, nil, WithBackoff(0), WithMaxRetries(5))

			result, err := coordinator.Handle(context.Background(), dl)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.want {
				t.Fatalf("unexpected result: got=%s want=%s", result, tt.want)
			}
			wantSends := 0
			if tt.want == ResultRepublished {
				wantSends = 1
			}
			if publisher.calls() != wantSends {
				t.Fatalf("unexpected sends: got=%d want=%d", publisher.calls(), wantSends)
			}
		})
	}
}

func newDeadLetter(consumer, eventID string) domain.DeadLetter {
	return domain.DeadLetter{
		OriginalTopic: "orders.events",
		OriginalKey:   "O1",
		OriginalValue: `{"event_id":"` + eventID + `","event_type":"order.cancelled","correlation_id":"O1"}`,
		Headers:       map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
		Consumer:      consumer,
		EventID:       eventID,
		ErrorMessage:  "dial tcp: refused",
		ErrorKind:     domain.KindInfrastructure,
		FailedAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		RetryCount:    3,
	}
}

type sentMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type stubRepublisher struct {
	mu   sync.Mutex
	errs []error
	fail error
	sent []sentMessage
	n    int
}

func (s *stubRepublisher) Send(_ context.Context, topic, key string, value []byte, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.n++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, sentMessage{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (s *stubRepublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type failingChecker struct{}

func (failingChecker) Seen(context.Context, string, string) (bool, error) {
	return false, errors.New("postgres unavailable")
}

var _ Republisher = (*stubRepublisher)(nil)
