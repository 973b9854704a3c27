package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/memory"
)

const consumer = "stock-reservation"

var (
	testNow   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	testEvent = domain.InboundEvent{
		EventID:       "E1",
		EventType:     domain.EventTypeOrderCreated,
		CorrelationID: "O1",
		ResourceKind:  domain.ResourceKindStock,
		ResourceID:    "SKU-1",
		Amount:        2,
	}
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore(memory.WithClock(clock.NewMockClock(testNow)))
	if err := store.Stocks().Create(context.Background(), domain.Stock{ID: "SKU-1", Quantity: 10}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return store
}

func reserveStock(amount int64) domain.TxFunc {
	return func(ctx context.Context, tx domain.Repositories) error {
		stock, err := tx.Stocks().Get(ctx, "SKU-1")
		if err != nil {
			return err
		}
		if err := stock.Reserve("", amount, testNow); err != nil {
			return err
		}
		return tx.Stocks().Save(ctx, stock)
	}
}

func TestLedger_AppliesOnceAcrossRedeliveries(t *testing.T) {
	store := newStore(t)
	l := New(store, WithClock(clock.NewMockClock(testNow)))
	ctx := context.Background()

	calls := 0
	apply := func(ctx context.Context, tx domain.Repositories) error {
		calls++
		return reserveStock(2)(ctx, tx)
	}

	want := []Outcome{OutcomeApplied, OutcomeDuplicate, OutcomeDuplicate}
	for i, expected := range want {
		outcome, err := l.Process(ctx, consumer, testEvent, apply, nil)
		if err != nil {
			t.Fatalf("delivery %d: unexpected error: %v", i, err)
		}
		if outcome != expected {
			t.Fatalf("delivery %d: got=%s want=%s", i, outcome, expected)
		}
	}

	if calls != 1 {
		t.Fatalf("side effect applied %d times", calls)
	}
	stock, _ := store.Stocks().Get(ctx, "SKU-1")
	if stock.Reserved != 2 {
		t.Fatalf("unexpected reserved: %d", stock.Reserved)
	}
	entries := store.LedgerEntries("E1")
	if len(entries) != 1 || entries[0].Outcome != domain.ProcessedOutcomeApplied || !entries[0].ProcessedAt.Equal(testNow) {
		t.Fatalf("unexpected ledger: %+v", entries)
	}
}

func TestLedger_BusinessErrorIsRecorded(t *testing.T) {
	store := newStore(t)
	l := New(store)
	ctx := context.Background()

	var rejectedWith error
	onRejected := func(ctx context.Context, tx domain.Repositories, cause error) error {
		rejectedWith = cause
		_, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateTypeReservation,
			AggregateID:   "stock:SKU-1",
			EventType:     domain.EventTypeReservationFailed,
			Payload:       []byte(`{}`),
		})
		return err
	}

	// Резерв 4 проходит, затем доменная ошибка: мутация должна откатиться целиком.
	apply := func(ctx context.Context, tx domain.Repositories) error {
		if err := reserveStock(4)(ctx, tx); err != nil {
			return err
		}
		return reserveStock(100)(ctx, tx)
	}

	outcome, err := l.Process(ctx, consumer, testEvent, apply, onRejected)
	if err != nil {
		t.Fatalf("business error must not propagate: %v", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("unexpected outcome: %s", outcome)
	}
	if !errors.Is(rejectedWith, domain.ErrInsufficientAmount) {
		t.Fatalf("unexpected rejection cause: %v", rejectedWith)
	}

	stock, _ := store.Stocks().Get(ctx, "SKU-1")
	if stock.Reserved != 0 {
		t.Fatalf("rejected mutation leaked: reserved=%d", stock.Reserved)
	}
	entries := store.LedgerEntries("E1")
	if len(entries) != 1 || entries[0].Outcome != domain.ProcessedOutcomeRejected {
		t.Fatalf("unexpected ledger: %+v", entries)
	}
	if msgs := store.OutboxMessages(); len(msgs) != 1 || msgs[0].EventType != domain.EventTypeReservationFailed {
		t.Fatalf("failure event must be committed with the ledger row: %+v", msgs)
	}

	outcome, err = l.Process(ctx, consumer, testEvent, apply, onRejected)
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("redelivery of rejected event: outcome=%s err=%v", outcome, err)
	}
}

func TestLedger_InfrastructureErrorAllowsRetry(t *testing.T) {
	store := newStore(t)
	l := New(store)
	ctx := context.Background()

	outage := domain.MarkInfrastructure(errors.New("storage unavailable"))
	failing := func(ctx context.Context, tx domain.Repositories) error {
		if err := reserveStock(2)(ctx, tx); err != nil {
			return err
		}
		return outage
	}

	outcome, err := l.Process(ctx, consumer, testEvent, failing, nil)
	if !errors.Is(err, outage) || outcome != "" {
		t.Fatalf("unexpected result: outcome=%s err=%v", outcome, err)
	}
	if entries := store.LedgerEntries("E1"); len(entries) != 0 {
		t.Fatalf("ledger must roll back with the mutation: %+v", entries)
	}

	outcome, err = l.Process(ctx, consumer, testEvent, reserveStock(2), nil)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("retry after outage: outcome=%s err=%v", outcome, err)
	}
	stock, _ := store.Stocks().Get(ctx, "SKU-1")
	if stock.Reserved != 2 {
		t.Fatalf("unexpected reserved: %d", stock.Reserved)
	}
}

func TestLedger_VersionConflictIsNotRecorded(t *testing.T) {
	store := newStore(t)
	l := New(store)

	_, err := l.Process(context.Background(), consumer, testEvent, func(context.Context, domain.Repositories) error {
		return domain.ErrVersionConflict
	}, nil)
	if !domain.IsVersionConflict(err) {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries := store.LedgerEntries("E1"); len(entries) != 0 {
		t.Fatalf("retryable failure must not be recorded: %+v", entries)
	}
}

func TestLedger_ConcurrentInsertIsDuplicate(t *testing.T) {
	store := newStore(t)
	l := New(store)
	ctx := context.Background()

	// Другой экземпляр записал событие между проверкой и вставкой.
	racing := func(ctx context.Context, tx domain.Repositories) error {
		if err := reserveStock(2)(ctx, tx); err != nil {
			return err
		}
		return tx.ProcessedEvents().Insert(ctx, domain.ProcessedEvent{
			EventID:  "E1",
			Consumer: consumer,
			Outcome:  domain.ProcessedOutcomeApplied,
		})
	}

	outcome, err := l.Process(ctx, consumer, testEvent, racing, nil)
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("unexpected result: outcome=%s err=%v", outcome, err)
	}
	stock, _ := store.Stocks().Get(ctx, "SKU-1")
	if stock.Reserved != 0 {
		t.Fatalf("losing transaction must roll back: reserved=%d", stock.Reserved)
	}
}

func TestLedger_ConsumersAreIndependent(t *testing.T) {
	store := newStore(t)
	l := New(store)
	ctx := context.Background()
	noop := func(context.Context, domain.Repositories) error { return nil }

	if outcome, err := l.Process(ctx, "stock-reservation", testEvent, noop, nil); err != nil || outcome != OutcomeApplied {
		t.Fatalf("stock consumer: outcome=%s err=%v", outcome, err)
	}
	if outcome, err := l.Process(ctx, "coupon-reservation", testEvent, noop, nil); err != nil || outcome != OutcomeApplied {
		t.Fatalf("coupon consumer: outcome=%s err=%v", outcome, err)
	}
	if n := len(store.LedgerEntries("E1")); n != 2 {
		t.Fatalf("expected one row per consumer, got %d", n)
	}
}

func TestLedger_SeenAndRecord(t *testing.T) {
	store := newStore(t)
	l := New(store)
	ctx := context.Background()

	seen, err := l.Seen(ctx, consumer, "E1")
	if err != nil || seen {
		t.Fatalf("unexpected seen: %v err=%v", seen, err)
	}

	outcome, err := l.Record(ctx, consumer, testEvent, domain.ProcessedOutcomeApplied)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("record: outcome=%s err=%v", outcome, err)
	}
	outcome, err = l.Record(ctx, consumer, testEvent, domain.ProcessedOutcomeApplied)
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("second record: outcome=%s err=%v", outcome, err)
	}

	seen, err = l.Seen(ctx, consumer, "E1")
	if err != nil || !seen {
		t.Fatalf("unexpected seen: %v err=%v", seen, err)
	}
}

func TestLedger_RecordWithinCommitsTogether(t *testing.T) {
	store := newStore(t)
	l := New(store)
	ctx := context.Background()

	calls := 0
	within := func(ctx context.Context, tx domain.Repositories) error {
		calls++
		return reserveStock(2)(ctx, tx)
	}

	outcome, err := l.RecordWithin(ctx, consumer, testEvent, domain.ProcessedOutcomeRejected, within)
	if err != nil || outcome != OutcomeRejected {
		t.Fatalf("record: outcome=%s err=%v", outcome, err)
	}
	outcome, err = l.RecordWithin(ctx, consumer, testEvent, domain.ProcessedOutcomeRejected, within)
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("second record: outcome=%s err=%v", outcome, err)
	}

	stock, _ := store.Stocks().Get(ctx, "SKU-1")
	if stock.Reserved != 2 || calls != 1 {
		t.Fatalf("duplicate record must not repeat the side effect: reserved=%d calls=%d", stock.Reserved, calls)
	}

	failing := New(newStore(t))
	_, err = failing.RecordWithin(ctx, consumer, testEvent, domain.ProcessedOutcomeApplied, func(context.Context, domain.Repositories) error {
		return domain.MarkInfrastructure(errors.New("outbox unavailable"))
	})
	if err == nil {
		t.Fatal("expected error from within")
	}
	if seen, _ := failing.Seen(ctx, consumer, testEvent.EventID); seen {
		t.Fatal("ledger row must roll back with a failed side effect")
	}
}
