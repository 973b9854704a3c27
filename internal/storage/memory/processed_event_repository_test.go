package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/memory"
)

func TestProcessedEventRepository_InsertAndExists(t *testing.T) {
	store := memory.NewStore()
	repo := store.ProcessedEvents()
	ctx := context.Background()

	exists, err := repo.Exists(ctx, "stock-reservation", "E1")
	if err != nil || exists {
		t.Fatalf("unexpected exists result: exists=%v err=%v", exists, err)
	}

	event := domain.ProcessedEvent{
		EventID:   "E1",
		EventType: domain.EventTypeOrderCreated,
		Consumer:  "stock-reservation",
		Outcome:   domain.ProcessedOutcomeApplied,
	}
	if err := repo.Insert(ctx, event); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := repo.Insert(ctx, event); !errors.Is(err, domain.ErrEventAlreadyProcessed) {
		t.Fatalf("expected ErrEventAlreadyProcessed, got %v", err)
	}

	other := event
	other.Consumer = "coupon-reservation"
	if err := repo.Insert(ctx, other); err != nil {
		t.Fatalf("other consumer must have its own namespace: %v", err)
	}

	exists, err = repo.Exists(ctx, "stock-reservation", "E1")
	if err != nil || !exists {
		t.Fatalf("unexpected exists result: exists=%v err=%v", exists, err)
	}

	entries := store.LedgerEntries("E1")
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	if entries[1].ProcessedAt.IsZero() {
		t.Fatal("processed_at should be filled")
	}

	if err := repo.Insert(ctx, domain.ProcessedEvent{Consumer: "stock-reservation"}); !errors.Is(err, domain.ErrEventIDRequired) {
		t.Fatalf("expected ErrEventIDRequired, got %v", err)
	}
}

func TestProcessedEventRepository_DeleteRejectedBefore(t *testing.T) {
	store := memory.NewStore()
	repo := store.ProcessedEvents()
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []struct {
		id      string
		outcome domain.ProcessedOutcome
		at      time.Time
	}{
		{id: "E1", outcome: domain.ProcessedOutcomeRejected, at: base},
		{id: "E2", outcome: domain.ProcessedOutcomeApplied, at: base.Add(10 * time.Minute)},
		{id: "E3", outcome: domain.ProcessedOutcomeRejected, at: base.Add(time.Hour)},
		{id: "E4", outcome: domain.ProcessedOutcomeRejected, at: base.Add(2 * time.Hour)},
	}
	for _, e := range entries {
		if err := repo.Insert(ctx, domain.ProcessedEvent{
			EventID:     e.id,
			Consumer:    "stock-reservation",
			Outcome:     e.outcome,
			ProcessedAt: e.at,
		}); err != nil {
			t.Fatalf("insert %s: %v", e.id, err)
		}
	}
	cutoff := base.Add(90 * time.Minute)

	if deleted, err := repo.DeleteRejectedBefore(ctx, cutoff, 0); err != nil || deleted != 0 {
		t.Fatalf("zero limit must be a no-op: deleted=%d err=%v", deleted, err)
	}

	deleted, err := repo.DeleteRejectedBefore(ctx, cutoff, 1)
	if err != nil || deleted != 1 {
		t.Fatalf("unexpected first batch: deleted=%d err=%v", deleted, err)
	}
	if len(store.LedgerEntries("E1")) != 0 {
		t.Fatal("oldest rejected entry must be pruned first")
	}

	deleted, err = repo.DeleteRejectedBefore(ctx, cutoff, 10)
	if err != nil || deleted != 1 {
		t.Fatalf("unexpected second batch: deleted=%d err=%v", deleted, err)
	}
	if len(store.LedgerEntries("E2")) != 1 {
		t.Fatal("applied entry must never be pruned")
	}
	if len(store.LedgerEntries("E4")) != 1 {
		t.Fatal("entry newer than cutoff must stay")
	}
}
