package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/memory"
)

func TestStore_WithinTxCommitsAndRollsBack(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	if err := store.Stocks().Create(ctx, domain.Stock{ID: "SKU-1", Quantity: 10}); err != nil {
		t.Fatalf("create stock failed: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		stock, err := tx.Stocks().Get(ctx, "SKU-1")
		if err != nil {
			return err
		}
		stock.Reserved = 5
		if err := tx.Stocks().Save(ctx, stock); err != nil {
			return err
		}
		if _, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{EventType: "reservation.reserved"}); err != nil {
			return err
		}

		inside, err := tx.Stocks().Get(ctx, "SKU-1")
		if err != nil || inside.Reserved != 5 {
			t.Fatalf("tx must see its own writes: %+v err=%v", inside, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("unexpected error: %v", err)
	}

	stock, err := store.Stocks().Get(ctx, "SKU-1")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock.Reserved != 0 || stock.Version != 0 {
		t.Fatalf("rolled back tx leaked state: %+v", stock)
	}
	if msgs := store.OutboxMessages(); len(msgs) != 0 {
		t.Fatalf("rolled back tx leaked outbox rows: %d", len(msgs))
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		stock, err := tx.Stocks().Get(ctx, "SKU-1")
		if err != nil {
			return err
		}
		stock.Reserved = 3
		if err := tx.Stocks().Save(ctx, stock); err != nil {
			return err
		}
		_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{EventType: "reservation.reserved"})
		return err
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	stock, _ = store.Stocks().Get(ctx, "SKU-1")
	if stock.Reserved != 3 || stock.Version != 1 {
		t.Fatalf("unexpected committed stock: %+v", stock)
	}
	if msgs := store.OutboxMessages(); len(msgs) != 1 {
		t.Fatalf("expected 1 outbox row, got %d", len(msgs))
	}
}

func TestStore_VersionConflict(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	coupon := domain.Coupon{ID: "C1", Status: domain.ResourceStatusAvailable}
	if err := store.Coupons().Create(ctx, coupon); err != nil {
		t.Fatalf("create coupon failed: %v", err)
	}
	if err := store.Coupons().Create(ctx, coupon); !errors.Is(err, domain.ErrResourceExists) {
		t.Fatalf("expected ErrResourceExists, got %v", err)
	}

	first, _ := store.Coupons().Get(ctx, "C1")
	second, _ := store.Coupons().Get(ctx, "C1")

	first.Status = domain.ResourceStatusReserved
	if err := store.Coupons().Save(ctx, first); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	second.Status = domain.ResourceStatusExpired
	if err := store.Coupons().Save(ctx, second); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale save must conflict, got %v", err)
	}

	stored, _ := store.Coupons().Get(ctx, "C1")
	if stored.Status != domain.ResourceStatusReserved || stored.Version != 1 {
		t.Fatalf("unexpected stored coupon: %+v", stored)
	}

	if _, err := store.Coupons().Get(ctx, "missing"); !errors.Is(err, domain.ErrCouponNotFound) {
		t.Fatalf("expected ErrCouponNotFound, got %v", err)
	}
}

func TestStore_StockSaveRejectsNegativeAvailable(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	_ = store.Stocks().Create(ctx, domain.Stock{ID: "SKU-1", Quantity: 2})
	stock, _ := store.Stocks().Get(ctx, "SKU-1")
	stock.Reserved = 3

	if err := store.Stocks().Save(ctx, stock); !errors.Is(err, domain.ErrInsufficientAmount) {
		t.Fatalf("expected ErrInsufficientAmount, got %v", err)
	}
}

func TestStore_WithinTxCancelledContext(t *testing.T) {
	store := memory.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.WithinTx(ctx, func(context.Context, domain.Repositories) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("unexpected result: err=%v called=%v", err, called)
	}
}

func TestReservationRepository(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := store.Reservations()

	r1 := domain.NewReservation("R1", domain.ResourceKindCoupon, "C1", "U1", "O1", 50000, now, time.Minute)
	r2 := domain.NewReservation("R2", domain.ResourceKindStock, "SKU-1", "", "O1", 2, now.Add(time.Second), 2*time.Minute)
	r3 := domain.NewReservation("R3", domain.ResourceKindStock, "SKU-1", "", "O2", 1, now, 10*time.Minute)

	for _, r := range []domain.Reservation{r1, r2, r3} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("create %s failed: %v", r.ID, err)
		}
	}

	dup := domain.NewReservation("R4", domain.ResourceKindCoupon, "C1", "U1", "O1", 50000, now, time.Minute)
	if err := repo.Create(ctx, dup); !errors.Is(err, domain.ErrReservationExists) {
		t.Fatalf("expected ErrReservationExists, got %v", err)
	}

	found, err := repo.FindByExternalKey(ctx, domain.ResourceKindStock, "SKU-1", "O2")
	if err != nil || found.ID != "R3" {
		t.Fatalf("unexpected lookup result: %+v err=%v", found, err)
	}
	if _, err := repo.FindByExternalKey(ctx, domain.ResourceKindStock, "SKU-1", "O3"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}

	byOrder, err := repo.ListByExternalKey(ctx, "O1")
	if err != nil {
		t.Fatalf("list by external key failed: %v", err)
	}
	if len(byOrder) != 2 || byOrder[0].ID != "R1" || byOrder[1].ID != "R2" {
		t.Fatalf("unexpected reservations for O1: %+v", byOrder)
	}

	expired, err := repo.ListExpired(ctx, now.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("list expired failed: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != "R1" || expired[1].ID != "R2" {
		t.Fatalf("unexpected expired reservations: %+v", expired)
	}
	limited, _ := repo.ListExpired(ctx, now.Add(time.Hour), 1)
	if len(limited) != 1 || limited[0].ID != "R1" {
		t.Fatalf("limit not applied: %+v", limited)
	}

	deleted, err := repo.Delete(ctx, "R1")
	if err != nil || !deleted {
		t.Fatalf("delete failed: deleted=%v err=%v", deleted, err)
	}
	deleted, err = repo.Delete(ctx, "R1")
	if err != nil || deleted {
		t.Fatalf("second delete must be a no-op: deleted=%v err=%v", deleted, err)
	}
	if _, err := repo.Get(ctx, "R1"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}
