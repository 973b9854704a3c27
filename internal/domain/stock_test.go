package domain

import (
	"errors"
	"testing"
	"time"
)

func TestStock_Reserve(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		stock        Stock
		owner        string
		amount       int64
		wantErr      error
		wantReserved int64
	}{
		{name: "ok", stock: Stock{ID: "SKU-1", Quantity: 10, Reserved: 2}, amount: 3, wantReserved: 5},
		{name: "exact remaining", stock: Stock{ID: "SKU-1", Quantity: 10, Reserved: 9}, amount: 1, wantReserved: 10},
		{name: "insufficient", stock: Stock{ID: "SKU-1", Quantity: 10, Reserved: 9}, amount: 2, wantErr: ErrInsufficientAmount, wantReserved: 9},
		{name: "zero amount", stock: Stock{ID: "SKU-1", Quantity: 10}, amount: 0, wantErr: ErrInvalidAmount},
		{name: "owner mismatch", stock: Stock{ID: "SKU-1", OwnerID: "seller-1", Quantity: 10}, owner: "seller-2", amount: 1, wantErr: ErrOwnerMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stock := tt.stock
			err := stock.Reserve(tt.owner, tt.amount, now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("unexpected error: got=%v want=%v", err, tt.wantErr)
			}
			if stock.Reserved != tt.wantReserved {
				t.Fatalf("unexpected reserved: got=%d want=%d", stock.Reserved, tt.wantReserved)
			}
			if stock.Available() < 0 {
				t.Fatalf("available went negative: %d", stock.Available())
			}
		})
	}
}

func TestStock_CommitAndRelease(t *testing.T) {
	now := time.Now()
	stock := Stock{ID: "SKU-1", Quantity: 10, Reserved: 4}

	if err := stock.Commit(5, now); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("commit above reserved: got=%v want=%v", err, ErrInvalidStatus)
	}
	if err := stock.Commit(3, now); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if stock.Quantity != 7 || stock.Reserved != 1 {
		t.Fatalf("unexpected stock after commit: %+v", stock)
	}

	stock.Release(5, now)
	if stock.Reserved != 0 {
		t.Fatalf("release must clamp at zero, got %d", stock.Reserved)
	}
	if stock.Available() != 7 {
		t.Fatalf("unexpected available: %d", stock.Available())
	}
}
