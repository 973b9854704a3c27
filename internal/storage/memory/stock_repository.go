package memory

import (
	"context"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

type stockRepository struct {
	scope *scope
}

var _ domain.StockRepository = (*stockRepository)(nil)

func (r *stockRepository) Create(_ context.Context, stock domain.Stock) error {
	if stock.Quantity < 0 || stock.Reserved < 0 || stock.Available() < 0 {
		return domain.ErrInvalidAmount
	}

	now := r.scope.store.clock.Now()
	return r.scope.run(func(st *state) error {
		if _, ok := st.stocks[stock.ID]; ok {
			return domain.ErrResourceExists
		}
		if stock.CreatedAt.IsZero() {
			stock.CreatedAt = now
		}
		if stock.UpdatedAt.IsZero() {
			stock.UpdatedAt = stock.CreatedAt
		}
		st.stocks[stock.ID] = stock
		return nil
	})
}

func (r *stockRepository) Get(_ context.Context, id string) (domain.Stock, error) {
	var stock domain.Stock
	err := r.scope.run(func(st *state) error {
		stored, ok := st.stocks[id]
		if !ok {
			return domain.ErrStockNotFound
		}
		stock = stored
		return nil
	})
	return stock, err
}

func (r *stockRepository) Save(_ context.Context, stock domain.Stock) error {
	return r.scope.run(func(st *state) error {
		stored, ok := st.stocks[stock.ID]
		if !ok {
			return domain.ErrStockNotFound
		}
		if stored.Version != stock.Version {
			return domain.ErrVersionConflict
		}
		if stock.Available() < 0 || stock.Reserved < 0 {
			return domain.ErrInsufficientAmount
		}
		stock.Version++
		stock.CreatedAt = stored.CreatedAt
		st.stocks[stock.ID] = stock
		return nil
	})
}
