package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

type stockRepository struct {
	q queryer
}

var _ domain.StockRepository = (*stockRepository)(nil)

func (r *stockRepository) Create(ctx context.Context, stock domain.Stock) error {
	if stock.Quantity < 0 || stock.Reserved < 0 || stock.Available() < 0 {
		return domain.ErrInvalidAmount
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if stock.CreatedAt.IsZero() {
		stock.CreatedAt = now
	}
	if stock.UpdatedAt.IsZero() {
		stock.UpdatedAt = stock.CreatedAt
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO stocks (id, owner_id, quantity, reserved, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, stock.ID, stock.OwnerID, stock.Quantity, stock.Reserved, stock.Version, stock.CreatedAt, stock.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrResourceExists
		}
		return fmt.Errorf("insert stock: %w", err)
	}
	return nil
}

func (r *stockRepository) Get(ctx context.Context, id string) (domain.Stock, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var stock domain.Stock
	err := r.q.QueryRowContext(ctx, `
		SELECT id, owner_id, quantity, reserved, version, created_at, updated_at
		FROM stocks
		WHERE id = $1
	`, id).Scan(&stock.ID, &stock.OwnerID, &stock.Quantity, &stock.Reserved, &stock.Version, &stock.CreatedAt, &stock.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Stock{}, domain.ErrStockNotFound
		}
		return domain.Stock{}, fmt.Errorf("select stock: %w", err)
	}

	stock.CreatedAt = stock.CreatedAt.UTC()
	stock.UpdatedAt = stock.UpdatedAt.UTC()
	return stock, nil
}

func (r *stockRepository) Save(ctx context.Context, stock domain.Stock) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE stocks
		SET quantity = $3,
		    reserved = $4,
		    updated_at = $5,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`, stock.ID, stock.Version, stock.Quantity, stock.Reserved, stock.UpdatedAt)
	if err != nil {
		if isCheckViolation(err) {
			return domain.ErrInsufficientAmount
		}
		return fmt.Errorf("update stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for stock update: %w", err)
	}
	if affected == 0 {
		return versionConflictOr(ctx, r.q, "stocks", stock.ID, domain.ErrStockNotFound)
	}
	return nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}
