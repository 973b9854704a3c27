package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

type couponRepository struct {
	q queryer
}

var _ domain.CouponRepository = (*couponRepository)(nil)

func (r *couponRepository) Create(ctx context.Context, coupon domain.Coupon) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if coupon.Status == "" {
		coupon.Status = domain.ResourceStatusAvailable
	}
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = now
	}
	if coupon.UpdatedAt.IsZero() {
		coupon.UpdatedAt = coupon.CreatedAt
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO coupons (
			id, owner_id, status, min_order_amount, valid_from, valid_until,
			correlation_key, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		coupon.ID, coupon.OwnerID, string(coupon.Status), coupon.MinOrderAmount,
		nullTime(coupon.ValidFrom), nullTime(coupon.ValidUntil),
		coupon.CorrelationKey, coupon.Version, coupon.CreatedAt, coupon.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrResourceExists
		}
		return fmt.Errorf("insert coupon: %w", err)
	}
	return nil
}

func (r *couponRepository) Get(ctx context.Context, id string) (domain.Coupon, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		coupon     domain.Coupon
		status     string
		validFrom  sql.NullTime
		validUntil sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, owner_id, status, min_order_amount, valid_from, valid_until,
		       correlation_key, version, created_at, updated_at
		FROM coupons
		WHERE id = $1
	`, id).Scan(
		&coupon.ID, &coupon.OwnerID, &status, &coupon.MinOrderAmount, &validFrom, &validUntil,
		&coupon.CorrelationKey, &coupon.Version, &coupon.CreatedAt, &coupon.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Coupon{}, domain.ErrCouponNotFound
		}
		return domain.Coupon{}, fmt.Errorf("select coupon: %w", err)
	}

	coupon.Status = domain.ResourceStatus(status)
	coupon.ValidFrom = timeOrZero(validFrom)
	coupon.ValidUntil = timeOrZero(validUntil)
	coupon.CreatedAt = coupon.CreatedAt.UTC()
	coupon.UpdatedAt = coupon.UpdatedAt.UTC()
	return coupon, nil
}

func (r *couponRepository) Save(ctx context.Context, coupon domain.Coupon) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE coupons
		SET status = $3,
		    correlation_key = $4,
		    updated_at = $5,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`, coupon.ID, coupon.Version, string(coupon.Status), coupon.CorrelationKey, coupon.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update coupon: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for coupon update: %w", err)
	}
	if affected == 0 {
		return versionConflictOr(ctx, r.q, "coupons", coupon.ID, domain.ErrCouponNotFound)
	}
	return nil
}

// versionConflictOr различает отсутствие строки и устаревшую версию.
func versionConflictOr(ctx context.Context, q queryer, table, id string, notFound error) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s existence: %w", table, err)
	}
	if !exists {
		return notFound
	}
	return domain.ErrVersionConflict
}
