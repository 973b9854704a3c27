package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

const reservationColumns = `id, kind, resource_id, owner_key, external_key, amount, created_at, expires_at`

type reservationRepository struct {
	q queryer
}

var _ domain.ReservationRepository = (*reservationRepository)(nil)

func (r *reservationRepository) Create(ctx context.Context, reservation domain.Reservation) error {
	if reservation.ID == "" {
		return domain.ErrReservationIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		reservation.ID, string(reservation.Kind), reservation.ResourceID, reservation.OwnerKey,
		reservation.ExternalKey, reservation.Amount, reservation.CreatedAt, reservation.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrReservationExists
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (r *reservationRepository) Get(ctx context.Context, id string) (domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.scanOne(r.q.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1
	`, id))
}

func (r *reservationRepository) FindByExternalKey(ctx context.Context, kind domain.ResourceKind, resourceID, externalKey string) (domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.scanOne(r.q.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE kind = $1 AND resource_id = $2 AND external_key = $3
	`, string(kind), resourceID, externalKey))
}

func (r *reservationRepository) ListByExternalKey(ctx context.Context, externalKey string) ([]domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE external_key = $1
		ORDER BY created_at, id
	`, externalKey)
	if err != nil {
		return nil, fmt.Errorf("query reservations by external key: %w", err)
	}
	return scanReservations(rows)
}

func (r *reservationRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE expires_at < $1
		ORDER BY expires_at, id
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	return scanReservations(rows)
}

func (r *reservationRepository) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for reservation delete: %w", err)
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *reservationRepository) scanOne(row *sql.Row) (domain.Reservation, error) {
	reservation, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, fmt.Errorf("select reservation: %w", err)
	}
	return reservation, nil
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var (
		reservation domain.Reservation
		kind        string
	)
	if err := row.Scan(
		&reservation.ID, &kind, &reservation.ResourceID, &reservation.OwnerKey,
		&reservation.ExternalKey, &reservation.Amount, &reservation.CreatedAt, &reservation.ExpiresAt,
	); err != nil {
		return domain.Reservation{}, err
	}
	reservation.Kind = domain.ResourceKind(kind)
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	reservation.ExpiresAt = reservation.ExpiresAt.UTC()
	return reservation, nil
}

func scanReservations(rows *sql.Rows) ([]domain.Reservation, error) {
	defer rows.Close()

	var result []domain.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		result = append(result, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservation rows: %w", err)
	}
	return result, nil
}
