package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

type processedEventRepository struct {
	q queryer
}

var _ domain.ProcessedEventRepository = (*processedEventRepository)(nil)

func (r *processedEventRepository) Exists(ctx context.Context, consumer, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_events WHERE consumer = $1 AND event_id = $2
		)
	`, consumer, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

func (r *processedEventRepository) Insert(ctx context.Context, event domain.ProcessedEvent) error {
	if strings.TrimSpace(event.EventID) == "" {
		return domain.ErrEventIDRequired
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO processed_events (consumer, event_id, event_type, outcome, processed_at)
		VALUES ($1,$2,$3,$4,$5)
	`, event.Consumer, event.EventID, event.EventType, string(event.Outcome), event.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEventAlreadyProcessed
		}
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}

func (r *processedEventRepository) DeleteRejectedBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		DELETE FROM processed_events
		WHERE (consumer, event_id) IN (
			SELECT consumer, event_id
			FROM processed_events
			WHERE outcome = $1 AND processed_at < $2
			ORDER BY processed_at ASC
			LIMIT $3
		)
	`, string(domain.ProcessedOutcomeRejected), before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete rejected processed events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete processed events rows affected: %w", err)
	}
	return int(affected), nil
}
