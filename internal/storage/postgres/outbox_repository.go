package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

type outboxRepository struct {
	q queryer
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)

func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Status = domain.OutboxStatusReady
	msg.RetryCount = 0
	msg.LastError = ""

	headers, err := marshalHeaders(msg.Headers)
	if err != nil {
		return domain.OutboxMessage{}, err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload, headers,
			status, retry_count, last_error, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,'ready',0,'',$7)
	`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, headers, msg.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.OutboxMessage{}, domain.ErrResourceExists
		}
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}

	return msg, nil
}

// ClaimReady берёт пачку ready-записей под аренду relay. SKIP LOCKED позволяет
// нескольким relay работать параллельно без ожидания друг друга.
//
// Порядок внутри агрегата держится между relay: право на агрегат даёт
// блокировка его самой старой ready-записи, а записи после чужой живой аренды
// не берутся.
func (r *outboxRepository) ClaimReady(ctx context.Context, relayID string, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		WITH heads AS (
			SELECT h.aggregate_type, h.aggregate_id
			FROM outbox_messages h
			WHERE h.status = 'ready'
			  AND (h.locked_until IS NULL OR h.locked_until < NOW())
			  AND NOT EXISTS (
			      SELECT 1
			      FROM outbox_messages older
			      WHERE older.aggregate_type = h.aggregate_type
			        AND older.aggregate_id = h.aggregate_id
			        AND older.status = 'ready'
			        AND (older.created_at, older.seq) < (h.created_at, h.seq)
			  )
			ORDER BY h.created_at, h.seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		),
		claimable AS (
			SELECT m.id
			FROM outbox_messages m
			JOIN heads ON heads.aggregate_type = m.aggregate_type AND heads.aggregate_id = m.aggregate_id
			WHERE m.status = 'ready'
			  AND (m.locked_until IS NULL OR m.locked_until < NOW())
			  AND NOT EXISTS (
			      SELECT 1
			      FROM outbox_messages older
			      WHERE older.aggregate_type = m.aggregate_type
			        AND older.aggregate_id = m.aggregate_id
			        AND older.status = 'ready'
			        AND older.locked_until >= NOW()
			        AND (older.created_at, older.seq) < (m.created_at, m.seq)
			  )
			ORDER BY m.created_at, m.seq
			LIMIT $2
			FOR UPDATE OF m SKIP LOCKED
		)
		UPDATE outbox_messages
		SET locked_by = $1,
		    locked_until = NOW() + ($3 * INTERVAL '1 millisecond')
		WHERE id IN (SELECT id FROM claimable)
		RETURNING seq, id, aggregate_type, aggregate_id, event_type, payload, headers,
		          status, retry_count, last_error, created_at
	`, relayID, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("claim ready outbox messages: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		seq int64
		msg domain.OutboxMessage
	}
	var batch []claimed
	for rows.Next() {
		var (
			item    claimed
			status  string
			headers []byte
		)
		if err := rows.Scan(
			&item.seq,
			&item.msg.ID,
			&item.msg.AggregateType,
			&item.msg.AggregateID,
			&item.msg.EventType,
			&item.msg.Payload,
			&headers,
			&status,
			&item.msg.RetryCount,
			&item.msg.LastError,
			&item.msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		item.msg.Status = domain.OutboxStatus(status)
		item.msg.CreatedAt = item.msg.CreatedAt.UTC()
		if item.msg.Headers, err = unmarshalHeaders(headers); err != nil {
			return nil, err
		}
		batch = append(batch, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	// RETURNING не гарантирует порядок.
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].msg.CreatedAt.Equal(batch[j].msg.CreatedAt) {
			return batch[i].seq < batch[j].seq
		}
		return batch[i].msg.CreatedAt.Before(batch[j].msg.CreatedAt)
	})

	result := make([]domain.OutboxMessage, 0, len(batch))
	for _, item := range batch {
		result = append(result, item.msg)
	}
	return result, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'published',
		    published_at = NOW(),
		    locked_by = NULL,
		    locked_until = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark outbox message as published: %w", err)
	}
	return requireAffected(res, "published")
}

func (r *outboxRepository) RecordFailure(ctx context.Context, id string, lastErr string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET retry_count = CASE WHEN status = 'ready' THEN retry_count + 1 ELSE retry_count END,
		    last_error = CASE WHEN status = 'ready' THEN $2 ELSE last_error END,
		    locked_by = NULL,
		    locked_until = NULL
		WHERE id = $1
	`, id, lastErr)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return requireAffected(res, "failure")
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM outbox_messages
		WHERE status = 'ready'
	`).Scan(&stats.ReadyCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	stats.OldestReadyAt = timeOrZero(oldest)
	return stats, nil
}

func requireAffected(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox %s: %w", op, err)
	}
	if affected == 0 {
		return domain.ErrOutboxMessageNotFound
	}
	return nil
}

func marshalHeaders(headers map[string]string) (any, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox headers: %w", err)
	}
	return string(raw), nil
}

func unmarshalHeaders(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, fmt.Errorf("unmarshal outbox headers: %w", err)
	}
	return headers, nil
}
