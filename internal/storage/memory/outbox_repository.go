package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

// outboxRecord хранит сообщение и служебные поля relay.
type outboxRecord struct {
	msg         domain.OutboxMessage
	seq         int64
	lockedBy    string
	lockedUntil time.Time
	publishedAt time.Time
}

type outboxRepository struct {
	scope *scope
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)

// Enqueue сохраняет событие со статусом ready.
func (r *outboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.scope.store.clock.Now()
	}
	msg.Status = domain.OutboxStatusReady
	msg.RetryCount = 0
	msg.LastError = ""
	msg = cloneOutboxMessage(msg)

	err := r.scope.run(func(st *state) error {
		if _, ok := st.outbox[msg.ID]; ok {
			return domain.ErrResourceExists
		}
		st.outboxSeq++
		st.outbox[msg.ID] = outboxRecord{msg: msg, seq: st.outboxSeq}
		return nil
	})
	return msg, err
}

// ClaimReady берёт до limit ready-записей без живой аренды в порядке создания.
// Записи агрегата после первой арендованной не берутся: иначе другой relay
// опубликовал бы более поздние события агрегата раньше.
func (r *outboxRepository) ClaimReady(_ context.Context, relayID string, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	now := r.scope.store.clock.Now()

	var result []domain.OutboxMessage
	err := r.scope.run(func(st *state) error {
		ready := make([]outboxRecord, 0, len(st.outbox))
		for _, rec := range st.outbox {
			if rec.msg.Status == domain.OutboxStatusReady {
				ready = append(ready, rec)
			}
		}
		sortRecords(ready)

		blocked := make(map[aggregateKey]bool)
		candidates := make([]outboxRecord, 0, len(ready))
		for _, rec := range ready {
			key := aggregateKey{kind: rec.msg.AggregateType, id: rec.msg.AggregateID}
			if blocked[key] {
				continue
			}
			if rec.lockedBy != "" && now.Before(rec.lockedUntil) {
				blocked[key] = true
				continue
			}
			candidates = append(candidates, rec)
		}
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}

		for _, rec := range candidates {
			rec.lockedBy = relayID
			rec.lockedUntil = now.Add(lease)
			st.outbox[rec.msg.ID] = rec
			result = append(result, cloneOutboxMessage(rec.msg))
		}
		return nil
	})
	return result, err
}

type aggregateKey struct {
	kind string
	id   string
}

// MarkPublished переводит запись в published после подтверждения транспорта.
func (r *outboxRepository) MarkPublished(_ context.Context, id string) error {
	now := r.scope.store.clock.Now()
	return r.scope.run(func(st *state) error {
		rec, ok := st.outbox[id]
		if !ok {
			return domain.ErrOutboxMessageNotFound
		}
		rec.msg.Status = domain.OutboxStatusPublished
		rec.lockedBy = ""
		rec.lockedUntil = time.Time{}
		rec.publishedAt = now
		st.outbox[id] = rec
		return nil
	})
}

// RecordFailure фиксирует неудачную публикацию; запись остаётся ready.
func (r *outboxRepository) RecordFailure(_ context.Context, id string, lastErr string) error {
	return r.scope.run(func(st *state) error {
		rec, ok := st.outbox[id]
		if !ok {
			return domain.ErrOutboxMessageNotFound
		}
		if rec.msg.Status == domain.OutboxStatusPublished {
			return nil
		}
		rec.msg.RetryCount++
		rec.msg.LastError = lastErr
		rec.lockedBy = ""
		rec.lockedUntil = time.Time{}
		st.outbox[id] = rec
		return nil
	})
}

func (r *outboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	err := r.scope.run(func(st *state) error {
		for _, rec := range st.outbox {
			if rec.msg.Status != domain.OutboxStatusReady {
				continue
			}
			stats.ReadyCount++
			if stats.OldestReadyAt.IsZero() || rec.msg.CreatedAt.Before(stats.OldestReadyAt) {
				stats.OldestReadyAt = rec.msg.CreatedAt
			}
		}
		return nil
	})
	return stats, err
}

// OutboxMessages возвращает копию всех записей outbox в порядке создания
// (используется в тестах).
func (s *Store) OutboxMessages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]outboxRecord, 0, len(s.state.outbox))
	for _, rec := range s.state.outbox {
		records = append(records, rec)
	}
	sortRecords(records)

	result := make([]domain.OutboxMessage, 0, len(records))
	for _, rec := range records {
		result = append(result, cloneOutboxMessage(rec.msg))
	}
	return result
}

func sortRecords(records []outboxRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].msg.CreatedAt.Equal(records[j].msg.CreatedAt) {
			return records[i].seq < records[j].seq
		}
		return records[i].msg.CreatedAt.Before(records[j].msg.CreatedAt)
	})
}

func cloneOutboxMessage(src domain.OutboxMessage) domain.OutboxMessage {
	dst := src
	dst.Payload = append([]byte(nil), src.Payload...)
	if src.Headers != nil {
		dst.Headers = make(map[string]string, len(src.Headers))
		for k, v := range src.Headers {
			dst.Headers[k] = v
		}
	}
	return dst
}
