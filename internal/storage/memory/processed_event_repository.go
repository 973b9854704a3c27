package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

type ledgerKey struct {
	consumer string
	eventID  string
}

type processedEventRepository struct {
	scope *scope
}

var _ domain.ProcessedEventRepository = (*processedEventRepository)(nil)

func (r *processedEventRepository) Exists(_ context.Context, consumer, eventID string) (bool, error) {
	exists := false
	err := r.scope.run(func(st *state) error {
		_, exists = st.processed[ledgerKey{consumer: consumer, eventID: eventID}]
		return nil
	})
	return exists, err
}

func (r *processedEventRepository) Insert(_ context.Context, event domain.ProcessedEvent) error {
	if strings.TrimSpace(event.EventID) == "" {
		return domain.ErrEventIDRequired
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = r.scope.store.clock.Now()
	}

	return r.scope.run(func(st *state) error {
		key := ledgerKey{consumer: event.Consumer, eventID: event.EventID}
		if _, ok := st.processed[key]; ok {
			return domain.ErrEventAlreadyProcessed
		}
		st.processed[key] = event
		return nil
	})
}

func (r *processedEventRepository) DeleteRejectedBefore(_ context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	deleted := 0
	err := r.scope.run(func(st *state) error {
		stale := make([]ledgerKey, 0)
		for key, event := range st.processed {
			if event.Outcome == domain.ProcessedOutcomeRejected && event.ProcessedAt.Before(before) {
				stale = append(stale, key)
			}
		}
		sort.Slice(stale, func(i, j int) bool {
			return st.processed[stale[i]].ProcessedAt.Before(st.processed[stale[j]].ProcessedAt)
		})
		if len(stale) > limit {
			stale = stale[:limit]
		}
		for _, key := range stale {
			delete(st.processed, key)
		}
		deleted = len(stale)
		return nil
	})
	return deleted, err
}

// LedgerEntries возвращает все записи ledger для eventID (используется в тестах).
func (s *Store) LedgerEntries(eventID string) []domain.ProcessedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.ProcessedEvent
	for key, event := range s.state.processed {
		if key.eventID == eventID {
			result = append(result, event)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Consumer < result[j].Consumer })
	return result
}
