package lock

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
)

type lease struct {
	token     string
	expiresAt time.Time
}

// MemoryStore — lease-хранилище в памяти процесса. Подходит для одного
// экземпляра и тестов.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]lease
}

// NewMemoryStore создаёт MemoryStore. nil clock означает системное время.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.NewRealClock()
	}
	return &MemoryStore{
		clock:  c,
		leases: make(map[string]lease),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if current, ok := s.leases[key]; ok && now.Before(current.expiresAt) {
		return false, nil
	}

	s.leases[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[key]
	if !ok || current.token != token {
		return false, nil
	}

	delete(s.leases, key)
	return true, nil
}
