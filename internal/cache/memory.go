package cache

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

type expiryEntry struct {
	timer *time.Timer
}

// MemoryExpiryCache — in-process замена Redis на таймерах. Уведомляет handler,
// зарегистрированный через Listen.
type MemoryExpiryCache struct {
	mu      sync.Mutex
	entries map[string]*expiryEntry
	handler domain.ExpiryHandler
	ctx     context.Context
}

// NewMemoryExpiryCache создаёт пустой кэш.
func NewMemoryExpiryCache() *MemoryExpiryCache {
	return &MemoryExpiryCache{entries: make(map[string]*expiryEntry)}
}

var (
	_ domain.ExpiryCache    = (*MemoryExpiryCache)(nil)
	_ domain.ExpiryNotifier = (*MemoryExpiryCache)(nil)
)

func (c *MemoryExpiryCache) Put(_ context.Context, reservationID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[reservationID]; ok {
		entry.timer.Stop()
		delete(c.entries, reservationID)
	}
	if ttl <= 0 {
		return nil
	}

	entry := &expiryEntry{}
	entry.timer = time.AfterFunc(ttl, func() { c.fire(reservationID, entry) })
	c.entries[reservationID] = entry
	return nil
}

func (c *MemoryExpiryCache) Delete(_ context.Context, reservationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[reservationID]; ok {
		entry.timer.Stop()
		delete(c.entries, reservationID)
	}
	return nil
}

// Has сообщает, есть ли живой ключ резерва.
func (c *MemoryExpiryCache) Has(reservationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[reservationID]
	return ok
}

// Listen регистрирует handler и блокируется до отмены ctx.
func (c *MemoryExpiryCache) Listen(ctx context.Context, handler domain.ExpiryHandler) error {
	c.mu.Lock()
	c.handler = handler
	c.ctx = ctx
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	c.handler = nil
	c.ctx = nil
	c.mu.Unlock()
	return nil
}

func (c *MemoryExpiryCache) fire(reservationID string, entry *expiryEntry) {
	c.mu.Lock()
	if current, ok := c.entries[reservationID]; !ok || current != entry {
		c.mu.Unlock()
		return
	}
	delete(c.entries, reservationID)
	handler, ctx := c.handler, c.ctx
	c.mu.Unlock()

	if handler != nil {
		handler(ctx, reservationID)
	}
}
