// Package cache держит быстрый TTL-ключ для каждого активного резерва и
// сообщает о его истечении.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

const (
	defaultKeyPrefix       = "rsv:reservation:"
	expiredEventsPattern   = "__keyevent@*__:expired"
	keyspaceEventsSettings = "Ex"
)

// RedisOption настраивает RedisExpiryCache.
type RedisOption func(*RedisExpiryCache)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) RedisOption {
	return func(c *RedisExpiryCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithKeyPrefix задаёт префикс ключей резервов.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisExpiryCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// RedisExpiryCache хранит ключ резерва с TTL в Redis и слушает keyspace-уведомления
// об истечении.
type RedisExpiryCache struct {
	rdb    redis.UniversalClient
	prefix string
	logger *log.Entry
}

// NewRedisExpiryCache создаёт кэш поверх клиента Redis.
func NewRedisExpiryCache(rdb redis.UniversalClient, options ...RedisOption) *RedisExpiryCache {
	c := &RedisExpiryCache{
		rdb:    rdb,
		prefix: defaultKeyPrefix,
		logger: log.WithField("component", "expiry-cache"),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

var (
	_ domain.ExpiryCache    = (*RedisExpiryCache)(nil)
	_ domain.ExpiryNotifier = (*RedisExpiryCache)(nil)
)

// Put ставит ключ резерва с TTL.
func (c *RedisExpiryCache) Put(ctx context.Context, reservationID string, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, reservationID)
	}
	if err := c.rdb.Set(ctx, c.key(reservationID), "1", ttl).Err(); err != nil {
		return domain.MarkInfrastructure(fmt.Errorf("redis set %s: %w", reservationID, err))
	}
	return nil
}

// Delete удаляет ключ резерва; отсутствие ключа не ошибка.
func (c *RedisExpiryCache) Delete(ctx context.Context, reservationID string) error {
	if err := c.rdb.Del(ctx, c.key(reservationID)).Err(); err != nil {
		return domain.MarkInfrastructure(fmt.Errorf("redis del %s: %w", reservationID, err))
	}
	return nil
}

// Listen подписывается на события истечения ключей и вызывает handler для
// ключей резервов. Блокируется до отмены ctx. Уведомления Redis доставляются
// best-effort: пропуски закрывает периодический sweep.
func (c *RedisExpiryCache) Listen(ctx context.Context, handler domain.ExpiryHandler) error {
	if err := c.rdb.ConfigSet(ctx, "notify-keyspace-events", keyspaceEventsSettings).Err(); err != nil {
		c.logger.WithError(err).Warn("failed to enable keyspace notifications, relying on server config")
	}

	pubsub := c.rdb.PSubscribe(ctx, expiredEventsPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return domain.MarkInfrastructure(fmt.Errorf("subscribe to expired events: %w", err))
	}
	c.logger.Info("listening for reservation key expiry")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.handleExpiredKey(ctx, msg.Payload, handler)
		}
	}
}

func (c *RedisExpiryCache) handleExpiredKey(ctx context.Context, key string, handler domain.ExpiryHandler) {
	if !strings.HasPrefix(key, c.prefix) {
		return
	}
	reservationID := strings.TrimPrefix(key, c.prefix)
	if reservationID == "" {
		return
	}
	handler(ctx, reservationID)
}

func (c *RedisExpiryCache) key(reservationID string) string {
	return c.prefix + reservationID
}
