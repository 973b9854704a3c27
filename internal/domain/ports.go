package domain

import (
	"context"
	"time"
)

// CouponRepository хранит купоны.
type CouponRepository interface {
	// Create сохраняет новый купон; ErrResourceExists при дубликате.
	Create(ctx context.Context, coupon Coupon) error
	// Get возвращает купон или ErrCouponNotFound.
	Get(ctx context.Context, id string) (Coupon, error)
	// Save применяет изменения, если версия в хранилище совпадает с coupon.Version,
	// и увеличивает версию. Иначе ErrVersionConflict.
	Save(ctx context.Context, coupon Coupon) error
}

// StockRepository хранит складские остатки.
type StockRepository interface {
	Create(ctx context.Context, stock Stock) error
	Get(ctx context.Context, id string) (Stock, error)
	// Save работает с optimistic locking так же, как CouponRepository.Save.
	Save(ctx context.Context, stock Stock) error
}

// ReservationRepository хранит активные резервы.
type ReservationRepository interface {
	// Create сохраняет резерв; ErrReservationExists, если (kind, resource, external key) уже заняты.
	Create(ctx context.Context, reservation Reservation) error
	Get(ctx context.Context, id string) (Reservation, error)
	// FindByExternalKey ищет резерв ресурса по внешнему ключу (идемпотентный повторный резерв).
	FindByExternalKey(ctx context.Context, kind ResourceKind, resourceID, externalKey string) (Reservation, error)
	// ListByExternalKey возвращает все резервы заказа, упорядоченные по времени создания.
	ListByExternalKey(ctx context.Context, externalKey string) ([]Reservation, error)
	// ListExpired возвращает до limit резервов с expires_at < before, старые первыми.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]Reservation, error)
	// Delete удаляет резерв, если он есть. false — записи уже нет.
	Delete(ctx context.Context, id string) (bool, error)
}

// ProcessedEventRepository — append-only idempotency ledger.
type ProcessedEventRepository interface {
	Exists(ctx context.Context, consumer, eventID string) (bool, error)
	// Insert добавляет запись; ErrEventAlreadyProcessed при нарушении уникальности.
	Insert(ctx context.Context, event ProcessedEvent) error
	// DeleteRejectedBefore удаляет не больше limit записей с outcome=rejected и
	// processed_at < before. Записи applied не удаляются никогда.
	DeleteRejectedBefore(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxRepository позволяет сохранять события и отдавать их relay.
type OutboxRepository interface {
	// Enqueue сохраняет событие со статусом ready в текущей транзакции.
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	// ClaimReady берёт до limit ready-записей в порядке created_at под аренду relayID.
	ClaimReady(ctx context.Context, relayID string, limit int, lease time.Duration) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id string) error
	// RecordFailure увеличивает retry_count и снимает аренду; запись остаётся ready.
	RecordFailure(ctx context.Context, id string, lastErr string) error
	Stats(ctx context.Context) (OutboxStats, error)
}

// Repositories объединяет репозитории одной области видимости
// (автокоммит или транзакция).
type Repositories interface {
	Coupons() CouponRepository
	Stocks() StockRepository
	Reservations() ReservationRepository
	ProcessedEvents() ProcessedEventRepository
	Outbox() OutboxRepository
}

// TxFunc — тело локальной транзакции.
type TxFunc func(ctx context.Context, tx Repositories) error

// Storage — хранилище с поддержкой локальных транзакций.
// Методы Repositories работают в режиме автокоммита; внутри WithinTx
// следует использовать только переданный tx.
type Storage interface {
	Repositories
	// WithinTx выполняет fn в одной транзакции: фиксирует при nil, откатывает при ошибке.
	WithinTx(ctx context.Context, fn TxFunc) error
}

// ExpiryCache — быстрый кэш с TTL, дублирующий срок жизни резерва.
type ExpiryCache interface {
	Put(ctx context.Context, reservationID string, ttl time.Duration) error
	// Delete идемпотентен: отсутствие ключа не ошибка.
	Delete(ctx context.Context, reservationID string) error
}

// ExpiryHandler вызывается, когда ключ резерва истёк в кэше.
type ExpiryHandler func(ctx context.Context, reservationID string)

// ExpiryNotifier доставляет best-effort уведомления об истечении ключей.
type ExpiryNotifier interface {
	Listen(ctx context.Context, handler ExpiryHandler) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish возвращает nil только после подтверждения транспортом.
	Publish(ctx context.Context, msg OutboxMessage) error
}
