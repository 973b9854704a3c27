package domain

import "time"

// OutboxStatus — статус записи transactional outbox. Меняется только вперёд.
type OutboxStatus string

const (
	// OutboxStatusReady — запись ждёт публикации.
	OutboxStatusReady OutboxStatus = "ready"
	// OutboxStatusPublished — транспорт подтвердил приём.
	OutboxStatusPublished OutboxStatus = "published"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Headers       map[string]string
	Status        OutboxStatus
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	ReadyCount    int
	OldestReadyAt time.Time
}
