package kafka

// Топики по умолчанию. Реальные имена приходят из конфигурации.
const (
	TopicOrderEvents       = "orders.events"
	TopicPaymentEvents     = "payments.events"
	TopicDeliveryEvents    = "delivery.events"
	TopicReservationEvents = "reservation.events"
	TopicDeadLetterQueue   = "reservation.dlq"
)

// Kafka headers, которые выставляет ядро резервов.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderEventType     = "x-event-type"
	HeaderAggregateID   = "x-aggregate-id"
	HeaderSchemaVersion = "x-schema-version"
)
