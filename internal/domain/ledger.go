package domain

import "time"

// ProcessedOutcome фиксирует, чем закончилась обработка входящего события.
type ProcessedOutcome string

const (
	// ProcessedOutcomeApplied — побочный эффект применён.
	ProcessedOutcomeApplied ProcessedOutcome = "applied"
	// ProcessedOutcomeRejected — доменный отказ; повтор запрещён.
	ProcessedOutcomeRejected ProcessedOutcome = "rejected"
)

// ProcessedEvent — запись idempotency ledger. Пишется один раз и не меняется.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	Consumer    string
	Outcome     ProcessedOutcome
	ProcessedAt time.Time
}
