package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix — префикс переменных окружения сервиса.
const EnvPrefix = "RSV"

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска. Все значения приходят из окружения
// (RSV_GRPC_ADDR, RSV_RESERVATION_TTL, ...), теги default совпадают с DefaultConfig.
type Config struct {
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":50051"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text"`

	StorageDriver       string `envconfig:"STORAGE_DRIVER" default:"memory"`
	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE" default:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	KafkaBrokers      []string      `envconfig:"KAFKA_BROKERS"`
	ConsumerGroup     string        `envconfig:"CONSUMER_GROUP" default:"reservation-core"`
	InboundTopics     []string      `envconfig:"INBOUND_TOPICS" default:"orders.events,payments.events,delivery.events"`
	ReservationTopic  string        `envconfig:"RESERVATION_TOPIC" default:"reservation.events"`
	DeadLetterTopic   string        `envconfig:"DEAD_LETTER_TOPIC" default:"reservation.dlq"`
	ConsumerRetries   int           `envconfig:"CONSUMER_MAX_RETRIES" default:"3"`
	ConsumerBackoff   time.Duration `envconfig:"CONSUMER_BACKOFF" default:"200ms"`
	DeadLetterRetries int           `envconfig:"DEAD_LETTER_ATTEMPTS" default:"5"`
	DeadLetterBackoff time.Duration `envconfig:"DEAD_LETTER_BACKOFF" default:"1s"`

	// DeadLetterMaxRetries — сколько раз запись возвращается из DLQ, прежде чем её паркуют.
	DeadLetterMaxRetries int `envconfig:"DEAD_LETTER_MAX_RETRIES" default:"5"`

	ReservationTTL    time.Duration `envconfig:"RESERVATION_TTL" default:"5m"`
	LockWaitTimeout   time.Duration `envconfig:"LOCK_WAIT_TIMEOUT" default:"3s"`
	LockLeaseTTL      time.Duration `envconfig:"LOCK_LEASE_TTL" default:"10s"`
	LockRetryInterval time.Duration `envconfig:"LOCK_RETRY_INTERVAL" default:"50ms"`
	VersionAttempts   int           `envconfig:"VERSION_ATTEMPTS" default:"3"`

	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	SweepBatchSize int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"3"`
	OutboxRetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY" default:"100ms"`
	OutboxLease        time.Duration `envconfig:"OUTBOX_LEASE" default:"30s"`
	OutboxMaxAge       time.Duration `envconfig:"OUTBOX_DEGRADED_AFTER" default:"5m"`

	// LedgerRetention — срок хранения отказов (rejected) в ledger. 0 — не удалять.
	// Записи applied хранятся всегда.
	LedgerRetention     time.Duration `envconfig:"LEDGER_RETENTION" default:"0"`
	LedgerPruneInterval time.Duration `envconfig:"LEDGER_PRUNE_INTERVAL" default:"10m"`
	LedgerPruneBatch    int           `envconfig:"LEDGER_PRUNE_BATCH" default:"500"`
}

// DefaultConfig возвращает те же значения, что и теги default.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		LogFormat:           "text",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		ConsumerGroup:       "reservation-core",
		InboundTopics:       []string{"orders.events", "payments.events", "delivery.events"},
		ReservationTopic:    "reservation.events",
		DeadLetterTopic:     "reservation.dlq",
		ConsumerRetries:     3,
		ConsumerBackoff:     200 * time.Millisecond,
		DeadLetterRetries:   5,
		DeadLetterBackoff:   time.Second,
		ReservationTTL:      5 * time.Minute,
		LockWaitTimeout:     3 * time.Second,
		LockLeaseTTL:        10 * time.Second,
		LockRetryInterval:   50 * time.Millisecond,
		VersionAttempts:     3,
		SweepInterval:       30 * time.Second,
		SweepBatchSize:      100,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    100 * time.Millisecond,
		OutboxLease:         30 * time.Second,
		OutboxMaxAge:        5 * time.Minute,
		LedgerPruneInterval: 10 * time.Minute,
		LedgerPruneBatch:    500,

		DeadLetterMaxRetries: 5,
	}
}

// LoadConfig читает конфигурацию из окружения и проверяет её.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres storage requires %s_POSTGRES_DSN", EnvPrefix)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	positive := map[string]time.Duration{
		"RESERVATION_TTL":       c.ReservationTTL,
		"LOCK_WAIT_TIMEOUT":     c.LockWaitTimeout,
		"LOCK_LEASE_TTL":        c.LockLeaseTTL,
		"LOCK_RETRY_INTERVAL":   c.LockRetryInterval,
		"SWEEP_INTERVAL":        c.SweepInterval,
		"OUTBOX_POLL_INTERVAL":  c.OutboxPollInterval,
		"OUTBOX_LEASE":          c.OutboxLease,
		"LEDGER_PRUNE_INTERVAL": c.LedgerPruneInterval,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s_%s must be positive, got %s", EnvPrefix, name, value)
		}
	}
	if c.LockLeaseTTL <= c.LockWaitTimeout {
		// иначе аренда может истечь, пока другой процесс ещё ждёт её и работает под ней
		return fmt.Errorf("%s_LOCK_LEASE_TTL (%s) must exceed %s_LOCK_WAIT_TIMEOUT (%s)", EnvPrefix, c.LockLeaseTTL, EnvPrefix, c.LockWaitTimeout)
	}
	if c.VersionAttempts < 1 || c.SweepBatchSize < 1 || c.OutboxBatchSize < 1 || c.OutboxMaxAttempts < 1 || c.LedgerPruneBatch < 1 || c.DeadLetterMaxRetries < 1 {
		return fmt.Errorf("attempt counts and batch sizes must be at least 1")
	}
	if c.LedgerRetention < 0 || (c.LedgerRetention > 0 && c.LedgerRetention <= c.ReservationTTL) {
		return fmt.Errorf("%s_LEDGER_RETENTION (%s) must be 0 or exceed %s_RESERVATION_TTL (%s)", EnvPrefix, c.LedgerRetention, EnvPrefix, c.ReservationTTL)
	}
	if len(c.KafkaBrokers) > 0 && (len(c.InboundTopics) == 0 || c.ReservationTopic == "" || c.DeadLetterTopic == "") {
		return fmt.Errorf("kafka requires inbound, reservation and dead-letter topics")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid %s_LOG_LEVEL: %w", EnvPrefix, err)
	}
	return nil
}

// ConfigureLogger выставляет уровень и формат глобального логгера.
func ConfigureLogger(cfg Config) {
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
