// Command dlq-reprocess — ручной разбор dead-letter топика.
//
// По умолчанию работает в dry-run: печатает кандидатов на повтор. С -execute
// отправляет исходное событие обратно в его топик. С -dsn пропускает события,
// которые consumer уже зафиксировал в idempotency ledger. Записи с ошибкой
// валидации или бизнес-правила пропускаются, пока не указан -include-permanent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/ledger"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/postgres"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers          []string
	sourceTopic      string
	targetTopic      string
	dsn              string
	limit            int
	execute          bool
	fromNewest       bool
	includePermanent bool
	idleTimeout      time.Duration
}

type replayMessage struct {
	topic      string
	key        string
	value      []byte
	headers    map[string]string
	consumer   string
	eventID    string
	errorKind  domain.ErrorKind
	replayable bool
}

// processedChecker отвечает, обработал ли consumer событие.
type processedChecker interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newReplayDependencies = func(cfg config) (offsetClient, partitionConsumerSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Compression = sarama.CompressionSnappy
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, consumer, producer, nil
}

// newProcessedChecker открывает ledger в PostgreSQL. Пустой DSN отключает проверку.
var newProcessedChecker = func(ctx context.Context, dsn string) (processedChecker, func(), error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, func() {}, nil
	}
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger store: %w", err)
	}
	return ledger.New(store), func() { _ = store.Close() }, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig() (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: RSV_KAFKA_BROKERS)")
	flag.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flag.StringVar(&cfg.targetTopic, "target-topic", "", "override replay topic; default is the original topic of each record")
	flag.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN for idempotency ledger checks (fallback: RSV_POSTGRES_DSN, empty disables)")
	flag.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	flag.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	flag.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flag.BoolVar(&cfg.includePermanent, "include-permanent", false, "also replay records that failed validation or a business rule")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("RSV_KAFKA_BROKERS")
	}
	if strings.TrimSpace(cfg.dsn) == "" {
		cfg.dsn = strings.TrimSpace(os.Getenv("RSV_POSTGRES_DSN"))
	}
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)

	cfg.brokers = parseBrokers(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or RSV_KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		return config{}, fmt.Errorf("source-topic is required")
	}
	if cfg.targetTopic != "" && cfg.targetTopic == cfg.sourceTopic {
		return config{}, fmt.Errorf("target-topic must differ from source-topic")
	}
	if cfg.limit <= 0 {
		return config{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}

	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic":  cfg.sourceTopic,
		"target_topic":  cfg.targetTopic,
		"limit":         cfg.limit,
		"execute":       cfg.execute,
		"from_newest":   cfg.fromNewest,
		"ledger_checks": cfg.dsn != "",
	}).Info("starting dlq replay")

	checker, closeChecker, err := newProcessedChecker(ctx, cfg.dsn)
	if err != nil {
		return err
	}
	defer closeChecker()

	client, consumer, producer, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	return runReplay(ctx, cfg, client, consumer, producer, checker)
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, producer replayProducer, checker processedChecker) error {
	if client == nil || consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total partitionStats
	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}

		remaining := cfg.limit - total.processed
		stats, err := processPartition(ctx, consumer, client, producer, checker, cfg, partition, remaining)
		if err != nil {
			return err
		}
		total.add(stats)
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}

	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"discarded": total.discarded,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")

	return nil
}

type partitionStats struct {
	processed int
	replayed  int
	// discarded — события, уже записанные в ledger их consumer'а.
	discarded int
	skipped   int
}

func (s *partitionStats) add(other partitionStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.discarded += other.discarded
	s.skipped += other.skipped
}

func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer replayProducer,
	checker processedChecker,
	cfg config,
	partition int32,
	limit int,
) (partitionStats, error) {
	var stats partitionStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.fromNewest {
		startOffset = newest - int64(limit)
		if startOffset < oldest {
			startOffset = oldest
		}
	}

	partitionConsumer, err := consumer.ConsumePartition(cfg.sourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = partitionConsumer.Close() }()

	endOffset := newest
	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-partitionConsumer.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-partitionConsumer.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.idleTimeout)

			if msg.Offset >= endOffset {
				return stats, nil
			}

			if err := handleRecord(ctx, msg, producer, checker, cfg, &stats); err != nil {
				return stats, err
			}
			stats.processed++

			if msg.Offset+1 >= endOffset {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

func handleRecord(ctx context.Context, msg *sarama.ConsumerMessage, producer replayProducer, checker processedChecker, cfg config, stats *partitionStats) error {
	fields := log.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}

	replayMsg, err := extractReplayMessage(msg, cfg.targetTopic)
	if err != nil {
		stats.skipped++
		log.WithError(err).WithFields(fields).Warn("skip malformed dlq message")
		return nil
	}
	fields["target_topic"] = replayMsg.topic
	fields["key"] = replayMsg.key
	fields["consumer"] = replayMsg.consumer
	fields["event_id"] = replayMsg.eventID
	fields["error_kind"] = replayMsg.errorKind

	if !replayMsg.replayable && !cfg.includePermanent {
		stats.skipped++
		log.WithFields(fields).Warn("dlq record failed permanently, skipping")
		return nil
	}

	if checker != nil && replayMsg.consumer != "" && replayMsg.eventID != "" {
		seen, err := checker.Seen(ctx, replayMsg.consumer, replayMsg.eventID)
		if err != nil {
			return fmt.Errorf("check ledger for %s/%s: %w", replayMsg.consumer, replayMsg.eventID, err)
		}
		if seen {
			stats.discarded++
			log.WithFields(fields).Info("dlq record already processed, skipping")
			return nil
		}
	}

	if !cfg.execute {
		stats.replayed++
		log.WithFields(fields).Info("dlq replay candidate")
		return nil
	}

	if err := publishReplay(producer, replayMsg); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	stats.replayed++
	return nil
}

func publishReplay(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}

	keys := make([]string, 0, len(msg.headers))
	for k := range msg.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(msg.headers[k])})
	}

	producerMessage := &sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}

	_, _, err := producer.SendMessage(producerMessage)
	return err
}

// extractReplayMessage разбирает envelope dead letter. Заголовок retry count
// переносит уже накопленное число попыток, чтобы consumer продолжил счёт.
func extractReplayMessage(msg *sarama.ConsumerMessage, overrideTopic string) (replayMessage, error) {
	dl, err := domain.ParseDeadLetter(msg.Value)
	if err != nil {
		return replayMessage{}, err
	}

	topic := dl.OriginalTopic
	if overrideTopic != "" {
		topic = overrideTopic
	}

	headers := make(map[string]string, len(dl.Headers)+1)
	for k, v := range dl.Headers {
		headers[k] = v
	}
	headers[kafka.HeaderRetryCount] = strconv.Itoa(dl.RetryCount)

	return replayMessage{
		topic:      topic,
		key:        dl.OriginalKey,
		value:      []byte(dl.OriginalValue),
		headers:    headers,
		consumer:   dl.Consumer,
		eventID:    dl.EventID,
		errorKind:  dl.ErrorKind,
		replayable: dl.Replayable(),
	}, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
