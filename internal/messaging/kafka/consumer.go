package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

var consumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rsv_kafka_consumed_messages_total",
	Help: "Inbound Kafka messages by consumer and result (ok, dead_lettered, failed).",
}, []string{"consumer", "result"})

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOptions настраивает повторы и DLQ.
type ConsumerOptions struct {
	Name         string
	Logger       *log.Entry
	DLQ          *Producer
	DLQTopic     string
	MaxRetries   int
	RetryBackoff time.Duration
	Now          func() time.Time
}

// ConsumerOption изменяет ConsumerOptions.
type ConsumerOption func(*ConsumerOptions)

// WithName задаёт имя consumer-а, оно попадает в конверт DLQ.
func WithName(name string) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.Name = name
	}
}

// WithLogger задаёт логгер consumer-а.
func WithLogger(logger *log.Entry) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.Logger = logger
	}
}

// WithDeadLetter включает DLQ.
func WithDeadLetter(producer *Producer, topic string) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.DLQ = producer
		o.DLQTopic = topic
	}
}

// WithRetries задаёт число повторов внутри процесса и базовую задержку между ними.
func WithRetries(maxRetries int, backoff time.Duration) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.MaxRetries = maxRetries
		o.RetryBackoff = backoff
	}
}

// Consumer — consumer group с повторами, DLQ и извлечением trace context.
type Consumer struct {
	consumer     sarama.ConsumerGroup
	topics       []string
	handler      MessageHandler
	name         string
	logger       *log.Entry
	wg           sync.WaitGroup
	dlqProducer  *Producer
	dlqTopic     string
	maxRetries   int
	retryBackoff time.Duration
	now          func() time.Time
}

// NewConsumer создает consumer group. Offset коммитится только после
// успешной обработки или записи в DLQ.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return newConsumer(group, topics, handler, options...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	opts := ConsumerOptions{
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
		DLQTopic:     TopicDeadLetterQueue,
		Now:          func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "kafka-consumer")
	}
	if opts.Name != "" {
		opts.Logger = opts.Logger.WithField("consumer", opts.Name)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	return &Consumer{
		consumer:     group,
		topics:       topics,
		handler:      handler,
		name:         opts.Name,
		logger:       opts.Logger,
		dlqProducer:  opts.DLQ,
		dlqTopic:     opts.DLQTopic,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		now:          opts.Now,
	}
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume должен вызываться в цикле, так как при rebalance он завершается
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition. Если сообщение не удалось
// ни обработать, ни отправить в DLQ, claim завершается с ошибкой: offset не
// коммитится, и после rebalance сообщение будет прочитано снова.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			fields := log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}
			c.logger.WithFields(fields).Debug("received message")

			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				consumedMessages.WithLabelValues(c.name, "failed").Inc()
				c.logger.WithError(err).WithFields(fields).Error("message left unacknowledged, stopping claim")
				return err
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessageWithRetry повторяет обработку с экспоненциальной задержкой.
// Validation-ошибки не повторяются. После исчерпания попыток сообщение уходит
// в DLQ; nil означает, что сообщение можно подтвердить.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	ctx = contextFromMessage(ctx, message)
	retryCount := c.getRetryCount(message)

	var err error
	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		attempts++
		err = c.handler(ctx, message)
		if err == nil {
			consumedMessages.WithLabelValues(c.name, "ok").Inc()
			return nil
		}
		if domain.KindOf(err) == domain.KindValidation || attempt == c.maxRetries {
			break
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       message.Topic,
			"offset":      message.Offset,
			"attempt":     attempt + 1,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")

		if waitErr := sleepWithContext(ctx, c.backoff(attempt+1)); waitErr != nil {
			return waitErr
		}
	}

	if c.dlqProducer == nil {
		return err
	}
	if dlqErr := c.sendToDLQ(ctx, message, err, retryCount+attempts); dlqErr != nil {
		return fmt.Errorf("failed to send to DLQ: %w (processing error: %v)", dlqErr, err)
	}

	consumedMessages.WithLabelValues(c.name, "dead_lettered").Inc()
	c.logger.WithError(err).WithFields(log.Fields{
		"topic":    message.Topic,
		"offset":   message.Offset,
		"attempts": attempts,
	}).Warn("message sent to DLQ")
	return nil
}

func (c *Consumer) backoff(attempt int) time.Duration {
	if c.retryBackoff <= 0 {
		return 0
	}
	if attempt > 6 {
		attempt = 6
	}
	return c.retryBackoff * time.Duration(1<<(attempt-1))
}

// getRetryCount извлекает число прошлых попыток из headers сообщения
// (выставляется при повторной публикации из DLQ).
func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == HeaderRetryCount {
			count, err := strconv.Atoi(string(header.Value))
			if err == nil {
				return count
			}
		}
	}
	return 0
}

// sendToDLQ отправляет failed message в Dead Letter Queue
func (c *Consumer) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, processingErr error, retryCount int) error {
	headers := headerMap(message.Headers)
	delete(headers, HeaderRetryCount)

	dl := domain.DeadLetter{
		OriginalTopic: message.Topic,
		OriginalKey:   string(message.Key),
		OriginalValue: string(message.Value),
		Headers:       headers,
		Consumer:      c.name,
		EventID:       domain.EventIDOf(message.Value),
		ErrorMessage:  processingErr.Error(),
		ErrorKind:     domain.KindOf(processingErr),
		FailedAt:      c.now(),
		RetryCount:    retryCount,
	}
	value, err := dl.Encode()
	if err != nil {
		return err
	}

	return c.dlqProducer.Send(context.WithoutCancel(ctx), c.dlqTopic, string(message.Key), value, map[string]string{
		HeaderOriginalTopic: message.Topic,
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
