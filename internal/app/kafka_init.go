package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/deadletter"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/inbound"
)

// kafkaRuntime — producer и consumer-ы, поднятые для конфигурации с брокерами.
type kafkaRuntime struct {
	producer  *kafka.Producer
	consumers []*kafka.Consumer
}

// initKafkaProducer создаёт producer, если брокеры заданы. nil, nil — Kafka выключена.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// moduleMessageHandler передаёт сообщение одному модулю. Каждый модуль читает
// входящие топики своей consumer group и ведёт свой ledger.
func moduleMessageHandler(handler inbound.EventHandler, logger *log.Entry) kafka.MessageHandler {
	router := inbound.NewRouter(logger, handler)
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		return router.HandlePayload(ctx, message.Value)
	}
}

// deadLetterMessageHandler подтверждает запись DLQ, только если координатор
// отбросил её или повторно опубликовал.
func deadLetterMessageHandler(coordinator *deadletter.Coordinator) kafka.MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		_, err := coordinator.HandleRecord(ctx, message.Value)
		return err
	}
}

// startKafka поднимает consumer-ы модулей и DLQ. При ошибке уже запущенные
// consumer-ы останавливаются.
func startKafka(ctx context.Context, cfg Config, producer *kafka.Producer, services *Services, logger *log.Entry) (*kafkaRuntime, error) {
	rt := &kafkaRuntime{producer: producer}

	for _, handler := range services.Handlers {
		name := handler.Consumer()
		consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup+"-"+name, cfg.InboundTopics,
			moduleMessageHandler(handler, logger.WithField("consumer", name)),
			kafka.WithName(name),
			kafka.WithRetries(cfg.ConsumerRetries, cfg.ConsumerBackoff),
			kafka.WithDeadLetter(producer, cfg.DeadLetterTopic),
		)
		if err != nil {
			rt.stop(logger)
			return nil, fmt.Errorf("create %s consumer: %w", name, err)
		}
		rt.consumers = append(rt.consumers, consumer)
	}

	coordinator := deadletter.NewCoordinator(producer, services.Ledger,
		deadletter.WithAttempts(cfg.DeadLetterRetries),
		deadletter.WithBackoff(cfg.DeadLetterBackoff),
		deadletter.WithMaxRetries(cfg.DeadLetterMaxRetries),
	)
	// без DLQ у самого DLQ-consumer-а: неподтверждённая запись перечитывается с committed offset
	dlqConsumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup+"-dead-letter", []string{cfg.DeadLetterTopic},
		deadLetterMessageHandler(coordinator),
		kafka.WithName("dead-letter"),
		kafka.WithRetries(0, 0),
	)
	if err != nil {
		rt.stop(logger)
		return nil, fmt.Errorf("create dead-letter consumer: %w", err)
	}
	rt.consumers = append(rt.consumers, dlqConsumer)

	for _, consumer := range rt.consumers {
		if err := consumer.Start(ctx); err != nil {
			rt.stop(logger)
			return nil, err
		}
	}
	return rt, nil
}

// stop останавливает consumer-ы; producer закрывается отдельно, после outbox worker.
func (rt *kafkaRuntime) stop(logger *log.Entry) {
	if rt == nil {
		return
	}
	var errs error
	for _, consumer := range rt.consumers {
		errs = errors.Join(errs, consumer.Stop())
	}
	rt.consumers = nil
	if errs != nil {
		logger.WithError(errs).Warn("failed to stop kafka consumers")
	}
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
