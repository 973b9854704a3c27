package inbound

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/ledger"
)

// EventHandler обрабатывает входящее событие одного модуля.
type EventHandler interface {
	Consumer() string
	Handle(ctx context.Context, event domain.InboundEvent) (ledger.Outcome, error)
}

// Router передаёт каждое событие всем зарегистрированным модулям.
type Router struct {
	handlers []EventHandler
	logger   *log.Entry
}

// NewRouter создаёт Router.
func NewRouter(logger *log.Entry, handlers ...EventHandler) *Router {
	if logger == nil {
		logger = log.WithField("component", "inbound-router")
	}
	return &Router{handlers: handlers, logger: logger}
}

// Handle вызывает все модули, даже если один из них упал: модули компенсируют
// свои ресурсы независимо. Ошибки объединяются.
func (r *Router) Handle(ctx context.Context, event domain.InboundEvent) error {
	var failed error
	for _, handler := range r.handlers {
		outcome, err := handler.Handle(ctx, event)
		if err != nil {
			failed = errors.Join(failed, fmt.Errorf("%s: %w", handler.Consumer(), err))
			continue
		}
		r.logger.WithFields(log.Fields{
			"consumer":   handler.Consumer(),
			"event_id":   event.EventID,
			"event_type": event.EventType,
			"outcome":    outcome,
		}).Debug("inbound event handled")
	}
	return failed
}

// HandlePayload разбирает JSON события и передаёт его модулям. Ошибка разбора
// помечена как validation и не должна повторяться.
func (r *Router) HandlePayload(ctx context.Context, payload []byte) error {
	event, err := domain.DecodeInboundEvent(payload)
	if err != nil {
		return err
	}
	return r.Handle(ctx, event)
}
