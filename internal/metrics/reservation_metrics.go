// Package metrics содержит метрики ядра резервов.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

// ReservationMetrics содержит метрики команд резерва и входящих событий.
type ReservationMetrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	versionRetries  prometheus.Counter
	inboundEvents   *prometheus.CounterVec
	expired         *prometheus.CounterVec
}

// NewReservationMetrics регистрирует метрики в DefaultRegisterer.
func NewReservationMetrics() *ReservationMetrics {
	return NewReservationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewReservationMetricsWithRegisterer регистрирует метрики в registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewReservationMetricsWithRegisterer(registerer prometheus.Registerer) *ReservationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ReservationMetrics{
		commands: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rsv_commands_total",
			Help: "Total number of reservation commands grouped by command and result.",
		}, []string{"command", "result"}),
		commandDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "rsv_command_duration_seconds",
			Help:    "Duration of reservation commands including lock wait.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"command"}),
		versionRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rsv_version_conflict_retries_total",
			Help: "Total number of re-read retries caused by optimistic version conflicts.",
		}),
		inboundEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rsv_inbound_events_total",
			Help: "Total number of inbound events grouped by consumer and ledger outcome.",
		}, []string{"consumer", "outcome"}),
		expired: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rsv_reservations_expired_total",
			Help: "Total number of reservations released by expiry grouped by source.",
		}, []string{"source"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCommand учитывает результат команды: "ok" или класс ошибки.
func (m *ReservationMetrics) RecordCommand(command string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, ResultLabel(err)).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordVersionRetry учитывает повтор после конфликта версий.
func (m *ReservationMetrics) RecordVersionRetry() {
	if m == nil {
		return
	}
	m.versionRetries.Inc()
}

// RecordInbound учитывает исход обработки входящего события.
func (m *ReservationMetrics) RecordInbound(consumer, outcome string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(consumer, outcome).Inc()
}

// RecordExpired учитывает резерв, снятый по истечении (source: cache или sweep).
func (m *ReservationMetrics) RecordExpired(source string) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues(source).Inc()
}

// ResultLabel переводит ошибку в значение label result.
func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(domain.KindOf(err)))
}
