package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultSweepBatchSize = 100
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rsv_expiry_sweep_runs_total",
		Help: "Total number of expiry sweep runs grouped by result.",
	}, []string{"result"})
	sweepReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rsv_expiry_sweep_released_total",
		Help: "Total number of reservations released by the durable sweep.",
	})
	sweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rsv_expiry_sweep_candidate_failures_total",
		Help: "Total number of expired candidates left for the next sweep after a failure.",
	})
	sweepLastReleased = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rsv_expiry_sweep_last_released",
		Help: "Number of reservations released during the last sweep run.",
	})
)

// SweepOptions задаёт параметры Sweeper.
type SweepOptions struct {
	Logger    *log.Entry
	Clock     clock.Clock
	Interval  time.Duration
	BatchSize int
}

// SweepOption настраивает Sweeper.
type SweepOption func(*SweepOptions)

// WithLogger задаёт logger для sweeper.
func WithLogger(logger *log.Entry) SweepOption {
	return func(opts *SweepOptions) {
		opts.Logger = logger
	}
}

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) SweepOption {
	return func(opts *SweepOptions) {
		opts.Clock = c
	}
}

// WithInterval задаёт интервал между sweep-циклами.
func WithInterval(interval time.Duration) SweepOption {
	return func(opts *SweepOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер batch кандидатов.
func WithBatchSize(batchSize int) SweepOption {
	return func(opts *SweepOptions) {
		opts.BatchSize = batchSize
	}
}

// Sweeper периодически находит резервы с expires_at < now и снимает их.
type Sweeper struct {
	reconciler *Reconciler
	logger     *log.Entry
	clock      clock.Clock
	interval   time.Duration
	batchSize  int
}

// NewSweeper создаёт Sweeper.
func NewSweeper(reconciler *Reconciler, options ...SweepOption) *Sweeper {
	opts := SweepOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "expiry-sweeper")
	}
	if opts.Clock == nil && reconciler != nil {
		opts.Clock = reconciler.reservations.Clock()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}

	return &Sweeper{
		reconciler: reconciler,
		logger:     logger,
		clock:      opts.Clock,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
	}
}

// Run запускает периодический sweep до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.reconciler == nil {
		s.logger.Warn("expiry sweeper is disabled: reconciler is nil")
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	released, err := s.ProcessOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepRunsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).Warn("expiry sweep run failed")
		return
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	sweepLastReleased.Set(float64(released))
	if released > 0 {
		s.logger.WithField("released", released).Info("expiry sweep completed")
	}
}

// ProcessOnce проходит просроченные резервы порциями batchSize. Каждый кандидат
// обрабатывается в своей блокировке и транзакции; неудачные остаются до
// следующего цикла.
func (s *Sweeper) ProcessOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	repo := s.reconciler.storage.Reservations()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		candidates, err := repo.ListExpired(ctx, now, s.batchSize)
		if err != nil {
			return total, err
		}

		released := 0
		for _, candidate := range candidates {
			if err := ctx.Err(); err != nil {
				return total + released, err
			}

			ok, err := s.reconciler.ExpireReservation(ctx, candidate.ID, SourceSweep)
			if err != nil {
				sweepFailuresTotal.Inc()
				s.logger.WithError(err).WithField("reservation_id", candidate.ID).Warn("failed to expire reservation")
				continue
			}
			if ok {
				released++
			}
		}

		total += released
		if released > 0 {
			sweepReleasedTotal.Add(float64(released))
		}

		// Без прогресса повторная выборка вернёт те же записи.
		if len(candidates) < s.batchSize || released == 0 {
			break
		}
	}

	return total, nil
}
