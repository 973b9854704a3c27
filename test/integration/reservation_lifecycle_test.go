package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/reservation-core/internal/cache"
	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/lock"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/deadletter"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/expiry"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/idempotency"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/inbound"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/ledger"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/outbox"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/reservation"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/memory"
)

// ReservationLifecycleTestSuite прогоняет резервы через весь стек на памяти:
// блокировки, ledger, outbox, sweep и разбор DLQ.
type ReservationLifecycleTestSuite struct {
	suite.Suite

	clock       *clock.MockClock
	store       *memory.Store
	cache       *cache.MemoryExpiryCache
	svc         *reservation.Service
	ledger      *ledger.Ledger
	sweeper     *expiry.Sweeper
	stock       *inbound.Handler
	relay       *outbox.Worker
	published   *recordingPublisher
	republisher *recordingRepublisher
	coordinator *deadletter.Coordinator
}

func (s *ReservationLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	s.clock = clock.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s.store = memory.NewStore(memory.WithClock(s.clock))
	s.cache = cache.NewMemoryExpiryCache()

	locker := lock.NewExecutor(lock.NewMemoryStore(s.clock),
		lock.WithWaitTimeout(2*time.Second),
		lock.WithRetryInterval(time.Millisecond),
		lock.WithLogger(logger),
	)
	s.svc = reservation.NewService(s.store, locker,
		reservation.WithLogger(logger),
		reservation.WithCache(s.cache),
		reservation.WithClock(s.clock),
	)
	s.ledger = ledger.New(s.store, ledger.WithLogger(logger), ledger.WithClock(s.clock))

	reconciler := expiry.NewReconciler(s.store, s.svc, expiry.WithReconcilerLogger(logger))
	s.sweeper = expiry.NewSweeper(reconciler, expiry.WithLogger(logger), expiry.WithClock(s.clock))

	s.stock = inbound.NewStockHandler(s.store, s.svc, s.ledger, inbound.WithLogger(logger))

	s.published = &recordingPublisher{}
	s.relay = outbox.NewWorker(s.store.Outbox(), s.published, outbox.WithLogger(logger))

	s.republisher = &recordingRepublisher{}
	s.coordinator = deadletter.NewCoordinator(s.republisher, s.ledger,
		deadletter.WithLogger(logger),
		deadletter.WithBackoff(time.Millisecond),
	)

	ctx := context.Background()
	now := s.clock.Now()
	s.Require().NoError(s.store.Coupons().Create(ctx, domain.Coupon{
		ID:             "C1",
		OwnerID:        "U1",
		Status:         domain.ResourceStatusAvailable,
		MinOrderAmount: 30000,
		ValidFrom:      now.Add(-24 * time.Hour),
		ValidUntil:     now.Add(30 * 24 * time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
	s.Require().NoError(s.store.Stocks().Create(ctx, domain.Stock{
		ID:        "SKU-1",
		Quantity:  10,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func (s *ReservationLifecycleTestSuite) reserveCoupon(correlation string) (domain.ReserveResult, error) {
	return s.svc.Reserve(context.Background(), domain.ReserveRequest{
		Kind:           domain.ResourceKindCoupon,
		ResourceID:     "C1",
		OwnerKey:       "U1",
		CorrelationKey: correlation,
		Amount:         50000,
	})
}

func (s *ReservationLifecycleTestSuite) couponStatus() domain.ResourceStatus {
	coupon, err := s.store.Coupons().Get(context.Background(), "C1")
	s.Require().NoError(err)
	return coupon.Status
}

func (s *ReservationLifecycleTestSuite) TestReserveThenConfirm() {
	ctx := context.Background()

	// A: резерв доступного купона
	result, err := s.reserveCoupon("O1")
	s.Require().NoError(err)
	s.Require().NotEmpty(result.ReservationID)
	s.Equal(s.clock.Now().Add(domain.DefaultReservationTTL), result.ExpiresAt)
	s.Equal(domain.ResourceStatusReserved, s.couponStatus())
	s.True(s.cache.Has(result.ReservationID))

	// C: повторный резерв под другой заказ
	_, err = s.reserveCoupon("O2")
	s.Require().Error(err)
	s.Equal(domain.KindConflict, domain.KindOf(err))

	// B: подтверждение удаляет резерв из хранилища и кэша
	s.Require().NoError(s.svc.Confirm(ctx, result.ReservationID, "O1"))
	s.Equal(domain.ResourceStatusConfirmed, s.couponStatus())

	_, err = s.store.Reservations().Get(ctx, result.ReservationID)
	s.ErrorIs(err, domain.ErrReservationNotFound)
	s.False(s.cache.Has(result.ReservationID))

	// Outbox отдаёт события в порядке коммита.
	s.Equal(2, s.relay.ProcessOnce(ctx))
	s.Equal([]string{domain.EventTypeReservationReserved, domain.EventTypeReservationConfirmed}, s.published.eventTypes())
	s.Zero(s.relay.ProcessOnce(ctx), "published events must not be relayed twice")
}

func (s *ReservationLifecycleTestSuite) TestConfirmWithForeignCorrelationKeepsReservation() {
	ctx := context.Background()

	result, err := s.reserveCoupon("O1")
	s.Require().NoError(err)

	err = s.svc.Confirm(ctx, result.ReservationID, "O2")
	s.Require().ErrorIs(err, domain.ErrCorrelationMismatch)
	s.Equal(domain.ResourceStatusReserved, s.couponStatus())

	_, err = s.store.Reservations().Get(ctx, result.ReservationID)
	s.NoError(err)
}

func (s *ReservationLifecycleTestSuite) TestSweepReleasesExpiredReservation() {
	ctx := context.Background()

	result, err := s.reserveCoupon("O1")
	s.Require().NoError(err)

	// До истечения TTL sweep ничего не трогает.
	released, err := s.sweeper.ProcessOnce(ctx)
	s.Require().NoError(err)
	s.Zero(released)

	// D: время ушло за expiresAt
	s.clock.Add(domain.DefaultReservationTTL + time.Second)
	released, err = s.sweeper.ProcessOnce(ctx)
	s.Require().NoError(err)
	s.Equal(1, released)

	s.Equal(domain.ResourceStatusAvailable, s.couponStatus())
	_, err = s.store.Reservations().Get(ctx, result.ReservationID)
	s.ErrorIs(err, domain.ErrReservationNotFound)

	// Подтверждение после истечения уже невозможно, а купон снова доступен.
	s.ErrorIs(s.svc.Confirm(ctx, result.ReservationID, "O1"), domain.ErrReservationNotFound)
	_, err = s.reserveCoupon("O2")
	s.NoError(err)
}

func (s *ReservationLifecycleTestSuite) TestCancelReleasesCoupon() {
	ctx := context.Background()

	result, err := s.reserveCoupon("O1")
	s.Require().NoError(err)

	s.Require().NoError(s.svc.Cancel(ctx, result.ReservationID))
	s.Equal(domain.ResourceStatusAvailable, s.couponStatus())
	s.False(s.cache.Has(result.ReservationID))

	s.ErrorIs(s.svc.Cancel(ctx, result.ReservationID), domain.ErrReservationNotFound)
}

func (s *ReservationLifecycleTestSuite) TestDuplicateOrderCreatedReservesOnce() {
	ctx := context.Background()
	event := domain.InboundEvent{
		EventID:       "E1",
		EventType:     domain.EventTypeOrderCreated,
		CorrelationID: "O1",
		ResourceKind:  domain.ResourceKindStock,
		ResourceID:    "SKU-1",
		Amount:        3,
		OccurredAt:    s.clock.Now(),
	}

	// E: одно событие доставлено дважды
	first, err := s.stock.Handle(ctx, event)
	s.Require().NoError(err)
	s.Equal(ledger.OutcomeApplied, first)

	second, err := s.stock.Handle(ctx, event)
	s.Require().NoError(err)
	s.Equal(ledger.OutcomeDuplicate, second)

	stock, err := s.store.Stocks().Get(ctx, "SKU-1")
	s.Require().NoError(err)
	s.EqualValues(3, stock.Reserved)
	s.Len(s.store.LedgerEntries("E1"), 1)
}

func (s *ReservationLifecycleTestSuite) TestConcurrentDuplicateDeliveryReservesOnce() {
	ctx := context.Background()
	event := domain.InboundEvent{
		EventID:       "E-race",
		EventType:     domain.EventTypeOrderCreated,
		CorrelationID: "O-race",
		ResourceKind:  domain.ResourceKindStock,
		ResourceID:    "SKU-1",
		Amount:        2,
		OccurredAt:    s.clock.Now(),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.stock.Handle(ctx, event)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	stock, err := s.store.Stocks().Get(ctx, "SKU-1")
	s.Require().NoError(err)
	s.EqualValues(2, stock.Reserved)
	s.Len(s.store.LedgerEntries("E-race"), 1)
}

func (s *ReservationLifecycleTestSuite) TestDeadLetterForProcessedEventIsDiscarded() {
	ctx := context.Background()
	event := domain.InboundEvent{
		EventID:       "E1",
		EventType:     domain.EventTypeOrderCreated,
		CorrelationID: "O1",
		ResourceKind:  domain.ResourceKindStock,
		ResourceID:    "SKU-1",
		Amount:        1,
		OccurredAt:    s.clock.Now(),
	}
	_, err := s.stock.Handle(ctx, event)
	s.Require().NoError(err)

	raw, err := domain.DeadLetter{
		OriginalTopic: "orders.events",
		OriginalKey:   "O1",
		OriginalValue: `{"event_id":"E1","event_type":"order.created","correlation_id":"O1"}`,
		Consumer:      s.stock.Consumer(),
		ErrorMessage:  "lock busy",
		FailedAt:      s.clock.Now(),
		RetryCount:    3,
	}.Encode()
	s.Require().NoError(err)

	// F: ledger уже знает E1, повторная публикация не нужна
	result, err := s.coordinator.HandleRecord(ctx, raw)
	s.Require().NoError(err)
	s.Equal(deadletter.ResultDiscarded, result)
	s.Empty(s.republisher.sent)

	// Событие другого consumer'а ledger не видит и отправляется назад.
	other, err := domain.DeadLetter{
		OriginalTopic: "orders.events",
		OriginalKey:   "O1",
		OriginalValue: `{"event_id":"E1","event_type":"order.created","correlation_id":"O1"}`,
		Consumer:      "coupon-reservation",
		FailedAt:      s.clock.Now(),
		RetryCount:    1,
	}.Encode()
	s.Require().NoError(err)

	result, err = s.coordinator.HandleRecord(ctx, other)
	s.Require().NoError(err)
	s.Equal(deadletter.ResultRepublished, result)
	s.Require().Len(s.republisher.sent, 1)
	s.Equal("orders.events", s.republisher.sent[0].topic)
	s.Equal("1", s.republisher.sent[0].headers[deadletter.HeaderRetryCount])
}

func (s *ReservationLifecycleTestSuite) TestLedgerPruneKeepsAppliedEvents() {
	ctx := context.Background()
	created := domain.InboundEvent{
		EventID:       "E1",
		EventType:     domain.EventTypeOrderCreated,
		CorrelationID: "O1",
		ResourceKind:  domain.ResourceKindStock,
		ResourceID:    "SKU-1",
		Amount:        3,
		OccurredAt:    s.clock.Now(),
	}
	approved := domain.InboundEvent{
		EventID:       "P1",
		EventType:     domain.EventTypePaymentApproved,
		CorrelationID: "O1",
		OccurredAt:    s.clock.Now(),
	}
	tooLarge := domain.InboundEvent{
		EventID:       "E2",
		EventType:     domain.EventTypeOrderCreated,
		CorrelationID: "O2",
		ResourceKind:  domain.ResourceKindStock,
		ResourceID:    "SKU-1",
		Amount:        100,
		OccurredAt:    s.clock.Now(),
	}

	outcome, err := s.stock.Handle(ctx, created)
	s.Require().NoError(err)
	s.Require().Equal(ledger.OutcomeApplied, outcome)
	outcome, err = s.stock.Handle(ctx, approved)
	s.Require().NoError(err)
	s.Require().Equal(ledger.OutcomeApplied, outcome)
	outcome, err = s.stock.Handle(ctx, tooLarge)
	s.Require().NoError(err)
	s.Require().Equal(ledger.OutcomeRejected, outcome)

	s.clock.Add(8 * 24 * time.Hour)
	pruner := idempotency.NewRetentionWorker(s.store.ProcessedEvents(),
		idempotency.WithRetention(7*24*time.Hour),
		idempotency.WithClock(s.clock),
	)
	pruned, err := pruner.ProcessOnce(ctx)
	s.Require().NoError(err)
	s.Equal(1, pruned, "only the rejected row may be pruned")
	s.Empty(s.store.LedgerEntries("E2"))

	// Поздняя повторная доставка уже применённого события.
	outcome, err = s.stock.Handle(ctx, created)
	s.Require().NoError(err)
	s.Equal(ledger.OutcomeDuplicate, outcome)

	stock, err := s.store.Stocks().Get(ctx, "SKU-1")
	s.Require().NoError(err)
	s.EqualValues(7, stock.Quantity)
	s.EqualValues(0, stock.Reserved)
	s.Len(s.store.LedgerEntries("E1"), 1)
	s.Len(s.store.LedgerEntries("P1"), 1)
}

func TestReservationLifecycleSuite(t *testing.T) {
	suite.Run(t, new(ReservationLifecycleTestSuite))
}

func TestRolledBackReservationIsNeverAnnounced(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := reservation.NewService(store, lock.NewExecutor(lock.NewMemoryStore(nil)))
	publisher := &recordingPublisher{}
	relay := outbox.NewWorker(store.Outbox(), publisher)

	// Купона нет: транзакция резерва откатывается целиком вместе с outbox.
	_, err := svc.Reserve(ctx, domain.ReserveRequest{
		Kind:           domain.ResourceKindCoupon,
		ResourceID:     "missing",
		CorrelationKey: "O1",
		Amount:         1,
	})
	require.ErrorIs(t, err, domain.ErrCouponNotFound)
	require.Zero(t, relay.ProcessOnce(ctx))
	require.Empty(t, publisher.eventTypes())
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []domain.OutboxMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.messages))
	for _, msg := range p.messages {
		types = append(types, msg.EventType)
	}
	return types
}

type sentRecord struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type recordingRepublisher struct {
	sent []sentRecord
}

func (r *recordingRepublisher) Send(_ context.Context, topic, key string, value []byte, headers map[string]string) error {
	r.sent = append(r.sent, sentRecord{topic: topic, key: key, value: value, headers: headers})
	return nil
}
