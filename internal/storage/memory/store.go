// Package memory — in-process реализация domain.Storage для тестов и
// одноэкземплярного запуска.
package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

// state — полный снимок данных хранилища.
type state struct {
	coupons      map[string]domain.Coupon
	stocks       map[string]domain.Stock
	reservations map[string]domain.Reservation
	processed    map[ledgerKey]domain.ProcessedEvent
	outbox       map[string]outboxRecord
	outboxSeq    int64
}

func newState() *state {
	return &state{
		coupons:      make(map[string]domain.Coupon),
		stocks:       make(map[string]domain.Stock),
		reservations: make(map[string]domain.Reservation),
		processed:    make(map[ledgerKey]domain.ProcessedEvent),
		outbox:       make(map[string]outboxRecord),
	}
}

func (s *state) clone() *state {
	dst := newState()
	for k, v := range s.coupons {
		dst.coupons[k] = v
	}
	for k, v := range s.stocks {
		dst.stocks[k] = v
	}
	for k, v := range s.reservations {
		dst.reservations[k] = v
	}
	for k, v := range s.processed {
		dst.processed[k] = v
	}
	for k, v := range s.outbox {
		v.msg = cloneOutboxMessage(v.msg)
		dst.outbox[k] = v
	}
	dst.outboxSeq = s.outboxSeq
	return dst
}

// Option настраивает Store.
type Option func(*Store)

// WithClock задаёт источник времени для служебных полей.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// Store хранит данные в памяти. Транзакция держит глобальную блокировку и
// работает с копией состояния, которая подменяет основное при commit.
type Store struct {
	mu    sync.Mutex
	state *state
	clock clock.Clock
}

// NewStore создаёт пустое хранилище.
func NewStore(options ...Option) *Store {
	s := &Store{
		state: newState(),
		clock: clock.NewRealClock(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

var _ domain.Storage = (*Store)(nil)

// scope определяет, с каким состоянием работают репозитории:
// tx != nil — внутри транзакции (блокировка уже взята), иначе автокоммит.
type scope struct {
	store *Store
	tx    *state
}

func (sc *scope) run(fn func(st *state) error) error {
	if sc.tx != nil {
		return fn(sc.tx)
	}
	sc.store.mu.Lock()
	defer sc.store.mu.Unlock()
	return fn(sc.store.state)
}

func (sc *scope) Coupons() domain.CouponRepository {
	return &couponRepository{scope: sc}
}

func (sc *scope) Stocks() domain.StockRepository {
	return &stockRepository{scope: sc}
}

func (sc *scope) Reservations() domain.ReservationRepository {
	return &reservationRepository{scope: sc}
}

func (sc *scope) ProcessedEvents() domain.ProcessedEventRepository {
	return &processedEventRepository{scope: sc}
}

func (sc *scope) Outbox() domain.OutboxRepository {
	return &outboxRepository{scope: sc}
}

func (s *Store) autocommit() *scope {
	return &scope{store: s}
}

func (s *Store) Coupons() domain.CouponRepository {
	return s.autocommit().Coupons()
}

func (s *Store) Stocks() domain.StockRepository {
	return s.autocommit().Stocks()
}

func (s *Store) Reservations() domain.ReservationRepository {
	return s.autocommit().Reservations()
}

func (s *Store) ProcessedEvents() domain.ProcessedEventRepository {
	return s.autocommit().ProcessedEvents()
}

func (s *Store) Outbox() domain.OutboxRepository {
	return s.autocommit().Outbox()
}

// WithinTx выполняет fn над копией состояния и публикует её при успехе.
// Внутри fn нельзя обращаться к репозиториям самого Store.
func (s *Store) WithinTx(ctx context.Context, fn domain.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.state.clone()
	if err := fn(ctx, &scope{store: s, tx: tx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.state = tx
	return nil
}
