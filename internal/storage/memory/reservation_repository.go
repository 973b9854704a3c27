package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

type reservationRepository struct {
	scope *scope
}

var _ domain.ReservationRepository = (*reservationRepository)(nil)

func (r *reservationRepository) Create(_ context.Context, reservation domain.Reservation) error {
	if reservation.ID == "" {
		return domain.ErrReservationIDRequired
	}
	return r.scope.run(func(st *state) error {
		if _, ok := st.reservations[reservation.ID]; ok {
			return domain.ErrReservationExists
		}
		for _, existing := range st.reservations {
			if existing.Kind == reservation.Kind &&
				existing.ResourceID == reservation.ResourceID &&
				existing.ExternalKey == reservation.ExternalKey {
				return domain.ErrReservationExists
			}
		}
		st.reservations[reservation.ID] = reservation
		return nil
	})
}

func (r *reservationRepository) Get(_ context.Context, id string) (domain.Reservation, error) {
	var reservation domain.Reservation
	err := r.scope.run(func(st *state) error {
		stored, ok := st.reservations[id]
		if !ok {
			return domain.ErrReservationNotFound
		}
		reservation = stored
		return nil
	})
	return reservation, err
}

func (r *reservationRepository) FindByExternalKey(_ context.Context, kind domain.ResourceKind, resourceID, externalKey string) (domain.Reservation, error) {
	var reservation domain.Reservation
	err := r.scope.run(func(st *state) error {
		for _, existing := range st.reservations {
			if existing.Kind == kind && existing.ResourceID == resourceID && existing.ExternalKey == externalKey {
				reservation = existing
				return nil
			}
		}
		return domain.ErrReservationNotFound
	})
	return reservation, err
}

func (r *reservationRepository) ListByExternalKey(_ context.Context, externalKey string) ([]domain.Reservation, error) {
	var result []domain.Reservation
	err := r.scope.run(func(st *state) error {
		for _, existing := range st.reservations {
			if existing.ExternalKey == externalKey {
				result = append(result, existing)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, err
}

func (r *reservationRepository) ListExpired(_ context.Context, before time.Time, limit int) ([]domain.Reservation, error) {
	var result []domain.Reservation
	err := r.scope.run(func(st *state) error {
		for _, existing := range st.reservations {
			if existing.ExpiresAt.Before(before) {
				result = append(result, existing)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, err
}

func (r *reservationRepository) Delete(_ context.Context, id string) (bool, error) {
	deleted := false
	err := r.scope.run(func(st *state) error {
		if _, ok := st.reservations[id]; ok {
			delete(st.reservations, id)
			deleted = true
		}
		return nil
	})
	return deleted, err
}
