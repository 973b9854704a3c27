package memory

import (
	"context"

	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
)

type couponRepository struct {
	scope *scope
}

var _ domain.CouponRepository = (*couponRepository)(nil)

func (r *couponRepository) Create(_ context.Context, coupon domain.Coupon) error {
	now := r.scope.store.clock.Now()
	return r.scope.run(func(st *state) error {
		if _, ok := st.coupons[coupon.ID]; ok {
			return domain.ErrResourceExists
		}
		if coupon.Status == "" {
			coupon.Status = domain.ResourceStatusAvailable
		}
		if coupon.CreatedAt.IsZero() {
			coupon.CreatedAt = now
		}
		if coupon.UpdatedAt.IsZero() {
			coupon.UpdatedAt = coupon.CreatedAt
		}
		st.coupons[coupon.ID] = coupon
		return nil
	})
}

func (r *couponRepository) Get(_ context.Context, id string) (domain.Coupon, error) {
	var coupon domain.Coupon
	err := r.scope.run(func(st *state) error {
		stored, ok := st.coupons[id]
		if !ok {
			return domain.ErrCouponNotFound
		}
		coupon = stored
		return nil
	})
	return coupon, err
}

func (r *couponRepository) Save(_ context.Context, coupon domain.Coupon) error {
	return r.scope.run(func(st *state) error {
		stored, ok := st.coupons[coupon.ID]
		if !ok {
			return domain.ErrCouponNotFound
		}
		if stored.Version != coupon.Version {
			return domain.ErrVersionConflict
		}
		coupon.Version++
		coupon.CreatedAt = stored.CreatedAt
		st.coupons[coupon.ID] = coupon
		return nil
	})
}
