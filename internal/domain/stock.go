package domain

import "time"

// Stock — складской остаток SKU с количественным резервом.
type Stock struct {
	ID string
	// OwnerID ограничивает резерв владельцем (например, продавцом); пустой — без ограничения.
	OwnerID   string
	Quantity  int64
	Reserved  int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available возвращает количество, доступное для резерва.
func (s *Stock) Available() int64 {
	return s.Quantity - s.Reserved
}

// Reserve увеличивает резерв; доступный остаток не может стать отрицательным.
func (s *Stock) Reserve(ownerKey string, amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if s.OwnerID != "" && s.OwnerID != ownerKey {
		return ErrOwnerMismatch
	}
	if amount > s.Available() {
		return ErrInsufficientAmount
	}

	s.Reserved += amount
	s.UpdatedAt = now
	return nil
}

// Commit списывает подтверждённый резерв с остатка.
func (s *Stock) Commit(amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > s.Reserved {
		return ErrInvalidStatus
	}

	s.Reserved -= amount
	s.Quantity -= amount
	s.UpdatedAt = now
	return nil
}

// Release возвращает зарезервированное количество в доступный остаток.
func (s *Stock) Release(amount int64, now time.Time) {
	if amount <= 0 {
		return
	}
	if amount > s.Reserved {
		amount = s.Reserved
	}

	s.Reserved -= amount
	s.UpdatedAt = now
}
