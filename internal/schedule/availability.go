package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AvailabilityIndex is a read projection over slot state. It performs no
// mutation of its own, but routes expired holds through the reservation
// manager's reclaim path first so callers always see reconciled state.
type AvailabilityIndex struct {
	repo         Repository
	reservations *ReservationManager
}

func NewAvailabilityIndex(repo Repository, reservations *ReservationManager) *AvailabilityIndex {
	return &AvailabilityIndex{
		repo:         repo,
		reservations: reservations,
	}
}

// GetAvailableDates returns the dates in [start, end) with at least one
// available slot for the doctor, in ascending order.
func (a *AvailabilityIndex) GetAvailableDates(ctx context.Context, doctorID uuid.UUID, start, end time.Time) ([]time.Time, error) {
	if _, err := a.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	slots, err := a.repo.ListSlots(ctx, doctorID, dateOf(start), end)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	var dates []time.Time
	seen := make(map[int64]bool)
	for i := range slots {
		s, err := a.reservations.reclaimIfExpired(ctx, &slots[i])
		if err != nil {
			return nil, err
		}
		if s.Status != SlotAvailable {
			continue
		}
		day := dateOf(s.StartTime)
		if key := day.Unix(); !seen[key] {
			seen[key] = true
			dates = append(dates, day)
		}
	}
	return dates, nil
}

// GetAvailableTimeSlots returns the doctor's available slots on the given
// date, ordered by start time.
func (a *AvailabilityIndex) GetAvailableTimeSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Slot, error) {
	if _, err := a.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	day := dateOf(date)
	slots, err := a.repo.ListSlots(ctx, doctorID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	available := make([]Slot, 0, len(slots))
	for i := range slots {
		s, err := a.reservations.reclaimIfExpired(ctx, &slots[i])
		if err != nil {
			return nil, err
		}
		if s.Status == SlotAvailable {
			available = append(available, *s)
		}
	}
	return available, nil
}

// IsSlotAvailable reports whether the slot can be reserved right now.
func (a *AvailabilityIndex) IsSlotAvailable(ctx context.Context, slotID uuid.UUID) (bool, error) {
	slot, err := a.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return false, fmt.Errorf("load slot: %w", err)
	}
	slot, err = a.reservations.reclaimIfExpired(ctx, slot)
	if err != nil {
		return false, err
	}
	return slot.Status == SlotAvailable, nil
}
