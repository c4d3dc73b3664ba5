package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clinicore/clinic-scheduling/internal/metrics"
)

// ReservationManager owns the slot state machine
// available -> held -> {booked, available}. Reserve is the one operation
// that must be atomic: the per-slot lock serializes callers and the
// repository's conditional update settles any that slip past it.
type ReservationManager struct {
	repo           Repository
	locker         Locker
	defaultHoldTTL time.Duration
	now            func() time.Time
}

func NewReservationManager(repo Repository, locker Locker, defaultHoldTTL time.Duration) *ReservationManager {
	return &ReservationManager{
		repo:           repo,
		locker:         locker,
		defaultHoldTTL: defaultHoldTTL,
		now:            time.Now,
	}
}

// Reserve grants a short-lived exclusive hold on an available slot. A lost
// race surfaces as ErrSlotNotAvailable so the caller can retry against a
// different slot.
func (m *ReservationManager) Reserve(ctx context.Context, slotID, patientID uuid.UUID, holdFor time.Duration) (*Hold, error) {
	if holdFor <= 0 {
		holdFor = m.defaultHoldTTL
	}

	if _, err := m.repo.GetPatientByID(ctx, patientID); err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}

	slot, err := m.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot, err = m.reclaimIfExpired(ctx, slot); err != nil {
		return nil, err
	}
	if slot.Status != SlotAvailable {
		metrics.ReservationConflicts.Inc()
		return nil, ErrSlotNotAvailable
	}

	expiresAt := m.now().Add(holdFor)

	var hold *Hold
	err = m.locker.WithLock(ctx, slotLockKey(slotID), func(lockCtx context.Context) error {
		h, err := m.repo.ReserveSlot(lockCtx, slotID, patientID, expiresAt)
		if err != nil {
			return err
		}
		hold = h
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) || errors.Is(err, ErrSlotNotAvailable) {
			metrics.ReservationConflicts.Inc()
			return nil, ErrSlotNotAvailable
		}
		return nil, err
	}

	metrics.ReservationsGranted.Inc()
	recordEvent(ctx, m.repo, EventHoldCreated, &slot.DoctorID, &slotID, nil, map[string]any{
		"patient_id": patientID.String(),
		"expires_at": hold.ExpiresAt,
	})
	return hold, nil
}

// Release clears the slot's hold and returns it to available. Releasing a
// slot that is already available is a no-op success.
func (m *ReservationManager) Release(ctx context.Context, slotID uuid.UUID) error {
	slot, err := m.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return fmt.Errorf("load slot: %w", err)
	}

	switch slot.Status {
	case SlotAvailable:
		return nil
	case SlotHeld:
		// fall through to release below
	default:
		return ErrInvalidStateTransition
	}

	released := false
	err = m.locker.WithLock(ctx, slotLockKey(slotID), func(lockCtx context.Context) error {
		if _, err := m.repo.ReleaseSlot(lockCtx, slotID); err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				// The CAS missed. Re-read to tell a concurrent release or
				// reclaim (the outcome we wanted) from a hold that was
				// confirmed into a booking in the meantime.
				current, rerr := m.repo.GetSlotByID(lockCtx, slotID)
				if rerr != nil {
					return fmt.Errorf("load slot: %w", rerr)
				}
				if current.Status == SlotAvailable {
					return nil
				}
				return ErrInvalidStateTransition
			}
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return err
	}

	if released {
		recordEvent(ctx, m.repo, EventHoldReleased, &slot.DoctorID, &slotID, nil, nil)
	}
	return nil
}

// Confirm consumes the slot's hold into a confirmed booking. The repository
// performs the held->booked flip and the hold deletion as one transaction,
// so there is no window where the slot is neither held nor booked.
func (m *ReservationManager) Confirm(ctx context.Context, slotID, appointmentRef uuid.UUID) (*Slot, error) {
	slot, err := m.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.Status != SlotHeld {
		return nil, ErrInvalidStateTransition
	}
	if slot.HoldExpiresAt != nil && slot.HoldExpiresAt.Before(m.now()) {
		if _, err := m.reclaimIfExpired(ctx, slot); err != nil {
			return nil, err
		}
		return nil, ErrHoldExpired
	}

	var booked *Slot
	err = m.locker.WithLock(ctx, slotLockKey(slotID), func(lockCtx context.Context) error {
		s, err := m.repo.ConfirmSlot(lockCtx, slotID, appointmentRef)
		if err != nil {
			return err
		}
		booked = s
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}

	recordEvent(ctx, m.repo, EventSlotBooked, &booked.DoctorID, &slotID, nil, map[string]any{
		"appointment_ref": appointmentRef.String(),
	})
	return booked, nil
}

// ReclaimExpired is the sweep half of expiry reconciliation: it releases
// every held slot whose hold has passed its expiry instant. The lazy path
// (reclaimIfExpired) compares against the same stored instant, so the two
// can never disagree about whether a hold is still valid.
func (m *ReservationManager) ReclaimExpired(ctx context.Context) (int, error) {
	expired, err := m.repo.FindExpiredHeldSlots(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("find expired holds: %w", err)
	}

	reclaimed := 0
	for i := range expired {
		s := expired[i]
		if _, err := m.repo.ReleaseSlot(ctx, s.ID); err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				continue
			}
			log.Error().Err(err).Str("slot_id", s.ID.String()).Msg("reclaim expired hold")
			continue
		}
		reclaimed++
		metrics.HoldsExpired.Inc()
		recordEvent(ctx, m.repo, EventHoldExpired, &s.DoctorID, &s.ID, nil, map[string]any{"reason": "sweep"})
	}
	return reclaimed, nil
}

// reclaimIfExpired lazily releases the slot's hold when it has expired and
// returns the slot in its current state. Callers never observe a held slot
// whose hold is actually past expiry.
func (m *ReservationManager) reclaimIfExpired(ctx context.Context, slot *Slot) (*Slot, error) {
	if slot.Status != SlotHeld || slot.HoldExpiresAt == nil || !slot.HoldExpiresAt.Before(m.now()) {
		return slot, nil
	}

	released, err := m.repo.ReleaseSlot(ctx, slot.ID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			// Lost the reclaim race; re-read whatever state won.
			return m.repo.GetSlotByID(ctx, slot.ID)
		}
		return nil, fmt.Errorf("reclaim expired hold: %w", err)
	}

	metrics.HoldsExpired.Inc()
	recordEvent(ctx, m.repo, EventHoldExpired, &slot.DoctorID, &slot.ID, nil, map[string]any{"reason": "lazy"})
	return released, nil
}
