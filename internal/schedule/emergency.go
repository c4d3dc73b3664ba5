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

// EmergencyRequest is an out-of-band booking request.
type EmergencyRequest struct {
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	StartTime   time.Time
	DurationMin int
	Type        string
	Priority    EmergencyPriority
	Reason      string
}

func (r EmergencyRequest) Validate() error {
	if r.StartTime.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalidTimeRange)
	}
	if r.DurationMin <= 0 {
		return ErrInvalidDuration
	}
	switch r.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return nil
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTimeRange, r.Priority)
	}
}

func (r EmergencyRequest) endTime() time.Time {
	return r.StartTime.Add(time.Duration(r.DurationMin) * time.Minute)
}

// BookingResult is the typed outcome of BookEmergency. Success false with a
// non-empty conflict list means the caller must resolve first; it is not an
// error.
type BookingResult struct {
	Success   bool
	Booking   *EmergencyBooking
	Conflicts []Conflict
}

// EmergencyCoordinator accepts out-of-band booking requests, detects
// conflicts against existing slots and holds, and executes the pre-emption
// policy: critical emergencies may displace available or held slots, but a
// booked slot is only ever displaced through an explicit ResolveConflicts.
type EmergencyCoordinator struct {
	repo   Repository
	locker Locker
	now    func() time.Time
}

func NewEmergencyCoordinator(repo Repository, locker Locker) *EmergencyCoordinator {
	return &EmergencyCoordinator{
		repo:   repo,
		locker: locker,
		now:    time.Now,
	}
}

// CheckConflicts returns the overlaps between the requested window and the
// doctor's existing slots and holds, graded at baseline priority.
func (c *EmergencyCoordinator) CheckConflicts(ctx context.Context, doctorID uuid.UUID, start, end time.Time) ([]Conflict, error) {
	if !end.After(start) {
		return nil, ErrInvalidTimeRange
	}
	return c.gradeConflicts(ctx, doctorID, start, end, PriorityMedium)
}

// CanBookEmergency reports whether a request for the window would succeed
// under the booking policy without mutating anything.
func (c *EmergencyCoordinator) CanBookEmergency(ctx context.Context, doctorID uuid.UUID, start time.Time, durationMin int, priority EmergencyPriority) (bool, error) {
	if durationMin <= 0 {
		return false, ErrInvalidDuration
	}
	conflicts, err := c.gradeConflicts(ctx, doctorID, start, start.Add(time.Duration(durationMin)*time.Minute), priority)
	if err != nil {
		return false, err
	}
	return bookable(conflicts, priority), nil
}

// BookEmergency applies the booking policy. On success the booking is
// confirmed and either consumes an exactly matching available slot or
// synthesizes a new out-of-template emergency slot. On conflict it returns
// the conflicts with no state mutation at all.
func (c *EmergencyCoordinator) BookEmergency(ctx context.Context, req EmergencyRequest) (*BookingResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := c.repo.GetDoctorByID(ctx, req.DoctorID); err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if _, err := c.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}

	start, end := req.StartTime, req.endTime()

	var result *BookingResult
	err := c.locker.WithLock(ctx, doctorLockKey(req.DoctorID), func(lockCtx context.Context) error {
		conflicts, err := c.gradeConflicts(lockCtx, req.DoctorID, start, end, req.Priority)
		if err != nil {
			return err
		}
		if !bookable(conflicts, req.Priority) {
			result = &BookingResult{Success: false, Conflicts: conflicts}
			return nil
		}

		booking, err := c.confirmBooking(lockCtx, req, conflicts)
		if err != nil {
			return err
		}
		result = &BookingResult{Success: true, Booking: booking, Conflicts: conflicts}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// confirmBooking runs inside the doctor lock: pre-empt the losing slots,
// secure a slot for the emergency, then walk the booking through
// pending -> confirmed so both transitions are on record.
func (c *EmergencyCoordinator) confirmBooking(ctx context.Context, req EmergencyRequest, conflicts []Conflict) (*EmergencyBooking, error) {
	start, end := req.StartTime, req.endTime()

	// An available slot covering exactly the requested window is consumed
	// instead of pre-empted.
	var consume *Conflict
	for i := range conflicts {
		if conflicts[i].SlotStatus == SlotAvailable && conflicts[i].Start.Equal(start) && conflicts[i].End.Equal(end) {
			consume = &conflicts[i]
			break
		}
	}

	for i := range conflicts {
		cf := conflicts[i]
		if consume != nil && cf.SlotID == consume.SlotID {
			continue
		}
		slot, hold, err := c.repo.PreemptSlot(ctx, cf.SlotID)
		if err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				continue
			}
			return nil, fmt.Errorf("preempt slot %s: %w", cf.SlotID, err)
		}
		metrics.SlotsPreempted.Inc()
		payload := map[string]any{"prior_status": string(cf.SlotStatus)}
		if hold != nil {
			payload["displaced_patient_id"] = hold.PatientID.String()
		}
		recordEvent(ctx, c.repo, EventSlotPreempted, &slot.DoctorID, &slot.ID, nil, payload)
	}

	bookingID := uuid.New()

	var slot *Slot
	var err error
	if consume != nil {
		// Grading treats an expired hold as already released, but the slot
		// may still be stored as held. The consume CAS requires it to really
		// be available, so reclaim the dead hold first.
		stored, loadErr := c.repo.GetSlotByID(ctx, consume.SlotID)
		if loadErr != nil {
			return nil, fmt.Errorf("load slot %s: %w", consume.SlotID, loadErr)
		}
		if stored.Status == SlotHeld {
			if _, err := c.repo.ReleaseSlot(ctx, consume.SlotID); err != nil && !errors.Is(err, ErrSlotNotFound) {
				return nil, fmt.Errorf("reclaim expired hold on slot %s: %w", consume.SlotID, err)
			}
			metrics.HoldsExpired.Inc()
			recordEvent(ctx, c.repo, EventHoldExpired, &stored.DoctorID, &stored.ID, nil, map[string]any{"reason": "emergency"})
		}
		slot, err = c.repo.ConsumeSlotForBooking(ctx, consume.SlotID, bookingID)
		if err != nil {
			return nil, fmt.Errorf("consume slot %s: %w", consume.SlotID, err)
		}
	} else {
		ref := bookingID
		slot, err = c.repo.InsertSlot(ctx, Slot{
			ID:             uuid.New(),
			DoctorID:       req.DoctorID,
			StartTime:      start,
			EndTime:        end,
			DurationMin:    req.DurationMin,
			Status:         SlotBooked,
			AppointmentRef: &ref,
			Emergency:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("insert emergency slot: %w", err)
		}
	}

	booking := EmergencyBooking{
		ID:        bookingID,
		DoctorID:  req.DoctorID,
		PatientID: req.PatientID,
		SlotID:    &slot.ID,
		StartTime: start,
		EndTime:   end,
		Type:      req.Type,
		Priority:  req.Priority,
		Reason:    req.Reason,
		Status:    EmergencyPending,
	}
	if _, err := c.repo.CreateEmergencyBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("create emergency booking: %w", err)
	}
	confirmed, err := c.repo.UpdateEmergencyBookingStatus(ctx, bookingID, EmergencyPending, EmergencyConfirmed)
	if err != nil {
		return nil, fmt.Errorf("confirm emergency booking: %w", err)
	}

	metrics.EmergenciesBooked.Inc()
	recordEvent(ctx, c.repo, EventEmergencyConfirmed, &req.DoctorID, &slot.ID, &confirmed.ID, map[string]any{
		"priority": string(req.Priority),
		"type":     req.Type,
	})
	return confirmed, nil
}

// ResolveConflicts explicitly displaces the conflicting slots, including
// booked ones: a displaced booking is cancelled and flagged for
// rescheduling, never silently dropped. Returns true when every conflict
// was cleared.
func (c *EmergencyCoordinator) ResolveConflicts(ctx context.Context, doctorID uuid.UUID, conflicts []Conflict) (bool, error) {
	if len(conflicts) == 0 {
		return true, nil
	}

	resolvedAll := true
	err := c.locker.WithLock(ctx, doctorLockKey(doctorID), func(lockCtx context.Context) error {
		for i := range conflicts {
			cf := conflicts[i]
			slot, err := c.repo.GetSlotByID(lockCtx, cf.SlotID)
			if err != nil {
				if errors.Is(err, ErrSlotNotFound) {
					continue
				}
				return fmt.Errorf("load slot %s: %w", cf.SlotID, err)
			}

			switch slot.Status {
			case SlotCancelled:
				continue
			case SlotBooked:
				displaced := slot.AppointmentRef
				if _, err := c.repo.UpdateSlotStatus(lockCtx, slot.ID, SlotBooked, SlotCancelled); err != nil {
					if errors.Is(err, ErrSlotNotFound) {
						continue
					}
					return fmt.Errorf("cancel booked slot %s: %w", slot.ID, err)
				}
				payload := map[string]any{}
				if displaced != nil {
					payload["appointment_ref"] = displaced.String()
				}
				recordEvent(lockCtx, c.repo, EventBookingRescheduleNeeded, &slot.DoctorID, &slot.ID, nil, payload)
			case SlotAvailable, SlotHeld:
				s, hold, err := c.repo.PreemptSlot(lockCtx, slot.ID)
				if err != nil {
					if errors.Is(err, ErrSlotNotFound) {
						continue
					}
					return fmt.Errorf("preempt slot %s: %w", slot.ID, err)
				}
				metrics.SlotsPreempted.Inc()
				payload := map[string]any{"prior_status": string(slot.Status)}
				if hold != nil {
					payload["displaced_patient_id"] = hold.PatientID.String()
				}
				recordEvent(lockCtx, c.repo, EventSlotPreempted, &s.DoctorID, &s.ID, nil, payload)
			default:
				// A blocked slot stays blocked; the doctor is unavailable.
				resolvedAll = false
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return resolvedAll, nil
}

// CancelEmergency cancels a pending or confirmed emergency booking and frees
// its slot. Cancelling an already cancelled booking is a no-op success.
func (c *EmergencyCoordinator) CancelEmergency(ctx context.Context, id uuid.UUID, reason string) error {
	booking, err := c.repo.GetEmergencyBookingByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load emergency booking: %w", err)
	}

	switch booking.Status {
	case EmergencyCancelled:
		return nil
	case EmergencyCompleted:
		return ErrInvalidStateTransition
	}

	if _, err := c.repo.UpdateEmergencyBookingStatus(ctx, id, booking.Status, EmergencyCancelled); err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return ErrInvalidStateTransition
		}
		return fmt.Errorf("cancel emergency booking: %w", err)
	}

	if booking.SlotID != nil {
		if err := c.freeEmergencySlot(ctx, *booking.SlotID); err != nil {
			log.Error().Err(err).Str("booking_id", id.String()).Msg("free emergency slot")
		}
	}

	recordEvent(ctx, c.repo, EventEmergencyCancelled, &booking.DoctorID, booking.SlotID, &id, map[string]any{
		"reason": reason,
	})
	return nil
}

// CompleteEmergency marks a confirmed emergency booking as completed.
func (c *EmergencyCoordinator) CompleteEmergency(ctx context.Context, id uuid.UUID) error {
	booking, err := c.repo.GetEmergencyBookingByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load emergency booking: %w", err)
	}
	if booking.Status != EmergencyConfirmed {
		return ErrInvalidStateTransition
	}
	if _, err := c.repo.UpdateEmergencyBookingStatus(ctx, id, EmergencyConfirmed, EmergencyCompleted); err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return ErrInvalidStateTransition
		}
		return fmt.Errorf("complete emergency booking: %w", err)
	}
	recordEvent(ctx, c.repo, EventEmergencyCompleted, &booking.DoctorID, booking.SlotID, &id, nil)
	return nil
}

// freeEmergencySlot undoes the slot side of a cancelled booking: a
// synthesized emergency slot is cancelled outright, a consumed template slot
// returns to available.
func (c *EmergencyCoordinator) freeEmergencySlot(ctx context.Context, slotID uuid.UUID) error {
	slot, err := c.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil
		}
		return err
	}
	if slot.Status != SlotBooked {
		return nil
	}
	if slot.Emergency {
		_, err = c.repo.UpdateSlotStatus(ctx, slotID, SlotBooked, SlotCancelled)
	} else {
		_, err = c.repo.ReopenSlot(ctx, slotID)
	}
	if errors.Is(err, ErrSlotNotFound) {
		return nil
	}
	return err
}

// gradeConflicts scans the doctor's slots overlapping [start, end) and
// grades each overlap. Severity starts from the state of what the emergency
// would displace and escalates one level for critical requests.
func (c *EmergencyCoordinator) gradeConflicts(ctx context.Context, doctorID uuid.UUID, start, end time.Time, priority EmergencyPriority) ([]Conflict, error) {
	slots, err := c.repo.ListSlots(ctx, doctorID, dateOf(start), end)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	now := c.now()
	var conflicts []Conflict
	for i := range slots {
		s := slots[i]
		if s.Status == SlotCancelled || !s.Overlaps(start, end) {
			continue
		}

		status := s.Status
		var holdID *uuid.UUID
		if status == SlotHeld {
			// An expired hold no longer counts as a conflict; the slot is
			// effectively available again.
			if s.HoldExpiresAt != nil && s.HoldExpiresAt.Before(now) {
				status = SlotAvailable
			} else if hold, err := c.repo.GetActiveHoldForSlot(ctx, s.ID); err == nil && hold != nil {
				holdID = &hold.ID
			}
		}

		var severity ConflictSeverity
		var resolution string
		switch status {
		case SlotBooked:
			severity, resolution = SeverityHigh, "reschedule_booking"
		case SlotHeld:
			severity, resolution = SeverityMedium, "preempt_hold"
		case SlotBlocked:
			severity, resolution = SeverityHigh, "choose_other_time"
		default:
			severity, resolution = SeverityLow, "consume_slot"
		}
		if priority == PriorityCritical {
			severity = escalate(severity)
		}

		conflicts = append(conflicts, Conflict{
			SlotID:     s.ID,
			SlotStatus: status,
			HoldID:     holdID,
			Start:      s.StartTime,
			End:        s.EndTime,
			Severity:   severity,
			Resolution: resolution,
		})
	}
	return conflicts, nil
}

// bookable applies the booking policy to a graded conflict set: no
// conflicts books for any priority, and a critical request may additionally
// pre-empt anything that is not booked or blocked.
func bookable(conflicts []Conflict, priority EmergencyPriority) bool {
	if len(conflicts) == 0 {
		return true
	}
	if priority != PriorityCritical {
		return false
	}
	for i := range conflicts {
		if conflicts[i].SlotStatus == SlotBooked || conflicts[i].SlotStatus == SlotBlocked {
			return false
		}
	}
	return true
}

func escalate(s ConflictSeverity) ConflictSeverity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}
