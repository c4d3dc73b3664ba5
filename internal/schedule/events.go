package schedule

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	EventSlotsGenerated          = "SLOTS_GENERATED"
	EventRangeBlocked            = "RANGE_BLOCKED"
	EventHoldCreated             = "HOLD_CREATED"
	EventHoldReleased            = "HOLD_RELEASED"
	EventHoldExpired             = "HOLD_EXPIRED"
	EventSlotBooked              = "SLOT_BOOKED"
	EventSlotPreempted           = "SLOT_PREEMPTED"
	EventEmergencyConfirmed      = "EMERGENCY_CONFIRMED"
	EventEmergencyCancelled      = "EMERGENCY_CANCELLED"
	EventEmergencyCompleted      = "EMERGENCY_COMPLETED"
	EventBookingRescheduleNeeded = "BOOKING_RESCHEDULE_REQUIRED"
)

// recordEvent writes a transition to the event log. Event logging is
// best-effort: a failed insert is logged, never propagated, so it cannot
// roll back the transition it describes.
func recordEvent(ctx context.Context, repo Repository, eventType string, doctorID, slotID, bookingID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		DoctorID:  doctorID,
		SlotID:    slotID,
		BookingID: bookingID,
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := repo.InsertEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("insert event log")
	}
}
