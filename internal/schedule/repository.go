package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TemplateStore provides the per-doctor recurring weekly work pattern. It is
// an external collaborator as far as the engine is concerned; generation
// only ever reads from it.
type TemplateStore interface {
	GetWorkTemplate(ctx context.Context, doctorID uuid.UUID) (*WorkTemplate, error)
}

// Repository contains all store interactions needed by the engine. The unit
// of atomicity is a single method call: conditional status updates are
// compare-and-swap, and the reserve/release/confirm methods execute their
// steps as one transaction.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// ListSlots returns the doctor's slots with start time in [from, to),
	// ordered by start time. Cancelled slots are included; callers filter.
	ListSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error)
	InsertSlot(ctx context.Context, slot Slot) (*Slot, error)
	// UpdateSlotStatus flips status from -> to only when the current status
	// still equals from. ErrSlotNotFound means no row matched.
	UpdateSlotStatus(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error)

	// ReserveSlot atomically moves an available slot to held and creates its
	// hold. ErrSlotNotAvailable when the slot exists but is not available.
	ReserveSlot(ctx context.Context, slotID, patientID uuid.UUID, expiresAt time.Time) (*Hold, error)
	// ReleaseSlot atomically deletes the slot's hold and moves it back to
	// available. ErrSlotNotFound when the slot is not currently held.
	ReleaseSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error)
	// ConfirmSlot atomically moves a held slot to booked, records the
	// appointment reference and deletes the hold.
	ConfirmSlot(ctx context.Context, slotID, appointmentRef uuid.UUID) (*Slot, error)
	// PreemptSlot cancels an available or held slot (deleting any hold) on
	// behalf of an emergency booking.
	PreemptSlot(ctx context.Context, slotID uuid.UUID) (*Slot, *Hold, error)
	// ConsumeSlotForBooking atomically moves an available slot to booked and
	// points it at the given booking.
	ConsumeSlotForBooking(ctx context.Context, slotID, bookingID uuid.UUID) (*Slot, error)
	// ReopenSlot returns a booked slot to available, clearing its booking
	// reference.
	ReopenSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error)

	// GetActiveHoldForSlot returns (nil, nil) when the slot has no hold.
	GetActiveHoldForSlot(ctx context.Context, slotID uuid.UUID) (*Hold, error)
	FindExpiredHeldSlots(ctx context.Context, now time.Time) ([]Slot, error)

	InsertBlockedRange(ctx context.Context, br BlockedRange) (*BlockedRange, error)
	ListBlockedRanges(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]BlockedRange, error)

	CreateEmergencyBooking(ctx context.Context, b EmergencyBooking) (*EmergencyBooking, error)
	GetEmergencyBookingByID(ctx context.Context, id uuid.UUID) (*EmergencyBooking, error)
	UpdateEmergencyBookingStatus(ctx context.Context, id uuid.UUID, from, to EmergencyStatus) (*EmergencyBooking, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Locker guards the engine's critical sections. The redis implementation
// backs multi-process deployments; a process-local implementation is enough
// for a single process.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func slotLockKey(slotID uuid.UUID) string {
	return "lock:slot:" + slotID.String()
}

func doctorLockKey(doctorID uuid.UUID) string {
	return "lock:schedule:" + doctorID.String()
}
