package schedule

import "errors"

var (
	ErrDoctorNotFound   = errors.New("doctor not found")
	ErrPatientNotFound  = errors.New("patient not found")
	ErrSlotNotFound     = errors.New("slot not found")
	ErrBookingNotFound  = errors.New("emergency booking not found")
	ErrTemplateMissing  = errors.New("doctor has no active work template")
	ErrInvalidDuration  = errors.New("slot duration is invalid")
	ErrInvalidTimeRange = errors.New("time range is invalid")

	// ErrSlotNotAvailable is how a lost reserve race surfaces: the slot is
	// no longer available, the caller should retry against another slot.
	ErrSlotNotAvailable = errors.New("slot is not available")

	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrHoldExpired            = errors.New("hold has expired")
	ErrConflictUnresolved     = errors.New("emergency booking blocked by unresolved conflicts")

	// ErrLockNotAcquired is returned by a Locker when the critical section
	// is already owned by another caller.
	ErrLockNotAcquired = errors.New("schedule lock not acquired")
)
