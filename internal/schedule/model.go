package schedule

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotHeld      SlotStatus = "held"
	SlotBooked    SlotStatus = "booked"
	SlotBlocked   SlotStatus = "blocked"
	SlotCancelled SlotStatus = "cancelled"
)

type EmergencyStatus string

const (
	EmergencyPending   EmergencyStatus = "pending"
	EmergencyConfirmed EmergencyStatus = "confirmed"
	EmergencyCancelled EmergencyStatus = "cancelled"
	EmergencyCompleted EmergencyStatus = "completed"
)

type EmergencyPriority string

const (
	PriorityLow      EmergencyPriority = "low"
	PriorityMedium   EmergencyPriority = "medium"
	PriorityHigh     EmergencyPriority = "high"
	PriorityCritical EmergencyPriority = "critical"
)

type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeRange is a time-of-day window on a working day, expressed in minutes
// from midnight so it stays independent of any concrete date.
type TimeRange struct {
	StartMinute int  `json:"start_minute"`
	EndMinute   int  `json:"end_minute"`
	Active      bool `json:"active"`
}

func (r TimeRange) Valid() bool {
	return r.StartMinute >= 0 && r.EndMinute <= 24*60 && r.EndMinute > r.StartMinute
}

type WorkDay struct {
	Weekday time.Weekday `json:"weekday"`
	Active  bool         `json:"active"`
	Ranges  []TimeRange  `json:"ranges"`
}

// WorkTemplate is a doctor's recurring weekly work pattern. It is read-only
// input to slot generation; mutation happens through the template store.
type WorkTemplate struct {
	DoctorID        uuid.UUID
	Days            []WorkDay
	SlotDurationMin int
	UpdatedAt       time.Time
}

// DayFor returns the work day matching the weekday of t, if any.
func (t *WorkTemplate) DayFor(day time.Weekday) (WorkDay, bool) {
	for _, d := range t.Days {
		if d.Weekday == day {
			return d, true
		}
	}
	return WorkDay{}, false
}

// HasActiveDay reports whether the template has at least one active day with
// an active time range.
func (t *WorkTemplate) HasActiveDay() bool {
	for _, d := range t.Days {
		if !d.Active {
			continue
		}
		for _, r := range d.Ranges {
			if r.Active {
				return true
			}
		}
	}
	return false
}

// Slot is a fixed-duration bookable time unit for one doctor.
type Slot struct {
	ID             uuid.UUID
	DoctorID       uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	DurationMin    int
	Status         SlotStatus
	AppointmentRef *uuid.UUID
	Emergency      bool
	HoldExpiresAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Overlaps reports whether the slot's [start,end) window intersects the
// given window.
func (s *Slot) Overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && start.Before(s.EndTime)
}

// Hold is a time-boxed exclusive claim on a slot prior to a confirmed
// booking. At most one active hold exists per slot.
type Hold struct {
	ID        uuid.UUID
	SlotID    uuid.UUID
	PatientID uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (h *Hold) Expired(now time.Time) bool {
	return h.ExpiresAt.Before(now)
}

// EmergencyBooking is an out-of-template booking request carrying a priority
// used to justify pre-emption of regular slots.
type EmergencyBooking struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	SlotID    *uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Type      string
	Priority  EmergencyPriority
	Reason    string
	Status    EmergencyStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conflict describes an overlap between a proposed emergency window and an
// existing slot or hold. It is derived state and never persisted.
type Conflict struct {
	SlotID     uuid.UUID
	SlotStatus SlotStatus
	HoldID     *uuid.UUID
	Start      time.Time
	End        time.Time
	Severity   ConflictSeverity
	Resolution string
}

// BlockedRange is an explicit unavailability window (leave, meeting) that
// overrides generated slots.
type BlockedRange struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Reason    string
	CreatedAt time.Time
}

func (b *BlockedRange) Covers(start, end time.Time) bool {
	return b.StartTime.Before(end) && start.Before(b.EndTime)
}

type EventLog struct {
	ID        int64
	EventType string
	DoctorID  *uuid.UUID
	SlotID    *uuid.UUID
	BookingID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
