package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/clinic-scheduling/internal/schedule"
)

type GenerateRequest struct {
	Start           string `json:"start"` // YYYY-MM-DD
	SlotDurationMin int    `json:"slot_duration_min,omitempty"`
	IncludeWeekend  bool   `json:"include_weekend,omitempty"`
}

type GenerateResponse struct {
	Created int `json:"created"`
}

type BlockRangeRequest struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Reason string    `json:"reason,omitempty"`
}

type BlockRangeResponse struct {
	ID            uuid.UUID      `json:"id"`
	SkippedBooked []SlotResponse `json:"skipped_booked,omitempty"`
}

type ReserveRequest struct {
	PatientID   string `json:"patient_id"`
	HoldSeconds int    `json:"hold_seconds,omitempty"`
}

type ReserveResponse struct {
	HoldID    uuid.UUID `json:"hold_id"`
	SlotID    uuid.UUID `json:"slot_id"`
	PatientID uuid.UUID `json:"patient_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ConfirmRequest struct {
	AppointmentRef string `json:"appointment_ref"`
}

type SlotResponse struct {
	ID             uuid.UUID  `json:"id"`
	DoctorID       uuid.UUID  `json:"doctor_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	DurationMin    int        `json:"duration_min"`
	Status         string     `json:"status"`
	AppointmentRef *uuid.UUID `json:"appointment_ref,omitempty"`
	Emergency      bool       `json:"is_emergency,omitempty"`
	HoldExpiresAt  *time.Time `json:"hold_expires_at,omitempty"`
}

func toSlotResponse(s schedule.Slot) SlotResponse {
	return SlotResponse{
		ID:             s.ID,
		DoctorID:       s.DoctorID,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		DurationMin:    s.DurationMin,
		Status:         string(s.Status),
		AppointmentRef: s.AppointmentRef,
		Emergency:      s.Emergency,
		HoldExpiresAt:  s.HoldExpiresAt,
	}
}

type EmergencyBookingRequest struct {
	DoctorID    string    `json:"doctor_id"`
	PatientID   string    `json:"patient_id"`
	Start       time.Time `json:"start"`
	DurationMin int       `json:"duration_min"`
	Type        string    `json:"type"`
	Priority    string    `json:"priority"`
	Reason      string    `json:"reason,omitempty"`
}

type ConflictResponse struct {
	SlotID     uuid.UUID  `json:"slot_id"`
	SlotStatus string     `json:"slot_status"`
	HoldID     *uuid.UUID `json:"hold_id,omitempty"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	Severity   string     `json:"severity"`
	Resolution string     `json:"resolution"`
}

func toConflictResponses(conflicts []schedule.Conflict) []ConflictResponse {
	out := make([]ConflictResponse, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, ConflictResponse{
			SlotID:     c.SlotID,
			SlotStatus: string(c.SlotStatus),
			HoldID:     c.HoldID,
			Start:      c.Start,
			End:        c.End,
			Severity:   string(c.Severity),
			Resolution: c.Resolution,
		})
	}
	return out
}

type EmergencyBookingResponse struct {
	Success   bool               `json:"success"`
	Booking   *BookingResponse   `json:"booking,omitempty"`
	Conflicts []ConflictResponse `json:"conflicts,omitempty"`
}

type BookingResponse struct {
	ID        uuid.UUID  `json:"id"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	PatientID uuid.UUID  `json:"patient_id"`
	SlotID    *uuid.UUID `json:"slot_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Type      string     `json:"type,omitempty"`
	Priority  string     `json:"priority"`
	Status    string     `json:"status"`
}

func toBookingResponse(b *schedule.EmergencyBooking) *BookingResponse {
	if b == nil {
		return nil
	}
	return &BookingResponse{
		ID:        b.ID,
		DoctorID:  b.DoctorID,
		PatientID: b.PatientID,
		SlotID:    b.SlotID,
		StartTime: b.StartTime,
		EndTime:   b.EndTime,
		Type:      b.Type,
		Priority:  string(b.Priority),
		Status:    string(b.Status),
	}
}

type ResolveConflictsRequest struct {
	DoctorID  string             `json:"doctor_id"`
	Conflicts []ConflictResponse `json:"conflicts"`
}

type CancelEmergencyRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
