package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicore/clinic-scheduling/internal/schedule"
)

const dateLayout = "2006-01-02"

func generateWeeklyHandler(gen *schedule.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID")
		if !ok {
			return
		}
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		start, err := time.Parse(dateLayout, req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start", "start must be YYYY-MM-DD")
			return
		}

		created, err := gen.GenerateWeekly(r.Context(), doctorID, start, req.SlotDurationMin, req.IncludeWeekend)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, GenerateResponse{Created: created})
	}
}

func generateMonthlyHandler(gen *schedule.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID")
		if !ok {
			return
		}
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		start, err := time.Parse(dateLayout, req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start", "start must be YYYY-MM-DD")
			return
		}

		created, err := gen.GenerateMonthly(r.Context(), doctorID, start, req.SlotDurationMin, req.IncludeWeekend)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, GenerateResponse{Created: created})
	}
}

func blockRangeHandler(gen *schedule.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID")
		if !ok {
			return
		}
		var req BlockRangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		br, skipped, err := gen.ApplyBlockedRange(r.Context(), schedule.BlockedRange{
			DoctorID:  doctorID,
			StartTime: req.Start,
			EndTime:   req.End,
			Reason:    req.Reason,
		})
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		resp := BlockRangeResponse{ID: br.ID}
		for _, s := range skipped {
			resp.SkippedBooked = append(resp.SkippedBooked, toSlotResponse(s))
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func availableDatesHandler(avail *schedule.AvailabilityIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID")
		if !ok {
			return
		}
		start, err := time.Parse(dateLayout, r.URL.Query().Get("start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start", "start must be YYYY-MM-DD")
			return
		}
		end, err := time.Parse(dateLayout, r.URL.Query().Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end", "end must be YYYY-MM-DD")
			return
		}

		dates, err := avail.GetAvailableDates(r.Context(), doctorID, start, end)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		out := make([]string, 0, len(dates))
		for _, d := range dates {
			out = append(out, d.Format(dateLayout))
		}
		writeJSON(w, http.StatusOK, map[string][]string{"dates": out})
	}
}

func availableSlotsHandler(avail *schedule.AvailabilityIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID")
		if !ok {
			return
		}
		date, err := time.Parse(dateLayout, r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots, err := avail.GetAvailableTimeSlots(r.Context(), doctorID, date)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		out := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			out = append(out, toSlotResponse(s))
		}
		writeJSON(w, http.StatusOK, map[string][]SlotResponse{"slots": out})
	}
}

func slotAvailableHandler(avail *schedule.AvailabilityIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseUUIDParam(w, r, "slotID")
		if !ok {
			return
		}
		available, err := avail.IsSlotAvailable(r.Context(), slotID)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"available": available})
	}
}

func reserveSlotHandler(res *schedule.ReservationManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseUUIDParam(w, r, "slotID")
		if !ok {
			return
		}
		var req ReserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		hold, err := res.Reserve(r.Context(), slotID, patientID, time.Duration(req.HoldSeconds)*time.Second)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, ReserveResponse{
			HoldID:    hold.ID,
			SlotID:    hold.SlotID,
			PatientID: hold.PatientID,
			ExpiresAt: hold.ExpiresAt,
		})
	}
}

func releaseSlotHandler(res *schedule.ReservationManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseUUIDParam(w, r, "slotID")
		if !ok {
			return
		}
		if err := res.Release(r.Context(), slotID); err != nil {
			handleScheduleError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func confirmSlotHandler(res *schedule.ReservationManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseUUIDParam(w, r, "slotID")
		if !ok {
			return
		}
		var req ConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		ref, err := uuid.Parse(req.AppointmentRef)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_ref", "appointment_ref must be a valid UUID")
			return
		}

		slot, err := res.Confirm(r.Context(), slotID, ref)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponse(*slot))
	}
}

func bookEmergencyHandler(em *schedule.EmergencyCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EmergencyBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		result, err := em.BookEmergency(r.Context(), schedule.EmergencyRequest{
			DoctorID:    doctorID,
			PatientID:   patientID,
			StartTime:   req.Start,
			DurationMin: req.DurationMin,
			Type:        req.Type,
			Priority:    schedule.EmergencyPriority(req.Priority),
			Reason:      req.Reason,
		})
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		status := http.StatusCreated
		if !result.Success {
			status = http.StatusConflict
		}
		writeJSON(w, status, EmergencyBookingResponse{
			Success:   result.Success,
			Booking:   toBookingResponse(result.Booking),
			Conflicts: toConflictResponses(result.Conflicts),
		})
	}
}

func checkConflictsHandler(em *schedule.EmergencyCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start", "start must be RFC3339")
			return
		}
		durationMin, err := strconv.Atoi(r.URL.Query().Get("duration_min"))
		if err != nil || durationMin <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_duration", "duration_min must be a positive integer")
			return
		}

		conflicts, err := em.CheckConflicts(r.Context(), doctorID, start, start.Add(time.Duration(durationMin)*time.Minute))
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]ConflictResponse{"conflicts": toConflictResponses(conflicts)})
	}
}

func resolveConflictsHandler(em *schedule.EmergencyCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResolveConflictsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		conflicts := make([]schedule.Conflict, 0, len(req.Conflicts))
		for _, c := range req.Conflicts {
			conflicts = append(conflicts, schedule.Conflict{
				SlotID:     c.SlotID,
				SlotStatus: schedule.SlotStatus(c.SlotStatus),
				Start:      c.Start,
				End:        c.End,
			})
		}

		resolved, err := em.ResolveConflicts(r.Context(), doctorID, conflicts)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
	}
}

func cancelEmergencyHandler(em *schedule.EmergencyCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		var req CancelEmergencyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := em.CancelEmergency(r.Context(), id, req.Reason); err != nil {
			handleScheduleError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func completeEmergencyHandler(em *schedule.EmergencyCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(w, r, "id")
		if !ok {
			return
		}
		if err := em.CompleteEmergency(r.Context(), id); err != nil {
			handleScheduleError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func workloadHandler(opt *schedule.Optimizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, from, to, ok := parseOptimizerQuery(w, r)
		if !ok {
			return
		}
		results, err := opt.BalanceWorkload(r.Context(), ids, from, to)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func suggestBreaksHandler(opt *schedule.Optimizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID")
		if !ok {
			return
		}
		from, to, ok := parseRangeQuery(w, r)
		if !ok {
			return
		}
		breaks, err := opt.SuggestBreaks(r.Context(), doctorID, from, to)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"breaks": breaks})
	}
}

func emergencyCapacityHandler(opt *schedule.Optimizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID")
		if !ok {
			return
		}
		from, to, ok := parseRangeQuery(w, r)
		if !ok {
			return
		}
		perDay, _ := strconv.Atoi(r.URL.Query().Get("per_day"))

		reserved, err := opt.ReserveEmergencyCapacity(r.Context(), doctorID, from, to, perDay)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": reserved})
	}
}

func workLifeBalanceHandler(opt *schedule.Optimizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID")
		if !ok {
			return
		}
		from, to, ok := parseRangeQuery(w, r)
		if !ok {
			return
		}
		report, err := opt.WorkLifeBalance(r.Context(), doctorID, from, to)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func costOptimizationHandler(opt *schedule.Optimizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, from, to, ok := parseOptimizerQuery(w, r)
		if !ok {
			return
		}
		report, err := opt.CostOptimization(r.Context(), ids, from, to)
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// Helpers

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseRangeQuery(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	from, err := time.Parse(dateLayout, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	to, err := time.Parse(dateLayout, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func parseOptimizerQuery(w http.ResponseWriter, r *http.Request) ([]uuid.UUID, time.Time, time.Time, bool) {
	from, to, ok := parseRangeQuery(w, r)
	if !ok {
		return nil, time.Time{}, time.Time{}, false
	}
	var ids []uuid.UUID
	for _, raw := range r.URL.Query()["doctor_id"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return nil, time.Time{}, time.Time{}, false
		}
		ids = append(ids, id)
	}
	return ids, from, to, true
}

func handleScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, schedule.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, schedule.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, schedule.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "booking_not_found", err.Error())
	case errors.Is(err, schedule.ErrTemplateMissing):
		writeError(w, http.StatusUnprocessableEntity, "template_missing", err.Error())
	case errors.Is(err, schedule.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, "invalid_duration", err.Error())
	case errors.Is(err, schedule.ErrInvalidTimeRange):
		writeError(w, http.StatusBadRequest, "invalid_time_range", err.Error())
	case errors.Is(err, schedule.ErrSlotNotAvailable):
		writeError(w, http.StatusConflict, "slot_not_available", err.Error())
	case errors.Is(err, schedule.ErrHoldExpired):
		writeError(w, http.StatusConflict, "hold_expired", err.Error())
	case errors.Is(err, schedule.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, schedule.ErrConflictUnresolved):
		writeError(w, http.StatusConflict, "conflict_unresolved", err.Error())
	case errors.Is(err, schedule.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "schedule_busy", "schedule is being modified, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
