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

// Generator expands work templates into concrete dated slots. Generation for
// one doctor is serialized through the locker so overlapping runs cannot
// race the idempotency checks.
type Generator struct {
	repo      Repository
	templates TemplateStore
	locker    Locker
}

func NewGenerator(repo Repository, templates TemplateStore, locker Locker) *Generator {
	return &Generator{
		repo:      repo,
		templates: templates,
		locker:    locker,
	}
}

// GenerateWeekly creates slots for the seven days starting at weekStart and
// returns the number of slots created or revived.
func (g *Generator) GenerateWeekly(ctx context.Context, doctorID uuid.UUID, weekStart time.Time, slotDurationMin int, includeWeekend bool) (int, error) {
	from := dateOf(weekStart)
	return g.generateRange(ctx, doctorID, from, from.AddDate(0, 0, 7), slotDurationMin, includeWeekend)
}

// GenerateMonthly creates slots for the calendar month containing monthStart.
func (g *Generator) GenerateMonthly(ctx context.Context, doctorID uuid.UUID, monthStart time.Time, slotDurationMin int, includeWeekend bool) (int, error) {
	from := time.Date(monthStart.Year(), monthStart.Month(), 1, 0, 0, 0, 0, monthStart.Location())
	return g.generateRange(ctx, doctorID, from, from.AddDate(0, 1, 0), slotDurationMin, includeWeekend)
}

func (g *Generator) generateRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time, slotDurationMin int, includeWeekend bool) (int, error) {
	tpl, err := g.templates.GetWorkTemplate(ctx, doctorID)
	if err != nil {
		return 0, fmt.Errorf("load work template: %w", err)
	}
	if tpl == nil || !tpl.HasActiveDay() {
		return 0, ErrTemplateMissing
	}

	dur := slotDurationMin
	if dur == 0 {
		dur = tpl.SlotDurationMin
	}
	if dur <= 0 {
		return 0, ErrInvalidDuration
	}
	if !fitsAnyRange(tpl, dur) {
		return 0, ErrInvalidDuration
	}

	created := 0
	err = g.locker.WithLock(ctx, doctorLockKey(doctorID), func(lockCtx context.Context) error {
		existing, err := g.repo.ListSlots(lockCtx, doctorID, from, to)
		if err != nil {
			return fmt.Errorf("list existing slots: %w", err)
		}
		blocked, err := g.repo.ListBlockedRanges(lockCtx, doctorID, from, to)
		if err != nil {
			return fmt.Errorf("list blocked ranges: %w", err)
		}

		// Active slots are matched by window overlap, not start instant:
		// an out-of-template emergency slot must keep suppressing the grid
		// slots it displaced. Cancelled ones may be revived by start time.
		active := make([]Slot, 0, len(existing))
		cancelled := make(map[int64]uuid.UUID)
		for _, s := range existing {
			if s.Status == SlotCancelled {
				cancelled[s.StartTime.Unix()] = s.ID
			} else {
				active = append(active, s)
			}
		}

		for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
			if isWeekend(day.Weekday()) && !includeWeekend {
				continue
			}
			workDay, ok := tpl.DayFor(day.Weekday())
			if !ok || !workDay.Active {
				continue
			}
			for _, r := range workDay.Ranges {
				if !r.Active || !r.Valid() {
					continue
				}
				// A trailing remainder shorter than the full duration is
				// dropped rather than emitted as a truncated slot.
				for m := r.StartMinute; m+dur <= r.EndMinute; m += dur {
					start := day.Add(time.Duration(m) * time.Minute)
					end := start.Add(time.Duration(dur) * time.Minute)

					if overlapsActive(active, start, end) {
						continue
					}

					status := SlotAvailable
					if overlapsBlocked(blocked, start, end) {
						status = SlotBlocked
					}

					if id, ok := cancelled[start.Unix()]; ok {
						if _, err := g.repo.UpdateSlotStatus(lockCtx, id, SlotCancelled, status); err != nil {
							log.Warn().Err(err).Str("doctor_id", doctorID.String()).Time("start", start).Msg("revive cancelled slot")
							continue
						}
						active = append(active, Slot{StartTime: start, EndTime: end})
						created++
						continue
					}

					slot := Slot{
						ID:          uuid.New(),
						DoctorID:    doctorID,
						StartTime:   start,
						EndTime:     end,
						DurationMin: dur,
						Status:      status,
					}
					if _, err := g.repo.InsertSlot(lockCtx, slot); err != nil {
						log.Warn().Err(err).Str("doctor_id", doctorID.String()).Time("start", start).Msg("insert slot")
						continue
					}
					active = append(active, slot)
					created++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if created > 0 {
		metrics.SlotsGenerated.Add(float64(created))
		recordEvent(ctx, g.repo, EventSlotsGenerated, &doctorID, nil, nil, map[string]any{
			"from":  from,
			"to":    to,
			"count": created,
		})
	}
	return created, nil
}

// ApplyBlockedRange records an unavailability window and transitions the
// overlapping non-booked slots to blocked. Booked slots are left alone and
// returned so the caller can reschedule them explicitly.
func (g *Generator) ApplyBlockedRange(ctx context.Context, br BlockedRange) (*BlockedRange, []Slot, error) {
	if br.StartTime.IsZero() || br.EndTime.IsZero() || !br.EndTime.After(br.StartTime) {
		return nil, nil, ErrInvalidTimeRange
	}
	if _, err := g.repo.GetDoctorByID(ctx, br.DoctorID); err != nil {
		return nil, nil, fmt.Errorf("load doctor: %w", err)
	}

	if br.ID == uuid.Nil {
		br.ID = uuid.New()
	}

	var skippedBooked []Slot
	err := g.locker.WithLock(ctx, doctorLockKey(br.DoctorID), func(lockCtx context.Context) error {
		stored, err := g.repo.InsertBlockedRange(lockCtx, br)
		if err != nil {
			return fmt.Errorf("insert blocked range: %w", err)
		}
		br = *stored

		slots, err := g.repo.ListSlots(lockCtx, br.DoctorID, dateOf(br.StartTime), br.EndTime)
		if err != nil {
			return fmt.Errorf("list overlapping slots: %w", err)
		}
		for i := range slots {
			s := slots[i]
			if !s.Overlaps(br.StartTime, br.EndTime) {
				continue
			}
			switch s.Status {
			case SlotAvailable:
				if _, err := g.repo.UpdateSlotStatus(lockCtx, s.ID, SlotAvailable, SlotBlocked); err != nil && !errors.Is(err, ErrSlotNotFound) {
					return fmt.Errorf("block slot %s: %w", s.ID, err)
				}
			case SlotHeld:
				// The hold loses to the doctor's unavailability.
				if _, hold, err := g.repo.PreemptSlot(lockCtx, s.ID); err == nil {
					if _, err := g.repo.UpdateSlotStatus(lockCtx, s.ID, SlotCancelled, SlotBlocked); err != nil {
						log.Warn().Err(err).Str("slot_id", s.ID.String()).Msg("block preempted slot")
					}
					payload := map[string]any{"reason": br.Reason}
					if hold != nil {
						payload["displaced_patient_id"] = hold.PatientID.String()
					}
					recordEvent(lockCtx, g.repo, EventHoldReleased, &br.DoctorID, &s.ID, nil, payload)
				}
			case SlotBooked:
				skippedBooked = append(skippedBooked, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	recordEvent(ctx, g.repo, EventRangeBlocked, &br.DoctorID, nil, nil, map[string]any{
		"start":  br.StartTime,
		"end":    br.EndTime,
		"reason": br.Reason,
	})
	return &br, skippedBooked, nil
}

func fitsAnyRange(tpl *WorkTemplate, dur int) bool {
	for _, d := range tpl.Days {
		if !d.Active {
			continue
		}
		for _, r := range d.Ranges {
			if r.Active && r.Valid() && r.EndMinute-r.StartMinute >= dur {
				return true
			}
		}
	}
	return false
}

func overlapsActive(slots []Slot, start, end time.Time) bool {
	for i := range slots {
		if slots[i].Overlaps(start, end) {
			return true
		}
	}
	return false
}

func overlapsBlocked(blocked []BlockedRange, start, end time.Time) bool {
	for i := range blocked {
		if blocked[i].Covers(start, end) {
			return true
		}
	}
	return false
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// dateOf truncates t to midnight in its own location.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
