package schedule

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Optimizer utilization targets and break heuristics. The optimizer is
// advisory: it never mutates slot or hold state, callers apply suggestions
// through the generator and reservation manager.
const (
	targetUtilizationPct   = 75.0
	lowUtilizationPct      = 60.0
	highUtilizationPct     = 85.0
	maxConsecutiveBooked   = 4
	breakDurationMin       = 30
	defaultEmergencyPerDay = 2
)

type WorkloadBalanceResult struct {
	DoctorID          uuid.UUID
	From, To          time.Time
	BookedCount       int
	HeldCount         int
	AvailableCount    int
	BlockedCount      int
	UtilizationPct    float64
	SuggestedBookings int
	Recommendations   []string
}

type BreakTimeSlot struct {
	DoctorID  uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Reason    string
}

type EmergencyTimeSlot struct {
	DoctorID  uuid.UUID
	SlotID    uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Reason    string
}

type WorkLifeBalanceReport struct {
	DoctorID          uuid.UUID
	From, To          time.Time
	BookedHours       float64
	DaysWorked        int
	LongestStreakDays int
	Score             float64
	Recommendations   []string
}

type CostOptimizationReport struct {
	From, To        time.Time
	TotalSlots      int
	IdleSlots       int
	IdlePct         float64
	Recommendations []string
}

type Optimizer struct {
	repo Repository
	now  func() time.Time
}

func NewOptimizer(repo Repository) *Optimizer {
	return &Optimizer{repo: repo, now: time.Now}
}

// BalanceWorkload computes per-doctor utilization over the range and
// suggests a target appointment count. Results are ordered by doctor id so
// identical inputs produce identical output.
func (o *Optimizer) BalanceWorkload(ctx context.Context, doctorIDs []uuid.UUID, from, to time.Time) ([]WorkloadBalanceResult, error) {
	ids := append([]uuid.UUID(nil), doctorIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	results := make([]WorkloadBalanceResult, 0, len(ids))
	for _, id := range ids {
		slots, err := o.repo.ListSlots(ctx, id, from, to)
		if err != nil {
			return nil, fmt.Errorf("list slots for %s: %w", id, err)
		}

		r := WorkloadBalanceResult{DoctorID: id, From: from, To: to}
		now := o.now()
		for i := range slots {
			switch effectiveStatus(&slots[i], now) {
			case SlotBooked:
				r.BookedCount++
			case SlotHeld:
				r.HeldCount++
			case SlotAvailable:
				r.AvailableCount++
			case SlotBlocked:
				r.BlockedCount++
			}
		}

		capacity := r.BookedCount + r.HeldCount + r.AvailableCount
		if capacity > 0 {
			r.UtilizationPct = round1(float64(r.BookedCount) / float64(capacity) * 100)
			r.SuggestedBookings = int(math.Round(targetUtilizationPct / 100 * float64(capacity)))
		}

		switch {
		case capacity == 0:
			// Thin data: no recommendation rather than a wrong one.
		case r.UtilizationPct > highUtilizationPct:
			r.Recommendations = append(r.Recommendations,
				fmt.Sprintf("utilization %.1f%% is above target; shift %d appointments to colleagues or extend working hours",
					r.UtilizationPct, r.BookedCount-r.SuggestedBookings))
		case r.UtilizationPct < lowUtilizationPct:
			r.Recommendations = append(r.Recommendations,
				fmt.Sprintf("utilization %.1f%% is below target; room for %d more appointments",
					r.UtilizationPct, r.SuggestedBookings-r.BookedCount))
		}
		if capacity > 0 && r.BlockedCount > capacity/2 {
			r.Recommendations = append(r.Recommendations, "more than half of generated capacity is blocked; review blocked ranges")
		}

		results = append(results, r)
	}
	return results, nil
}

// SuggestBreaks proposes break windows after long runs of consecutive
// booked slots. Suggestions land on an available slot so applying them is a
// plain block operation.
func (o *Optimizer) SuggestBreaks(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]BreakTimeSlot, error) {
	slots, err := o.repo.ListSlots(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	now := o.now()
	var breaks []BreakTimeSlot
	run := 0
	for i := range slots {
		s := &slots[i]
		if i > 0 && !dateOf(s.StartTime).Equal(dateOf(slots[i-1].StartTime)) {
			run = 0
		}
		switch effectiveStatus(s, now) {
		case SlotBooked, SlotHeld:
			run++
		case SlotAvailable:
			if run >= maxConsecutiveBooked {
				end := s.StartTime.Add(time.Duration(breakDurationMin) * time.Minute)
				if end.After(s.EndTime) {
					end = s.EndTime
				}
				breaks = append(breaks, BreakTimeSlot{
					DoctorID:  doctorID,
					StartTime: s.StartTime,
					EndTime:   end,
					Reason:    fmt.Sprintf("break after %d consecutive appointments", run),
				})
			}
			run = 0
		default:
			run = 0
		}
	}
	return breaks, nil
}

// ReserveEmergencyCapacity suggests keeping the last available slots of each
// day free as emergency headroom.
func (o *Optimizer) ReserveEmergencyCapacity(ctx context.Context, doctorID uuid.UUID, from, to time.Time, perDay int) ([]EmergencyTimeSlot, error) {
	if perDay <= 0 {
		perDay = defaultEmergencyPerDay
	}
	slots, err := o.repo.ListSlots(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	now := o.now()
	availableByDay := make(map[int64][]Slot)
	var dayKeys []int64
	for i := range slots {
		if effectiveStatus(&slots[i], now) != SlotAvailable {
			continue
		}
		key := dateOf(slots[i].StartTime).Unix()
		if _, ok := availableByDay[key]; !ok {
			dayKeys = append(dayKeys, key)
		}
		availableByDay[key] = append(availableByDay[key], slots[i])
	}
	sort.Slice(dayKeys, func(i, j int) bool { return dayKeys[i] < dayKeys[j] })

	var reserved []EmergencyTimeSlot
	for _, key := range dayKeys {
		day := availableByDay[key]
		n := perDay
		if n > len(day) {
			n = len(day)
		}
		for _, s := range day[len(day)-n:] {
			reserved = append(reserved, EmergencyTimeSlot{
				DoctorID:  doctorID,
				SlotID:    s.ID,
				StartTime: s.StartTime,
				EndTime:   s.EndTime,
				Reason:    "reserved as emergency headroom",
			})
		}
	}
	return reserved, nil
}

// WorkLifeBalance scores a doctor's booked load over the range: total
// booked hours, days worked, and the longest streak of consecutive worked
// days.
func (o *Optimizer) WorkLifeBalance(ctx context.Context, doctorID uuid.UUID, from, to time.Time) (*WorkLifeBalanceReport, error) {
	slots, err := o.repo.ListSlots(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	report := &WorkLifeBalanceReport{DoctorID: doctorID, From: from, To: to}

	workedDays := make(map[int64]bool)
	var dayKeys []int64
	for i := range slots {
		if slots[i].Status != SlotBooked {
			continue
		}
		report.BookedHours += slots[i].EndTime.Sub(slots[i].StartTime).Hours()
		key := dateOf(slots[i].StartTime).Unix()
		if !workedDays[key] {
			workedDays[key] = true
			dayKeys = append(dayKeys, key)
		}
	}
	sort.Slice(dayKeys, func(i, j int) bool { return dayKeys[i] < dayKeys[j] })

	report.DaysWorked = len(dayKeys)
	streak := 0
	for i, key := range dayKeys {
		if i > 0 && key-dayKeys[i-1] == int64((24 * time.Hour).Seconds()) {
			streak++
		} else {
			streak = 1
		}
		if streak > report.LongestStreakDays {
			report.LongestStreakDays = streak
		}
	}

	report.Score = 100
	if report.LongestStreakDays > 5 {
		report.Score -= float64(report.LongestStreakDays-5) * 10
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("worked %d consecutive days; schedule a day off", report.LongestStreakDays))
	}
	if report.DaysWorked > 0 && report.BookedHours/float64(report.DaysWorked) > 8 {
		report.Score -= 15
		report.Recommendations = append(report.Recommendations, "average booked hours per worked day exceeds 8; rebalance daily load")
	}
	if report.Score < 0 {
		report.Score = 0
	}
	return report, nil
}

// CostOptimization reports how much generated capacity sits idle across the
// given doctors.
func (o *Optimizer) CostOptimization(ctx context.Context, doctorIDs []uuid.UUID, from, to time.Time) (*CostOptimizationReport, error) {
	ids := append([]uuid.UUID(nil), doctorIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	report := &CostOptimizationReport{From: from, To: to}
	now := o.now()
	for _, id := range ids {
		slots, err := o.repo.ListSlots(ctx, id, from, to)
		if err != nil {
			return nil, fmt.Errorf("list slots for %s: %w", id, err)
		}
		for i := range slots {
			switch effectiveStatus(&slots[i], now) {
			case SlotAvailable:
				report.TotalSlots++
				report.IdleSlots++
			case SlotBooked, SlotHeld:
				report.TotalSlots++
			}
		}
	}

	if report.TotalSlots > 0 {
		report.IdlePct = round1(float64(report.IdleSlots) / float64(report.TotalSlots) * 100)
		if report.IdlePct > 100-lowUtilizationPct {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("%.1f%% of generated capacity is idle; consider shortening templates or consolidating doctors", report.IdlePct))
		}
	}
	return report, nil
}

// effectiveStatus treats a held slot whose hold has expired as available.
// The optimizer only reads, so reclaiming is left to the reservation paths.
func effectiveStatus(s *Slot, now time.Time) SlotStatus {
	if s.Status == SlotHeld && s.HoldExpiresAt != nil && s.HoldExpiresAt.Before(now) {
		return SlotAvailable
	}
	return s.Status
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
