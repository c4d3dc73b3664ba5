package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newOptimizerEnv(t *testing.T) (*MemoryRepository, *Optimizer, uuid.UUID) {
	t.Helper()
	repo := NewMemoryRepository()
	doctorID := seedDoctor(repo)
	opt := NewOptimizer(repo)
	opt.now = func() time.Time { return monday }
	return repo, opt, doctorID
}

// fillDay inserts consecutive 30 minute slots starting at 09:00 with the
// given statuses.
func fillDay(t *testing.T, repo *MemoryRepository, doctorID uuid.UUID, day time.Time, statuses []SlotStatus) []Slot {
	t.Helper()
	slots := make([]Slot, 0, len(statuses))
	for i, st := range statuses {
		start := day.Add(9*time.Hour + time.Duration(i)*30*time.Minute)
		slots = append(slots, insertSlot(t, repo, doctorID, start, 30, st))
	}
	return slots
}

func TestBalanceWorkloadUtilization(t *testing.T) {
	repo, opt, doctorID := newOptimizerEnv(t)

	fillDay(t, repo, doctorID, monday, []SlotStatus{
		SlotBooked, SlotBooked, SlotBooked, SlotBooked, SlotBooked,
		SlotBooked, SlotBooked, SlotBooked, SlotBooked, SlotAvailable,
	})

	results, err := opt.BalanceWorkload(context.Background(), []uuid.UUID{doctorID}, monday, monday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("BalanceWorkload: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}

	r := results[0]
	if r.BookedCount != 9 || r.AvailableCount != 1 {
		t.Errorf("counts booked=%d available=%d, want 9/1", r.BookedCount, r.AvailableCount)
	}
	if r.UtilizationPct != 90.0 {
		t.Errorf("utilization = %.1f, want 90.0", r.UtilizationPct)
	}
	if len(r.Recommendations) == 0 {
		t.Error("expected an over-utilization recommendation")
	}
}

func TestBalanceWorkloadDeterministicOrder(t *testing.T) {
	repo, opt, first := newOptimizerEnv(t)
	second := seedDoctor(repo)

	fillDay(t, repo, first, monday, []SlotStatus{SlotBooked, SlotAvailable})
	fillDay(t, repo, second, monday, []SlotStatus{SlotAvailable, SlotAvailable})

	ids := []uuid.UUID{first, second}
	a, err := opt.BalanceWorkload(context.Background(), ids, monday, monday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("BalanceWorkload: %v", err)
	}
	b, err := opt.BalanceWorkload(context.Background(), []uuid.UUID{ids[1], ids[0]}, monday, monday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("BalanceWorkload reversed: %v", err)
	}

	for i := range a {
		if a[i].DoctorID != b[i].DoctorID {
			t.Fatalf("result order depends on input order: %v vs %v", a[i].DoctorID, b[i].DoctorID)
		}
	}
}

func TestBalanceWorkloadCountsExpiredHoldAsAvailable(t *testing.T) {
	repo, opt, doctorID := newOptimizerEnv(t)

	slot := insertSlot(t, repo, doctorID, monday.Add(9*time.Hour), 30, SlotHeld)
	expired := monday.Add(-time.Minute)
	slot.HoldExpiresAt = &expired
	if _, err := repo.InsertSlot(context.Background(), slot); err != nil {
		t.Fatalf("update slot: %v", err)
	}

	results, err := opt.BalanceWorkload(context.Background(), []uuid.UUID{doctorID}, monday, monday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("BalanceWorkload: %v", err)
	}
	if results[0].HeldCount != 0 || results[0].AvailableCount != 1 {
		t.Errorf("held=%d available=%d, want expired hold counted as available",
			results[0].HeldCount, results[0].AvailableCount)
	}
}

func TestSuggestBreaksAfterLongRun(t *testing.T) {
	repo, opt, doctorID := newOptimizerEnv(t)

	slots := fillDay(t, repo, doctorID, monday, []SlotStatus{
		SlotBooked, SlotBooked, SlotBooked, SlotBooked, SlotAvailable, SlotBooked,
	})

	breaks, err := opt.SuggestBreaks(context.Background(), doctorID, monday, monday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("SuggestBreaks: %v", err)
	}
	if len(breaks) != 1 {
		t.Fatalf("len(breaks) = %d, want 1", len(breaks))
	}
	if !breaks[0].StartTime.Equal(slots[4].StartTime) {
		t.Errorf("break at %s, want the available slot at %s", breaks[0].StartTime, slots[4].StartTime)
	}
}

func TestSuggestBreaksRunResetsAcrossDays(t *testing.T) {
	repo, opt, doctorID := newOptimizerEnv(t)

	// Two booked at end of Monday + two at start of Tuesday must not chain
	// into one four-slot run.
	fillDay(t, repo, doctorID, monday, []SlotStatus{SlotBooked, SlotBooked})
	fillDay(t, repo, doctorID, monday.AddDate(0, 0, 1), []SlotStatus{SlotBooked, SlotBooked, SlotAvailable})

	breaks, err := opt.SuggestBreaks(context.Background(), doctorID, monday, monday.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("SuggestBreaks: %v", err)
	}
	if len(breaks) != 0 {
		t.Fatalf("breaks = %v, want none across a day boundary", breaks)
	}
}

func TestReserveEmergencyCapacity(t *testing.T) {
	repo, opt, doctorID := newOptimizerEnv(t)

	slots := fillDay(t, repo, doctorID, monday, []SlotStatus{
		SlotAvailable, SlotAvailable, SlotBooked, SlotAvailable, SlotAvailable,
	})

	reserved, err := opt.ReserveEmergencyCapacity(context.Background(), doctorID, monday, monday.AddDate(0, 0, 1), 2)
	if err != nil {
		t.Fatalf("ReserveEmergencyCapacity: %v", err)
	}
	if len(reserved) != 2 {
		t.Fatalf("len(reserved) = %d, want 2", len(reserved))
	}
	// The last two available slots of the day.
	if reserved[0].SlotID != slots[3].ID || reserved[1].SlotID != slots[4].ID {
		t.Errorf("reserved = %v, want the trailing available slots", reserved)
	}
}

func TestWorkLifeBalanceStreak(t *testing.T) {
	repo, opt, doctorID := newOptimizerEnv(t)

	// Seven consecutive days with one booked hour each.
	for d := 0; d < 7; d++ {
		insertSlot(t, repo, doctorID, monday.AddDate(0, 0, d).Add(9*time.Hour), 60, SlotBooked)
	}

	report, err := opt.WorkLifeBalance(context.Background(), doctorID, monday, monday.AddDate(0, 0, 8))
	if err != nil {
		t.Fatalf("WorkLifeBalance: %v", err)
	}
	if report.DaysWorked != 7 || report.LongestStreakDays != 7 {
		t.Errorf("daysWorked=%d streak=%d, want 7/7", report.DaysWorked, report.LongestStreakDays)
	}
	if report.BookedHours != 7 {
		t.Errorf("bookedHours = %.1f, want 7", report.BookedHours)
	}
	if report.Score != 80 {
		t.Errorf("score = %.0f, want 80 after the streak penalty", report.Score)
	}
	if len(report.Recommendations) == 0 {
		t.Error("expected a day-off recommendation")
	}
}

func TestCostOptimizationIdleCapacity(t *testing.T) {
	repo, opt, doctorID := newOptimizerEnv(t)

	fillDay(t, repo, doctorID, monday, []SlotStatus{
		SlotBooked, SlotAvailable, SlotAvailable, SlotAvailable, SlotBlocked,
	})

	report, err := opt.CostOptimization(context.Background(), []uuid.UUID{doctorID}, monday, monday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("CostOptimization: %v", err)
	}
	// Blocked slots are not part of sellable capacity.
	if report.TotalSlots != 4 || report.IdleSlots != 3 {
		t.Errorf("total=%d idle=%d, want 4/3", report.TotalSlots, report.IdleSlots)
	}
	if report.IdlePct != 75.0 {
		t.Errorf("idlePct = %.1f, want 75.0", report.IdlePct)
	}
	if len(report.Recommendations) == 0 {
		t.Error("expected an idle capacity recommendation")
	}
}

func TestOptimizerEmptyRange(t *testing.T) {
	_, opt, doctorID := newOptimizerEnv(t)
	ctx := context.Background()

	results, err := opt.BalanceWorkload(ctx, []uuid.UUID{doctorID}, monday, monday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("BalanceWorkload: %v", err)
	}
	if results[0].UtilizationPct != 0 || len(results[0].Recommendations) != 0 {
		t.Errorf("thin data result = %+v, want zeroes and no recommendations", results[0])
	}

	breaks, err := opt.SuggestBreaks(ctx, doctorID, monday, monday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("SuggestBreaks: %v", err)
	}
	if len(breaks) != 0 {
		t.Errorf("breaks = %v, want none", breaks)
	}
}
