package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newGeneratorEnv(t *testing.T) (*MemoryRepository, *Generator, uuid.UUID) {
	t.Helper()
	repo := NewMemoryRepository()
	doctorID := seedDoctor(repo)
	repo.PutWorkTemplate(mondayTemplate(doctorID))
	return repo, NewGenerator(repo, repo, NewLocalLocker()), doctorID
}

func TestGenerateWeeklyFromTemplate(t *testing.T) {
	repo, gen, doctorID := newGeneratorEnv(t)

	created, err := gen.GenerateWeekly(context.Background(), doctorID, monday, 30, false)
	if err != nil {
		t.Fatalf("GenerateWeekly: %v", err)
	}
	if created != 6 {
		t.Fatalf("created = %d, want 6", created)
	}

	slots := listSlots(t, repo, doctorID, monday, monday.AddDate(0, 0, 7))
	if len(slots) != 6 {
		t.Fatalf("len(slots) = %d, want 6", len(slots))
	}

	wantFirst := monday.Add(9 * time.Hour)
	wantLast := monday.Add(11*time.Hour + 30*time.Minute)
	if !slots[0].StartTime.Equal(wantFirst) {
		t.Errorf("first slot starts %s, want %s", slots[0].StartTime, wantFirst)
	}
	if !slots[5].StartTime.Equal(wantLast) {
		t.Errorf("last slot starts %s, want %s", slots[5].StartTime, wantLast)
	}
	for _, s := range slots {
		if s.Status != SlotAvailable {
			t.Errorf("slot %s status = %q, want available", s.StartTime, s.Status)
		}
		if s.DurationMin != 30 {
			t.Errorf("slot %s duration = %d, want 30", s.StartTime, s.DurationMin)
		}
		if !s.EndTime.Equal(s.StartTime.Add(30 * time.Minute)) {
			t.Errorf("slot %s end = %s, want start+30m", s.StartTime, s.EndTime)
		}
	}

	if !hasEvent(repo.Events(), EventSlotsGenerated) {
		t.Error("expected a slots generated event")
	}
}

func TestGenerateWeeklyIdempotent(t *testing.T) {
	repo, gen, doctorID := newGeneratorEnv(t)
	ctx := context.Background()

	if _, err := gen.GenerateWeekly(ctx, doctorID, monday, 30, false); err != nil {
		t.Fatalf("first GenerateWeekly: %v", err)
	}

	// Put one slot into each active state before regenerating.
	slots := listSlots(t, repo, doctorID, monday, monday.AddDate(0, 0, 7))
	expiry := monday.Add(48 * time.Hour)
	patientID := seedPatient(repo)
	if _, err := repo.ReserveSlot(ctx, slots[0].ID, patientID, expiry); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := repo.ReserveSlot(ctx, slots[1].ID, patientID, expiry); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := repo.ConfirmSlot(ctx, slots[1].ID, uuid.New()); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	created, err := gen.GenerateWeekly(ctx, doctorID, monday, 30, false)
	if err != nil {
		t.Fatalf("second GenerateWeekly: %v", err)
	}
	if created != 0 {
		t.Fatalf("second run created = %d, want 0", created)
	}

	if got := getSlot(t, repo, slots[0].ID); got.Status != SlotHeld {
		t.Errorf("held slot regenerated to %q", got.Status)
	}
	if got := getSlot(t, repo, slots[1].ID); got.Status != SlotBooked {
		t.Errorf("booked slot regenerated to %q", got.Status)
	}
	if got := listSlots(t, repo, doctorID, monday, monday.AddDate(0, 0, 7)); len(got) != 6 {
		t.Errorf("len(slots) after rerun = %d, want 6", len(got))
	}
}

func TestGenerateRevivesCancelledSlot(t *testing.T) {
	repo, gen, doctorID := newGeneratorEnv(t)
	ctx := context.Background()

	if _, err := gen.GenerateWeekly(ctx, doctorID, monday, 30, false); err != nil {
		t.Fatalf("GenerateWeekly: %v", err)
	}
	slots := listSlots(t, repo, doctorID, monday, monday.AddDate(0, 0, 7))
	if _, _, err := repo.PreemptSlot(ctx, slots[0].ID); err != nil {
		t.Fatalf("preempt: %v", err)
	}

	created, err := gen.GenerateWeekly(ctx, doctorID, monday, 30, false)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1 revived slot", created)
	}
	if got := getSlot(t, repo, slots[0].ID); got.Status != SlotAvailable {
		t.Errorf("revived slot status = %q, want available", got.Status)
	}
}

func TestRegenerateKeepsEmergencyWindowClear(t *testing.T) {
	repo, gen, doctorID := newGeneratorEnv(t)
	patientID := seedPatient(repo)
	ctx := context.Background()

	if _, err := gen.GenerateWeekly(ctx, doctorID, monday, 30, false); err != nil {
		t.Fatalf("GenerateWeekly: %v", err)
	}

	// A critical emergency off the 30-minute grid pre-empts the two slots it
	// overlaps and books its own window.
	coord := NewEmergencyCoordinator(repo, NewLocalLocker())
	coord.now = func() time.Time { return monday }
	result, err := coord.BookEmergency(ctx, emergencyRequest(doctorID, patientID, monday.Add(9*time.Hour+15*time.Minute), PriorityCritical))
	if err != nil {
		t.Fatalf("BookEmergency: %v", err)
	}
	if !result.Success || result.Booking == nil || result.Booking.SlotID == nil {
		t.Fatalf("result = %+v, want a confirmed booking", result)
	}

	created, err := gen.GenerateWeekly(ctx, doctorID, monday, 30, false)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if created != 0 {
		t.Fatalf("created = %d, want 0: pre-empted slots must not revive under the emergency", created)
	}

	emSlot := getSlot(t, repo, *result.Booking.SlotID)
	for _, s := range listSlots(t, repo, doctorID, monday, monday.AddDate(0, 0, 7)) {
		if s.ID == emSlot.ID || s.Status == SlotCancelled {
			continue
		}
		if s.Overlaps(emSlot.StartTime, emSlot.EndTime) {
			t.Errorf("active slot [%s-%s, %s] overlaps the emergency window", s.StartTime, s.EndTime, s.Status)
		}
	}
}

func TestGenerateSkipsWeekend(t *testing.T) {
	repo := NewMemoryRepository()
	doctorID := seedDoctor(repo)
	repo.PutWorkTemplate(WorkTemplate{
		DoctorID: doctorID,
		Days: []WorkDay{
			{Weekday: time.Saturday, Active: true, Ranges: []TimeRange{
				{StartMinute: 9 * 60, EndMinute: 11 * 60, Active: true},
			}},
		},
		SlotDurationMin: 60,
	})
	gen := NewGenerator(repo, repo, NewLocalLocker())
	ctx := context.Background()

	created, err := gen.GenerateWeekly(ctx, doctorID, monday, 0, false)
	if err != nil {
		t.Fatalf("GenerateWeekly: %v", err)
	}
	if created != 0 {
		t.Fatalf("created = %d, want 0 with weekends excluded", created)
	}

	created, err = gen.GenerateWeekly(ctx, doctorID, monday, 0, true)
	if err != nil {
		t.Fatalf("GenerateWeekly with weekend: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2 Saturday slots", created)
	}
}

func TestGenerateDropsTrailingRemainder(t *testing.T) {
	repo := NewMemoryRepository()
	doctorID := seedDoctor(repo)
	repo.PutWorkTemplate(WorkTemplate{
		DoctorID: doctorID,
		Days: []WorkDay{
			// 09:00-10:45 leaves a 15 minute remainder after three slots.
			{Weekday: time.Monday, Active: true, Ranges: []TimeRange{
				{StartMinute: 9 * 60, EndMinute: 10*60 + 45, Active: true},
			}},
		},
		SlotDurationMin: 30,
	})
	gen := NewGenerator(repo, repo, NewLocalLocker())

	created, err := gen.GenerateWeekly(context.Background(), doctorID, monday, 30, false)
	if err != nil {
		t.Fatalf("GenerateWeekly: %v", err)
	}
	if created != 3 {
		t.Fatalf("created = %d, want 3", created)
	}

	slots := listSlots(t, repo, doctorID, monday, monday.AddDate(0, 0, 1))
	wantLast := monday.Add(10 * time.Hour)
	if !slots[len(slots)-1].StartTime.Equal(wantLast) {
		t.Errorf("last slot starts %s, want %s", slots[len(slots)-1].StartTime, wantLast)
	}
}

func TestGenerateTemplateMissing(t *testing.T) {
	repo := NewMemoryRepository()
	doctorID := seedDoctor(repo)
	gen := NewGenerator(repo, repo, NewLocalLocker())

	_, err := gen.GenerateWeekly(context.Background(), doctorID, monday, 30, false)
	if !errors.Is(err, ErrTemplateMissing) {
		t.Fatalf("err = %v, want ErrTemplateMissing", err)
	}
}

func TestGenerateInvalidDuration(t *testing.T) {
	_, gen, doctorID := newGeneratorEnv(t)
	ctx := context.Background()

	// Longer than any active range in the template.
	if _, err := gen.GenerateWeekly(ctx, doctorID, monday, 240, false); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("duration 240: err = %v, want ErrInvalidDuration", err)
	}
	if _, err := gen.GenerateWeekly(ctx, doctorID, monday, -15, false); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("duration -15: err = %v, want ErrInvalidDuration", err)
	}
}

func TestGenerateMonthlyCoversCalendarMonth(t *testing.T) {
	repo, gen, doctorID := newGeneratorEnv(t)

	created, err := gen.GenerateMonthly(context.Background(), doctorID, monday, 30, false)
	if err != nil {
		t.Fatalf("GenerateMonthly: %v", err)
	}
	// March 2026 has five Mondays, six slots each.
	if created != 30 {
		t.Fatalf("created = %d, want 30", created)
	}

	first := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	slots := listSlots(t, repo, doctorID, first, first.AddDate(0, 1, 0))
	if len(slots) != 30 {
		t.Fatalf("len(slots) = %d, want 30", len(slots))
	}
}

func TestGenerateOverBlockedRange(t *testing.T) {
	repo, gen, doctorID := newGeneratorEnv(t)
	ctx := context.Background()

	if _, err := repo.InsertBlockedRange(ctx, BlockedRange{
		DoctorID:  doctorID,
		StartTime: monday.Add(9 * time.Hour),
		EndTime:   monday.Add(10 * time.Hour),
		Reason:    "staff meeting",
	}); err != nil {
		t.Fatalf("insert blocked range: %v", err)
	}

	if _, err := gen.GenerateWeekly(ctx, doctorID, monday, 30, false); err != nil {
		t.Fatalf("GenerateWeekly: %v", err)
	}

	slots := listSlots(t, repo, doctorID, monday, monday.AddDate(0, 0, 1))
	for _, s := range slots {
		want := SlotAvailable
		if s.StartTime.Before(monday.Add(10 * time.Hour)) {
			want = SlotBlocked
		}
		if s.Status != want {
			t.Errorf("slot %s status = %q, want %q", s.StartTime, s.Status, want)
		}
	}
}

func TestApplyBlockedRange(t *testing.T) {
	repo, gen, doctorID := newGeneratorEnv(t)
	ctx := context.Background()

	if _, err := gen.GenerateWeekly(ctx, doctorID, monday, 30, false); err != nil {
		t.Fatalf("GenerateWeekly: %v", err)
	}
	slots := listSlots(t, repo, doctorID, monday, monday.AddDate(0, 0, 1))

	patientID := seedPatient(repo)
	if _, err := repo.ReserveSlot(ctx, slots[1].ID, patientID, monday.Add(48*time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := repo.ReserveSlot(ctx, slots[2].ID, patientID, monday.Add(48*time.Hour)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := repo.ConfirmSlot(ctx, slots[2].ID, uuid.New()); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, skipped, err := gen.ApplyBlockedRange(ctx, BlockedRange{
		DoctorID:  doctorID,
		StartTime: monday.Add(9 * time.Hour),
		EndTime:   monday.Add(12 * time.Hour),
		Reason:    "conference",
	})
	if err != nil {
		t.Fatalf("ApplyBlockedRange: %v", err)
	}

	if got := getSlot(t, repo, slots[0].ID); got.Status != SlotBlocked {
		t.Errorf("available slot became %q, want blocked", got.Status)
	}
	if got := getSlot(t, repo, slots[1].ID); got.Status != SlotBlocked {
		t.Errorf("held slot became %q, want blocked", got.Status)
	}
	if hold, _ := repo.GetActiveHoldForSlot(ctx, slots[1].ID); hold != nil {
		t.Error("displaced hold still active")
	}
	if got := getSlot(t, repo, slots[2].ID); got.Status != SlotBooked {
		t.Errorf("booked slot became %q, want untouched booked", got.Status)
	}
	if len(skipped) != 1 || skipped[0].ID != slots[2].ID {
		t.Errorf("skipped = %v, want the booked slot", skipped)
	}
}

func TestApplyBlockedRangeInvalidWindow(t *testing.T) {
	_, gen, doctorID := newGeneratorEnv(t)

	_, _, err := gen.ApplyBlockedRange(context.Background(), BlockedRange{
		DoctorID:  doctorID,
		StartTime: monday.Add(12 * time.Hour),
		EndTime:   monday.Add(9 * time.Hour),
	})
	if !errors.Is(err, ErrInvalidTimeRange) {
		t.Fatalf("err = %v, want ErrInvalidTimeRange", err)
	}
}
