package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newReservationEnv(t *testing.T) (*MemoryRepository, *ReservationManager, Slot, uuid.UUID) {
	t.Helper()
	repo := NewMemoryRepository()
	doctorID := seedDoctor(repo)
	patientID := seedPatient(repo)
	slot := insertSlot(t, repo, doctorID, monday.Add(9*time.Hour), 30, SlotAvailable)

	mgr := NewReservationManager(repo, NewLocalLocker(), 10*time.Minute)
	mgr.now = func() time.Time { return monday }
	return repo, mgr, slot, patientID
}

func TestReserveGrantsHold(t *testing.T) {
	repo, mgr, slot, patientID := newReservationEnv(t)

	hold, err := mgr.Reserve(context.Background(), slot.ID, patientID, 5*time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if hold.SlotID != slot.ID || hold.PatientID != patientID {
		t.Errorf("hold = %+v, want slot %s patient %s", hold, slot.ID, patientID)
	}
	if want := monday.Add(5 * time.Minute); !hold.ExpiresAt.Equal(want) {
		t.Errorf("hold expires %s, want %s", hold.ExpiresAt, want)
	}

	got := getSlot(t, repo, slot.ID)
	if got.Status != SlotHeld {
		t.Errorf("slot status = %q, want held", got.Status)
	}
	if got.HoldExpiresAt == nil || !got.HoldExpiresAt.Equal(hold.ExpiresAt) {
		t.Errorf("slot hold expiry = %v, want %s", got.HoldExpiresAt, hold.ExpiresAt)
	}
	if !hasEvent(repo.Events(), EventHoldCreated) {
		t.Error("expected a hold created event")
	}
}

func TestReserveDefaultTTL(t *testing.T) {
	_, mgr, slot, patientID := newReservationEnv(t)

	hold, err := mgr.Reserve(context.Background(), slot.ID, patientID, 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if want := monday.Add(10 * time.Minute); !hold.ExpiresAt.Equal(want) {
		t.Errorf("hold expires %s, want default TTL %s", hold.ExpiresAt, want)
	}
}

func TestReserveHeldSlotConflicts(t *testing.T) {
	repo, mgr, slot, patientID := newReservationEnv(t)
	ctx := context.Background()

	if _, err := mgr.Reserve(ctx, slot.ID, patientID, 5*time.Minute); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	other := seedPatient(repo)
	if _, err := mgr.Reserve(ctx, slot.ID, other, 5*time.Minute); !errors.Is(err, ErrSlotNotAvailable) {
		t.Fatalf("second Reserve err = %v, want ErrSlotNotAvailable", err)
	}
}

func TestReserveUnknownPatient(t *testing.T) {
	_, mgr, slot, _ := newReservationEnv(t)

	if _, err := mgr.Reserve(context.Background(), slot.ID, uuid.New(), 0); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("err = %v, want ErrPatientNotFound", err)
	}
}

// Exactly one of N concurrent reservations for the same slot may win.
func TestReserveConcurrent(t *testing.T) {
	repo, mgr, slot, _ := newReservationEnv(t)

	const n = 20
	patients := make([]uuid.UUID, n)
	for i := range patients {
		patients[i] = seedPatient(repo)
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = mgr.Reserve(context.Background(), slot.ID, patients[i], 5*time.Minute)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotNotAvailable):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if conflicts != n-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, n-1)
	}
}

func TestReserveReclaimsExpiredHold(t *testing.T) {
	repo, mgr, slot, patientID := newReservationEnv(t)
	ctx := context.Background()

	if _, err := mgr.Reserve(ctx, slot.ID, patientID, 5*time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	mgr.now = func() time.Time { return monday.Add(5*time.Minute + time.Second) }

	other := seedPatient(repo)
	hold, err := mgr.Reserve(ctx, slot.ID, other, 5*time.Minute)
	if err != nil {
		t.Fatalf("Reserve after expiry: %v", err)
	}
	if hold.PatientID != other {
		t.Errorf("hold patient = %s, want %s", hold.PatientID, other)
	}
	if !hasEvent(repo.Events(), EventHoldExpired) {
		t.Error("expected a hold expired event from the lazy reclaim")
	}
}

func TestReleaseHold(t *testing.T) {
	repo, mgr, slot, patientID := newReservationEnv(t)
	ctx := context.Background()

	if _, err := mgr.Reserve(ctx, slot.ID, patientID, 5*time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := mgr.Release(ctx, slot.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got := getSlot(t, repo, slot.ID)
	if got.Status != SlotAvailable {
		t.Errorf("slot status = %q, want available", got.Status)
	}
	if got.HoldExpiresAt != nil {
		t.Error("hold expiry not cleared")
	}

	// Releasing an already available slot is a no-op success.
	if err := mgr.Release(ctx, slot.ID); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestReleaseBookedSlot(t *testing.T) {
	_, mgr, slot, patientID := newReservationEnv(t)
	ctx := context.Background()

	if _, err := mgr.Reserve(ctx, slot.ID, patientID, 5*time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := mgr.Confirm(ctx, slot.ID, uuid.New()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if err := mgr.Release(ctx, slot.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("Release booked slot err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestConfirmHold(t *testing.T) {
	repo, mgr, slot, patientID := newReservationEnv(t)
	ctx := context.Background()

	if _, err := mgr.Reserve(ctx, slot.ID, patientID, 5*time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	ref := uuid.New()
	booked, err := mgr.Confirm(ctx, slot.ID, ref)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if booked.Status != SlotBooked {
		t.Errorf("slot status = %q, want booked", booked.Status)
	}
	if booked.AppointmentRef == nil || *booked.AppointmentRef != ref {
		t.Errorf("appointment ref = %v, want %s", booked.AppointmentRef, ref)
	}
	if hold, _ := repo.GetActiveHoldForSlot(ctx, slot.ID); hold != nil {
		t.Error("hold still active after confirm")
	}
	if !hasEvent(repo.Events(), EventSlotBooked) {
		t.Error("expected a slot booked event")
	}
}

func TestConfirmWithoutHold(t *testing.T) {
	_, mgr, slot, _ := newReservationEnv(t)

	if _, err := mgr.Confirm(context.Background(), slot.ID, uuid.New()); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestConfirmExpiredHold(t *testing.T) {
	repo, mgr, slot, patientID := newReservationEnv(t)
	ctx := context.Background()

	if _, err := mgr.Reserve(ctx, slot.ID, patientID, 5*time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	mgr.now = func() time.Time { return monday.Add(6 * time.Minute) }

	if _, err := mgr.Confirm(ctx, slot.ID, uuid.New()); !errors.Is(err, ErrHoldExpired) {
		t.Fatalf("err = %v, want ErrHoldExpired", err)
	}
	if got := getSlot(t, repo, slot.ID); got.Status != SlotAvailable {
		t.Errorf("slot status after expired confirm = %q, want available", got.Status)
	}
}

func TestReclaimExpiredSweep(t *testing.T) {
	repo := NewMemoryRepository()
	doctorID := seedDoctor(repo)
	patientID := seedPatient(repo)

	mgr := NewReservationManager(repo, NewLocalLocker(), 10*time.Minute)
	mgr.now = func() time.Time { return monday }

	ctx := context.Background()
	expired1 := insertSlot(t, repo, doctorID, monday.Add(9*time.Hour), 30, SlotAvailable)
	expired2 := insertSlot(t, repo, doctorID, monday.Add(10*time.Hour), 30, SlotAvailable)
	live := insertSlot(t, repo, doctorID, monday.Add(11*time.Hour), 30, SlotAvailable)
	for _, s := range []Slot{expired1, expired2} {
		if _, err := mgr.Reserve(ctx, s.ID, patientID, time.Minute); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	if _, err := mgr.Reserve(ctx, live.ID, patientID, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	mgr.now = func() time.Time { return monday.Add(2 * time.Minute) }

	reclaimed, err := mgr.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if reclaimed != 2 {
		t.Fatalf("reclaimed = %d, want 2", reclaimed)
	}
	if got := getSlot(t, repo, expired1.ID); got.Status != SlotAvailable {
		t.Errorf("expired slot status = %q, want available", got.Status)
	}
	if got := getSlot(t, repo, live.ID); got.Status != SlotHeld {
		t.Errorf("live hold status = %q, want held", got.Status)
	}
}

// hookLocker runs a callback before taking the lock so a test can interleave
// a competing writer at the race window.
type hookLocker struct {
	inner  Locker
	before func()
}

func (l *hookLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if l.before != nil {
		l.before()
	}
	return l.inner.WithLock(ctx, key, fn)
}

func TestReleaseLosingRaceToConfirm(t *testing.T) {
	repo, mgr, slot, patientID := newReservationEnv(t)
	ctx := context.Background()
	if _, err := mgr.Reserve(ctx, slot.ID, patientID, 5*time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Confirm the hold between the releaser's status read and its lock.
	racer := NewReservationManager(repo, &hookLocker{
		inner: NewLocalLocker(),
		before: func() {
			if _, err := repo.ConfirmSlot(ctx, slot.ID, uuid.New()); err != nil {
				t.Errorf("confirm during release: %v", err)
			}
		},
	}, 10*time.Minute)
	racer.now = func() time.Time { return monday }

	if err := racer.Release(ctx, slot.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("Release = %v, want ErrInvalidStateTransition", err)
	}
	if got := getSlot(t, repo, slot.ID); got.Status != SlotBooked {
		t.Errorf("slot status = %q, want the booking untouched", got.Status)
	}
}

func TestReleaseLosingRaceToReleaseIsNoop(t *testing.T) {
	repo, mgr, slot, patientID := newReservationEnv(t)
	ctx := context.Background()
	if _, err := mgr.Reserve(ctx, slot.ID, patientID, 5*time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	racer := NewReservationManager(repo, &hookLocker{
		inner: NewLocalLocker(),
		before: func() {
			if _, err := repo.ReleaseSlot(ctx, slot.ID); err != nil {
				t.Errorf("release during release: %v", err)
			}
		},
	}, 10*time.Minute)
	racer.now = func() time.Time { return monday }

	if err := racer.Release(ctx, slot.ID); err != nil {
		t.Fatalf("Release = %v, want no-op success", err)
	}
	if got := getSlot(t, repo, slot.ID); got.Status != SlotAvailable {
		t.Errorf("slot status = %q, want available", got.Status)
	}
}
