package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// monday is the fixed reference date for the package tests: a Monday at
// midnight UTC, far enough in the future that nothing is accidentally expired.
var monday = time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

func seedDoctor(repo *MemoryRepository) uuid.UUID {
	id := uuid.New()
	repo.AddDoctor(Doctor{ID: id, Name: "Dr. Greene"})
	return id
}

func seedPatient(repo *MemoryRepository) uuid.UUID {
	id := uuid.New()
	repo.AddPatient(Patient{ID: id, Name: "Ana Torres"})
	return id
}

// mondayTemplate works Mondays 09:00-12:00 with 30 minute slots.
func mondayTemplate(doctorID uuid.UUID) WorkTemplate {
	return WorkTemplate{
		DoctorID: doctorID,
		Days: []WorkDay{
			{Weekday: time.Monday, Active: true, Ranges: []TimeRange{
				{StartMinute: 9 * 60, EndMinute: 12 * 60, Active: true},
			}},
		},
		SlotDurationMin: 30,
	}
}

func insertSlot(t *testing.T, repo *MemoryRepository, doctorID uuid.UUID, start time.Time, durationMin int, status SlotStatus) Slot {
	t.Helper()
	slot, err := repo.InsertSlot(context.Background(), Slot{
		DoctorID:    doctorID,
		StartTime:   start,
		EndTime:     start.Add(time.Duration(durationMin) * time.Minute),
		DurationMin: durationMin,
		Status:      status,
	})
	if err != nil {
		t.Fatalf("insert slot: %v", err)
	}
	return *slot
}

func getSlot(t *testing.T, repo *MemoryRepository, id uuid.UUID) Slot {
	t.Helper()
	slot, err := repo.GetSlotByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get slot %s: %v", id, err)
	}
	return *slot
}

func listSlots(t *testing.T, repo *MemoryRepository, doctorID uuid.UUID, from, to time.Time) []Slot {
	t.Helper()
	slots, err := repo.ListSlots(context.Background(), doctorID, from, to)
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	return slots
}

func hasEvent(events []EventLog, eventType string) bool {
	for _, ev := range events {
		if ev.EventType == eventType {
			return true
		}
	}
	return false
}
