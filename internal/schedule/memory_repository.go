package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded in-memory Repository and
// TemplateStore. It backs single-process deployments and the package tests;
// the mutex makes every method an atomic conditional update, which is the
// same contract the Postgres implementation gets from transactions.
type MemoryRepository struct {
	mu sync.Mutex

	doctors   map[uuid.UUID]Doctor
	patients  map[uuid.UUID]Patient
	templates map[uuid.UUID]WorkTemplate
	slots     map[uuid.UUID]Slot
	holds     map[uuid.UUID]Hold // keyed by slot id
	blocked   map[uuid.UUID][]BlockedRange
	bookings  map[uuid.UUID]EmergencyBooking
	events    []EventLog
	nextEvent int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:   make(map[uuid.UUID]Doctor),
		patients:  make(map[uuid.UUID]Patient),
		templates: make(map[uuid.UUID]WorkTemplate),
		slots:     make(map[uuid.UUID]Slot),
		holds:     make(map[uuid.UUID]Hold),
		blocked:   make(map[uuid.UUID][]BlockedRange),
		bookings:  make(map[uuid.UUID]EmergencyBooking),
	}
}

// Seeding helpers used by tests and single-process setups.

func (r *MemoryRepository) AddDoctor(d Doctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doctors[d.ID] = d
}

func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
}

func (r *MemoryRepository) PutWorkTemplate(t WorkTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.DoctorID] = t
}

// Events returns a snapshot of the event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) GetWorkTemplate(_ context.Context, doctorID uuid.UUID) (*WorkTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[doctorID]
	if !ok {
		return nil, ErrTemplateMissing
	}
	cp := t
	return &cp, nil
}

func (r *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := d
	return &cp, nil
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := p
	return &cp, nil
}

func (r *MemoryRepository) GetSlotByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := s
	return &cp, nil
}

func (r *MemoryRepository) ListSlots(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Slot
	for _, s := range r.slots {
		if s.DoctorID == doctorID && !s.StartTime.Before(from) && s.StartTime.Before(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *MemoryRepository) InsertSlot(_ context.Context, slot Slot) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	now := time.Now()
	slot.CreatedAt = now
	slot.UpdatedAt = now
	r.slots[slot.ID] = slot
	cp := slot
	return &cp, nil
}

func (r *MemoryRepository) UpdateSlotStatus(_ context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok || s.Status != from {
		return nil, ErrSlotNotFound
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	r.slots[id] = s
	cp := s
	return &cp, nil
}

func (r *MemoryRepository) ReserveSlot(_ context.Context, slotID, patientID uuid.UUID, expiresAt time.Time) (*Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status != SlotAvailable {
		return nil, ErrSlotNotAvailable
	}
	now := time.Now()
	s.Status = SlotHeld
	s.HoldExpiresAt = &expiresAt
	s.UpdatedAt = now
	r.slots[slotID] = s

	hold := Hold{
		ID:        uuid.New(),
		SlotID:    slotID,
		PatientID: patientID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	r.holds[slotID] = hold
	cp := hold
	return &cp, nil
}

func (r *MemoryRepository) ReleaseSlot(_ context.Context, slotID uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok || s.Status != SlotHeld {
		return nil, ErrSlotNotFound
	}
	s.Status = SlotAvailable
	s.HoldExpiresAt = nil
	s.UpdatedAt = time.Now()
	r.slots[slotID] = s
	delete(r.holds, slotID)
	cp := s
	return &cp, nil
}

func (r *MemoryRepository) ConfirmSlot(_ context.Context, slotID, appointmentRef uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status != SlotHeld {
		return nil, ErrInvalidStateTransition
	}
	ref := appointmentRef
	s.Status = SlotBooked
	s.AppointmentRef = &ref
	s.HoldExpiresAt = nil
	s.UpdatedAt = time.Now()
	r.slots[slotID] = s
	delete(r.holds, slotID)
	cp := s
	return &cp, nil
}

func (r *MemoryRepository) PreemptSlot(_ context.Context, slotID uuid.UUID) (*Slot, *Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return nil, nil, ErrSlotNotFound
	}
	if s.Status != SlotAvailable && s.Status != SlotHeld {
		return nil, nil, ErrInvalidStateTransition
	}

	var displaced *Hold
	if h, ok := r.holds[slotID]; ok {
		cp := h
		displaced = &cp
		delete(r.holds, slotID)
	}

	s.Status = SlotCancelled
	s.HoldExpiresAt = nil
	s.UpdatedAt = time.Now()
	r.slots[slotID] = s
	cp := s
	return &cp, displaced, nil
}

func (r *MemoryRepository) ConsumeSlotForBooking(_ context.Context, slotID, bookingID uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status != SlotAvailable {
		return nil, ErrSlotNotAvailable
	}
	ref := bookingID
	s.Status = SlotBooked
	s.AppointmentRef = &ref
	s.UpdatedAt = time.Now()
	r.slots[slotID] = s
	cp := s
	return &cp, nil
}

func (r *MemoryRepository) ReopenSlot(_ context.Context, slotID uuid.UUID) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok || s.Status != SlotBooked {
		return nil, ErrSlotNotFound
	}
	s.Status = SlotAvailable
	s.AppointmentRef = nil
	s.Emergency = false
	s.UpdatedAt = time.Now()
	r.slots[slotID] = s
	cp := s
	return &cp, nil
}

func (r *MemoryRepository) GetActiveHoldForSlot(_ context.Context, slotID uuid.UUID) (*Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[slotID]
	if !ok {
		return nil, nil
	}
	cp := h
	return &cp, nil
}

func (r *MemoryRepository) FindExpiredHeldSlots(_ context.Context, now time.Time) ([]Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Slot
	for _, s := range r.slots {
		if s.Status == SlotHeld && s.HoldExpiresAt != nil && s.HoldExpiresAt.Before(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *MemoryRepository) InsertBlockedRange(_ context.Context, br BlockedRange) (*BlockedRange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if br.ID == uuid.Nil {
		br.ID = uuid.New()
	}
	br.CreatedAt = time.Now()
	r.blocked[br.DoctorID] = append(r.blocked[br.DoctorID], br)
	cp := br
	return &cp, nil
}

func (r *MemoryRepository) ListBlockedRanges(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]BlockedRange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []BlockedRange
	for _, br := range r.blocked[doctorID] {
		if br.StartTime.Before(to) && from.Before(br.EndTime) {
			out = append(out, br)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *MemoryRepository) CreateEmergencyBooking(_ context.Context, b EmergencyBooking) (*EmergencyBooking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	r.bookings[b.ID] = b
	cp := b
	return &cp, nil
}

func (r *MemoryRepository) GetEmergencyBookingByID(_ context.Context, id uuid.UUID) (*EmergencyBooking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := b
	return &cp, nil
}

func (r *MemoryRepository) UpdateEmergencyBookingStatus(_ context.Context, id uuid.UUID, from, to EmergencyStatus) (*EmergencyBooking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok || b.Status != from {
		return nil, ErrBookingNotFound
	}
	b.Status = to
	b.UpdatedAt = time.Now()
	r.bookings[id] = b
	cp := b
	return &cp, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEvent++
	ev.ID = r.nextEvent
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}
