package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository implements Repository and TemplateStore on Postgres. The
// conditional UPDATE ... WHERE status = $from statements are the atomic
// compare-and-swap the engine relies on; composite steps run in a
// transaction.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const slotColumns = `id, doctor_id, start_time, end_time, duration_min, status, appointment_ref, is_emergency, hold_expires_at, created_at, updated_at`

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.StartTime,
		&s.EndTime,
		&s.DurationMin,
		&s.Status,
		&s.AppointmentRef,
		&s.Emergency,
		&s.HoldExpiresAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanHold(row pgx.Row) (*Hold, error) {
	var h Hold
	err := row.Scan(&h.ID, &h.SlotID, &h.PatientID, &h.CreatedAt, &h.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

func scanBooking(row pgx.Row) (*EmergencyBooking, error) {
	var b EmergencyBooking
	err := row.Scan(
		&b.ID,
		&b.DoctorID,
		&b.PatientID,
		&b.SlotID,
		&b.StartTime,
		&b.EndTime,
		&b.Type,
		&b.Priority,
		&b.Reason,
		&b.Status,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

func scanBlockedRange(row pgx.Row) (*BlockedRange, error) {
	var br BlockedRange
	err := row.Scan(&br.ID, &br.DoctorID, &br.StartTime, &br.EndTime, &br.Reason, &br.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &br, nil
}

func (r *PgRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Interface methods

func (r *PgRepository) GetWorkTemplate(ctx context.Context, doctorID uuid.UUID) (*WorkTemplate, error) {
	var (
		t    WorkTemplate
		days []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT doctor_id, days, slot_duration_min, updated_at
		FROM work_templates
		WHERE doctor_id = $1
	`, doctorID).Scan(&t.DoctorID, &days, &t.SlotDurationMin, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateMissing
		}
		return nil, err
	}
	if err := json.Unmarshal(days, &t.Days); err != nil {
		return nil, fmt.Errorf("decode template days: %w", err)
	}
	return &t, nil
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE doctor_id = $1
		  AND start_time >= $2
		  AND start_time < $3
		ORDER BY start_time
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (r *PgRepository) InsertSlot(ctx context.Context, slot Slot) (*Slot, error) {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO slots (id, doctor_id, start_time, end_time, duration_min, status, appointment_ref, is_emergency, hold_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING `+slotColumns+`
	`, slot.ID, slot.DoctorID, slot.StartTime, slot.EndTime, slot.DurationMin, slot.Status, slot.AppointmentRef, slot.Emergency, slot.HoldExpiresAt)
	return scanSlot(row)
}

func (r *PgRepository) UpdateSlotStatus(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+slotColumns+`
	`, id, to, from)
	return scanSlot(row)
}

func (r *PgRepository) ReserveSlot(ctx context.Context, slotID, patientID uuid.UUID, expiresAt time.Time) (*Hold, error) {
	var hold *Hold
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE slots
			SET status = 'held',
			    hold_expires_at = $2,
			    updated_at = now()
			WHERE id = $1
			  AND status = 'available'
		`, slotID, expiresAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.slotMissingOr(ctx, tx, slotID, ErrSlotNotAvailable)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO holds (id, slot_id, patient_id, created_at, expires_at)
			VALUES ($1, $2, $3, now(), $4)
			RETURNING id, slot_id, patient_id, created_at, expires_at
		`, uuid.New(), slotID, patientID, expiresAt)
		h, err := scanHold(row)
		if err != nil {
			return err
		}
		hold = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	var slot *Slot
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM holds WHERE slot_id = $1`, slotID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE slots
			SET status = 'available',
			    hold_expires_at = NULL,
			    updated_at = now()
			WHERE id = $1
			  AND status = 'held'
			RETURNING `+slotColumns+`
		`, slotID)
		s, err := scanSlot(row)
		if err != nil {
			return err
		}
		slot = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (r *PgRepository) ConfirmSlot(ctx context.Context, slotID, appointmentRef uuid.UUID) (*Slot, error) {
	var slot *Slot
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE slots
			SET status = 'booked',
			    appointment_ref = $2,
			    hold_expires_at = NULL,
			    updated_at = now()
			WHERE id = $1
			  AND status = 'held'
			RETURNING `+slotColumns+`
		`, slotID, appointmentRef)
		s, err := scanSlot(row)
		if err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				return r.slotMissingOr(ctx, tx, slotID, ErrInvalidStateTransition)
			}
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM holds WHERE slot_id = $1`, slotID); err != nil {
			return err
		}
		slot = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (r *PgRepository) PreemptSlot(ctx context.Context, slotID uuid.UUID) (*Slot, *Hold, error) {
	var (
		slot *Slot
		hold *Hold
	)
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, slot_id, patient_id, created_at, expires_at
			FROM holds
			WHERE slot_id = $1
		`, slotID)
		h, err := scanHold(row)
		if err != nil {
			return err
		}
		hold = h

		if _, err := tx.Exec(ctx, `DELETE FROM holds WHERE slot_id = $1`, slotID); err != nil {
			return err
		}

		slotRow := tx.QueryRow(ctx, `
			UPDATE slots
			SET status = 'cancelled',
			    hold_expires_at = NULL,
			    updated_at = now()
			WHERE id = $1
			  AND status IN ('available', 'held')
			RETURNING `+slotColumns+`
		`, slotID)
		s, err := scanSlot(slotRow)
		if err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				return r.slotMissingOr(ctx, tx, slotID, ErrInvalidStateTransition)
			}
			return err
		}
		slot = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return slot, hold, nil
}

func (r *PgRepository) ConsumeSlotForBooking(ctx context.Context, slotID, bookingID uuid.UUID) (*Slot, error) {
	var slot *Slot
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE slots
			SET status = 'booked',
			    appointment_ref = $2,
			    updated_at = now()
			WHERE id = $1
			  AND status = 'available'
			RETURNING `+slotColumns+`
		`, slotID, bookingID)
		s, err := scanSlot(row)
		if err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				return r.slotMissingOr(ctx, tx, slotID, ErrSlotNotAvailable)
			}
			return err
		}
		slot = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (r *PgRepository) ReopenSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET status = 'available',
		    appointment_ref = NULL,
		    is_emergency = false,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'booked'
		RETURNING `+slotColumns+`
	`, slotID)
	return scanSlot(row)
}

func (r *PgRepository) GetActiveHoldForSlot(ctx context.Context, slotID uuid.UUID) (*Hold, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, slot_id, patient_id, created_at, expires_at
		FROM holds
		WHERE slot_id = $1
	`, slotID)
	return scanHold(row)
}

func (r *PgRepository) FindExpiredHeldSlots(ctx context.Context, now time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE status = 'held'
		  AND hold_expires_at IS NOT NULL
		  AND hold_expires_at < $1
		ORDER BY start_time
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (r *PgRepository) InsertBlockedRange(ctx context.Context, br BlockedRange) (*BlockedRange, error) {
	if br.ID == uuid.Nil {
		br.ID = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO blocked_ranges (id, doctor_id, start_time, end_time, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, doctor_id, start_time, end_time, reason, created_at
	`, br.ID, br.DoctorID, br.StartTime, br.EndTime, br.Reason)
	return scanBlockedRange(row)
}

func (r *PgRepository) ListBlockedRanges(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]BlockedRange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, start_time, end_time, reason, created_at
		FROM blocked_ranges
		WHERE doctor_id = $1
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []BlockedRange
	for rows.Next() {
		br, err := scanBlockedRange(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *br)
	}
	return result, rows.Err()
}

func (r *PgRepository) CreateEmergencyBooking(ctx context.Context, b EmergencyBooking) (*EmergencyBooking, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO emergency_bookings (id, doctor_id, patient_id, slot_id, start_time, end_time, type, priority, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING id, doctor_id, patient_id, slot_id, start_time, end_time, type, priority, reason, status, created_at, updated_at
	`, b.ID, b.DoctorID, b.PatientID, b.SlotID, b.StartTime, b.EndTime, b.Type, b.Priority, b.Reason, b.Status)
	return scanBooking(row)
}

func (r *PgRepository) GetEmergencyBookingByID(ctx context.Context, id uuid.UUID) (*EmergencyBooking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, doctor_id, patient_id, slot_id, start_time, end_time, type, priority, reason, status, created_at, updated_at
		FROM emergency_bookings
		WHERE id = $1
	`, id)
	return scanBooking(row)
}

func (r *PgRepository) UpdateEmergencyBookingStatus(ctx context.Context, id uuid.UUID, from, to EmergencyStatus) (*EmergencyBooking, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE emergency_bookings
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING id, doctor_id, patient_id, slot_id, start_time, end_time, type, priority, reason, status, created_at, updated_at
	`, id, to, from)
	return scanBooking(row)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, doctor_id, slot_id, booking_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, ev.EventType, ev.DoctorID, ev.SlotID, ev.BookingID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// slotMissingOr maps a failed conditional update on a slot: ErrSlotNotFound
// when the row does not exist, stateErr when it exists in another state.
func (r *PgRepository) slotMissingOr(ctx context.Context, tx pgx.Tx, slotID uuid.UUID, stateErr error) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM slots WHERE id = $1`, slotID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSlotNotFound
		}
		return err
	}
	return stateErr
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
