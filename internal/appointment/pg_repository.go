package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-slot-engine/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func isUniqueViolation(err error) bool {
	_, ok := db.Constraint(err, db.UniqueViolation)
	return ok
}

// bookingError translates constraint violations raised by the appointment
// insert. Anything else is returned unchanged.
func bookingError(err error) error {
	if isUniqueViolation(err) {
		return ErrSlotNotAvailable
	}
	if c, ok := db.Constraint(err, db.ForeignKeyViolation); ok {
		switch c {
		case db.FKAppointmentPatient:
			return ErrPatientNotFound
		case db.FKAppointmentDoctor:
			return ErrDoctorNotFound
		}
	}
	return err
}

func clockString(t pgtype.Time) string {
	mins := t.Microseconds / int64(time.Minute/time.Microsecond)
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60)
}

func scanSlot(row pgx.Row) (*SlotSnapshot, error) {
	var s SlotSnapshot
	var start, end pgtype.Time

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.Date,
		&start,
		&end,
		&s.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.StartTime = clockString(start)
	s.EndTime = clockString(end)
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.SlotID,
		&a.DurationMinutes,
		&a.ReasonForVisit,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var d AppointmentDetail
	var start, end pgtype.Time

	err := row.Scan(
		&d.ID,
		&d.PatientID,
		&d.DoctorID,
		&d.SlotID,
		&d.DurationMinutes,
		&d.ReasonForVisit,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.Slot.ID,
		&d.Slot.DoctorID,
		&d.Slot.Date,
		&start,
		&end,
		&d.Slot.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	d.Slot.StartTime = clockString(start)
	d.Slot.EndTime = clockString(end)
	return &d, nil
}

func collectDetails(rows pgx.Rows) ([]AppointmentDetail, error) {
	defer rows.Close()

	result := make([]AppointmentDetail, 0)
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const appointmentColumns = `id, patient_id, doctor_id, slot_id, duration_minutes, reason_for_visit, status, created_at, updated_at`

const detailSelect = `
	SELECT a.id, a.patient_id, a.doctor_id, a.slot_id, a.duration_minutes, a.reason_for_visit, a.status, a.created_at, a.updated_at,
	       s.id, s.doctor_id, s.slot_date, s.start_time, s.end_time, s.status
	FROM appointments a
	JOIN slots s ON s.id = a.slot_id`

// Interface methods

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*SlotSnapshot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, doctor_id, slot_date, start_time, end_time, status
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.pool.QueryRow(ctx, detailSelect+`
		WHERE a.id = $1
	`, id)
	return scanDetail(row)
}

func (r *PgRepository) FindLiveAppointment(ctx context.Context, slotID, patientID uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = $1
		  AND patient_id = $2
		  AND status <> 'Cancelled'
		LIMIT 1
	`, slotID, patientID)
	return scanAppointment(row)
}

func (r *PgRepository) BookSlot(ctx context.Context, req BookRequest) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE slots
		SET status = 'booked',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'available'
	`, req.SlotID)
	if err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrSlotNotAvailable
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, slot_id, duration_minutes, reason_for_visit, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'Pending', now(), now())
		RETURNING `+appointmentColumns,
		uuid.New(), req.PatientID, req.DoctorID, req.SlotID, req.DurationMinutes, req.ReasonForVisit)

	appt, err := scanAppointment(row)
	if err != nil {
		if mapped := bookingError(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return appt, nil
}

func (r *PgRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, effect SlotEffect) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns, id, to, from)

	appt, err := scanAppointment(row)
	if err != nil {
		switch {
		case errors.Is(err, ErrAppointmentNotFound):
			return nil, ErrInvalidState
		case isUniqueViolation(err):
			return nil, ErrSlotNotAvailable
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	switch effect {
	case SlotRelease:
		_, err = tx.Exec(ctx, `
			UPDATE slots
			SET status = 'available',
			    updated_at = now()
			WHERE id = $1
			  AND status = 'booked'
		`, appt.SlotID)
		if err != nil {
			return nil, fmt.Errorf("release slot: %w", err)
		}
	case SlotReclaim:
		// Exclusivity was already enforced by uq_appointments_live_slot on the
		// update above; the slot may still read booked if it was never released.
		_, err = tx.Exec(ctx, `
			UPDATE slots
			SET status = 'booked',
			    updated_at = now()
			WHERE id = $1
		`, appt.SlotID)
		if err != nil {
			return nil, fmt.Errorf("reclaim slot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return appt, nil
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	rows, err := r.pool.Query(ctx, detailSelect+`
		WHERE a.patient_id = $1
		ORDER BY s.slot_date DESC, s.start_time DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectDetails(rows)
}

func (r *PgRepository) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	rows, err := r.pool.Query(ctx, detailSelect+`
		WHERE a.doctor_id = $1
		ORDER BY s.slot_date DESC, s.start_time DESC
		LIMIT $2 OFFSET $3
	`, doctorID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectDetails(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
