package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository implements Directory, AvailabilityStore and Ledger on Postgres.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// classify translates driver-level failures into the engine's error kinds so
// the service layer never imports pgconn.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrTransient, pgErr.Message)
		}
	}
	return err
}

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: doctor", ErrNotFound)
		}
		return nil, classify(err)
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: patient", ErrNotFound)
		}
		return nil, classify(err)
	}
	return &p, nil
}

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	err := row.Scan(&c.ID, &c.Name, &c.Address, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: clinic", ErrNotFound)
		}
		return nil, classify(err)
	}
	return &c, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var timeMinutes int32
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.ClinicID,
		&a.Date,
		&timeMinutes,
		&a.Reason,
		&a.Status,
		&a.Diagnosis,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: appointment", ErrNotFound)
		}
		return nil, classify(err)
	}
	a.Time = TimeOfDay(timeMinutes)
	a.Date = DateOf(a.Date)
	return &a, nil
}

const appointmentColumns = `id, doctor_id, patient_id, clinic_id, date, time_minutes, reason, status, diagnosis, created_at, updated_at`

// Directory

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, active, created_at, updated_at
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

func (r *PgRepository) GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, address, created_at, updated_at
		FROM clinics
		WHERE id = $1
	`, id)
	return scanClinic(row)
}

// AvailabilityStore

func (r *PgRepository) GetWorkingHours(ctx context.Context, doctorID uuid.UUID) (WorkingHoursTemplate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT weekday, start_minutes, end_minutes
		FROM working_hours
		WHERE doctor_id = $1
	`, doctorID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	template := make(WorkingHoursTemplate)
	for rows.Next() {
		var weekday int16
		var start, end int32
		if err := rows.Scan(&weekday, &start, &end); err != nil {
			return nil, classify(err)
		}
		template[time.Weekday(weekday)] = DayHours{Start: TimeOfDay(start), End: TimeOfDay(end)}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return template, nil
}

func (r *PgRepository) UpsertWorkingHours(ctx context.Context, doctorID uuid.UUID, template WorkingHoursTemplate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM working_hours WHERE doctor_id = $1`, doctorID); err != nil {
		return classify(err)
	}
	for weekday, hours := range template {
		_, err := tx.Exec(ctx, `
			INSERT INTO working_hours (doctor_id, weekday, start_minutes, end_minutes)
			VALUES ($1, $2, $3, $4)
		`, doctorID, int16(weekday), int32(hours.Start), int32(hours.End))
		if err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit(ctx))
}

func (r *PgRepository) ListUnavailability(ctx context.Context, doctorID uuid.UUID, dateStart, dateEnd time.Time) ([]UnavailabilityEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, date, is_full_day, slots, reason, created_at
		FROM unavailability
		WHERE doctor_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date
	`, doctorID, dateStart, dateEnd)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []UnavailabilityEntry
	for rows.Next() {
		e, err := scanUnavailability(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

func scanUnavailability(row pgx.Row) (*UnavailabilityEntry, error) {
	var e UnavailabilityEntry
	var slots []int32
	err := row.Scan(&e.ID, &e.DoctorID, &e.Date, &e.IsFullDay, &slots, &e.Reason, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: unavailability entry", ErrNotFound)
		}
		return nil, classify(err)
	}
	e.Date = DateOf(e.Date)
	e.Slots = make([]TimeOfDay, len(slots))
	for i, s := range slots {
		e.Slots[i] = TimeOfDay(s)
	}
	return &e, nil
}

func (r *PgRepository) InsertUnavailability(ctx context.Context, entry *UnavailabilityEntry) error {
	slots := make([]int32, len(entry.Slots))
	for i, s := range entry.Slots {
		slots[i] = int32(s)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO unavailability (id, doctor_id, date, is_full_day, slots, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, entry.ID, entry.DoctorID, entry.Date, entry.IsFullDay, slots, entry.Reason)
	return classify(err)
}

func (r *PgRepository) GetUnavailabilityByID(ctx context.Context, id uuid.UUID) (*UnavailabilityEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, doctor_id, date, is_full_day, slots, reason, created_at
		FROM unavailability
		WHERE id = $1
	`, id)
	return scanUnavailability(row)
}

func (r *PgRepository) DeleteUnavailability(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM unavailability WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: unavailability entry", ErrNotFound)
	}
	return nil
}

// Ledger

func (r *PgRepository) FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) FindActive(ctx context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND date = $2 AND time_minutes = $3
		  AND status IN ('pending', 'confirmed')
	`, doctorID, date, int32(t))
	return scanAppointment(row)
}

// InsertIfAbsent relies on the partial unique index over active statuses; a
// unique violation means a concurrent booking won the slot.
func (r *PgRepository) InsertIfAbsent(ctx context.Context, appt *Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, clinic_id, date, time_minutes, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+appointmentColumns+`
	`, appt.ID, appt.DoctorID, appt.PatientID, appt.ClinicID, appt.Date, int32(appt.Time), appt.Reason, appt.Status)

	created, err := scanAppointment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrSlotTaken
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Row exists but not in the expected status, or is gone; the
			// caller already loaded it, so report the transition failure.
			return nil, ErrInvalidState
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) SetDiagnosis(ctx context.Context, id uuid.UUID, diagnosis string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET diagnosis = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, diagnosis)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveInRange(ctx context.Context, doctorID uuid.UUID, dateStart, dateEnd time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND date BETWEEN $2 AND $3
		  AND status IN ('pending', 'confirmed')
		ORDER BY date, time_minutes
	`, doctorID, dateStart, dateEnd)
	if err != nil {
		return nil, classify(err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListActiveByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	return r.ListActiveInRange(ctx, doctorID, date, date)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY date DESC, time_minutes DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		ORDER BY date DESC, time_minutes DESC
		LIMIT $2 OFFSET $3
	`, doctorID, limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindUpcomingUnreminded(ctx context.Context, from, until time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('pending', 'confirmed')
		  AND reminded_at IS NULL
		  AND date + make_interval(mins => time_minutes) BETWEEN $1 AND $2
		ORDER BY date, time_minutes
	`, from, until)
	if err != nil {
		return nil, classify(err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments SET reminded_at = $2 WHERE id = $1
	`, id, at)
	return classify(err)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", classify(err))
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
