package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Directory resolves the parties referenced by a booking. Read-only from the
// engine's point of view; profile CRUD lives elsewhere.
type Directory interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
}

// AvailabilityStore persists doctor working hours and unavailability ranges.
type AvailabilityStore interface {
	GetWorkingHours(ctx context.Context, doctorID uuid.UUID) (WorkingHoursTemplate, error)
	UpsertWorkingHours(ctx context.Context, doctorID uuid.UUID, template WorkingHoursTemplate) error
	ListUnavailability(ctx context.Context, doctorID uuid.UUID, dateStart, dateEnd time.Time) ([]UnavailabilityEntry, error)
	InsertUnavailability(ctx context.Context, entry *UnavailabilityEntry) error
	GetUnavailabilityByID(ctx context.Context, id uuid.UUID) (*UnavailabilityEntry, error)
	DeleteUnavailability(ctx context.Context, id uuid.UUID) error
}

// Ledger is the authoritative store of appointments. InsertIfAbsent must be
// atomic with respect to the active-status exclusivity invariant: two
// concurrent inserts for the same (doctor, date, time) may not both succeed.
type Ledger interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindActive(ctx context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay) (*Appointment, error)
	InsertIfAbsent(ctx context.Context, appt *Appointment) (*Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	SetDiagnosis(ctx context.Context, id uuid.UUID, diagnosis string) (*Appointment, error)

	ListActiveInRange(ctx context.Context, doctorID uuid.UUID, dateStart, dateEnd time.Time) ([]Appointment, error)
	ListActiveByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error)

	// Reminder worker support.
	FindUpcomingUnreminded(ctx context.Context, from, until time.Time) ([]Appointment, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error

	InsertEvent(ctx context.Context, ev EventLog) error
}
