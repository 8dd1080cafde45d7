package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Active reports whether the status occupies a slot. Only active appointments
// participate in conflict checks.
func (s AppointmentStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Clinic struct {
	ID        uuid.UUID
	Name      string
	Address   *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DayHours is one weekday's working window. Start is inclusive, End exclusive
// for slot enumeration.
type DayHours struct {
	Start TimeOfDay
	End   TimeOfDay
}

// WorkingHoursTemplate maps weekdays to working windows. A missing weekday
// means the doctor does not work that day.
type WorkingHoursTemplate map[time.Weekday]DayHours

// Validate checks every declared window has Start < End.
func (t WorkingHoursTemplate) Validate() error {
	for day, h := range t {
		if !h.Start.Valid() || !h.End.Valid() || h.Start >= h.End {
			return fmtValidationf("working hours for %s: start %s must be before end %s", day, h.Start, h.End)
		}
	}
	return nil
}

// UnavailabilityEntry is a doctor-declared block on a date, either the whole
// day or an explicit set of slot times.
type UnavailabilityEntry struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	Date      time.Time // UTC midnight
	IsFullDay bool
	Slots     []TimeOfDay // ignored when IsFullDay
	Reason    string
	CreatedAt time.Time
}

// Covers reports whether the entry blocks the given slot on its date.
func (e *UnavailabilityEntry) Covers(t TimeOfDay) bool {
	if e.IsFullDay {
		return true
	}
	for _, s := range e.Slots {
		if s == t {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	ClinicID  uuid.UUID
	Date      time.Time // UTC midnight
	Time      TimeOfDay
	Reason    string
	Status    AppointmentStatus
	Diagnosis *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StartAt is the absolute instant the appointment begins.
func (a *Appointment) StartAt() time.Time {
	return a.Time.At(a.Date)
}

type SlotState string

const (
	SlotAvailable         SlotState = "available"
	SlotBookedByOther     SlotState = "booked-by-other"
	SlotBookedByRequester SlotState = "booked-by-requester"
	SlotUnavailable       SlotState = "unavailable"
	SlotExpired           SlotState = "expired"
)

type Slot struct {
	Time  TimeOfDay
	State SlotState
}

// SlotView is the derived calendar for one doctor-date. It is recomputed on
// every read and never persisted.
type SlotView struct {
	Date      time.Time
	Slots     []Slot
	Available int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
