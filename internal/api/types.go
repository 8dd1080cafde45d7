package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/medibook/booking-engine/internal/booking"
)

type CreateAppointmentRequest struct {
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
	ClinicID  string `json:"clinic_id"`
	Date      string `json:"date"` // YYYY-MM-DD
	Time      string `json:"time"` // HH:MM
	Reason    string `json:"reason"`
}

type CancelAppointmentRequest struct {
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"` // patient | doctor
}

type ConfirmAppointmentRequest struct {
	DoctorID string `json:"doctor_id"`
}

type CompleteAppointmentRequest struct {
	ActorID string `json:"actor_id"`
}

type RecordDiagnosisRequest struct {
	DoctorID  string `json:"doctor_id"`
	Diagnosis string `json:"diagnosis"`
}

type WorkingHoursRequest struct {
	// Keyed by lowercase weekday name: "monday" ... "sunday". Missing days
	// are non-working.
	Days map[string]DayHoursPayload `json:"days"`
}

type DayHoursPayload struct {
	Start string `json:"start"` // HH:MM
	End   string `json:"end"`   // HH:MM
}

type AddUnavailabilityRequest struct {
	Date      string   `json:"date"`
	IsFullDay bool     `json:"is_full_day"`
	Slots     []string `json:"slots,omitempty"`
	Reason    string   `json:"reason"`
}

type AppointmentResponse struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	PatientID uuid.UUID `json:"patient_id"`
	ClinicID  uuid.UUID `json:"clinic_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	Diagnosis *string   `json:"diagnosis,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		DoctorID:  a.DoctorID,
		PatientID: a.PatientID,
		ClinicID:  a.ClinicID,
		Date:      booking.FormatDate(a.Date),
		Time:      a.Time.String(),
		Reason:    a.Reason,
		Status:    string(a.Status),
		Diagnosis: a.Diagnosis,
		CreatedAt: a.CreatedAt,
	}
}

type SlotPayload struct {
	Time  string `json:"time"`
	State string `json:"state"`
}

type SlotViewResponse struct {
	Date      string        `json:"date"`
	Available int           `json:"available"`
	Slots     []SlotPayload `json:"slots"`
}

type UnavailabilityResponse struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      string    `json:"date"`
	IsFullDay bool      `json:"is_full_day"`
	Slots     []string  `json:"slots,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
