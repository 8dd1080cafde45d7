package booking

import "time"

// CanCancel decides whether the actor may cancel the appointment at asOf.
// Patients need strictly more than patientNotice before the start; doctors
// may cancel any time up to the start, since they own the resource.
func CanCancel(appt *Appointment, role Role, asOf time.Time, patientNotice time.Duration) bool {
	start := appt.StartAt()
	switch role {
	case RolePatient:
		return start.Sub(asOf) > patientNotice
	case RoleDoctor:
		return asOf.Before(start)
	default:
		return false
	}
}
