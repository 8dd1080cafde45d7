package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medibook/booking-engine/internal/booking"
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func createAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, ok := parseUUID(w, req.DoctorID, "doctor_id")
		if !ok {
			return
		}
		patientID, ok := parseUUID(w, req.PatientID, "patient_id")
		if !ok {
			return
		}
		clinicID, ok := parseUUID(w, req.ClinicID, "clinic_id")
		if !ok {
			return
		}
		date, err := booking.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		tod, err := booking.ParseTimeOfDay(req.Time)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "time must be HH:MM")
			return
		}

		appt, err := svc.CreateAppointment(r.Context(), booking.CreateAppointmentRequest{
			DoctorID:  doctorID,
			PatientID: patientID,
			ClinicID:  clinicID,
			Date:      date,
			Time:      tod,
			Reason:    req.Reason,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		actorID, ok := parseUUID(w, req.ActorID, "actor_id")
		if !ok {
			return
		}

		appt, err := svc.CancelAppointment(r.Context(), booking.CancelAppointmentRequest{
			AppointmentID: id,
			ActorID:       actorID,
			ActorRole:     booking.Role(req.ActorRole),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func confirmAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		var req ConfirmAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		doctorID, ok := parseUUID(w, req.DoctorID, "doctor_id")
		if !ok {
			return
		}

		appt, err := svc.ConfirmAppointment(r.Context(), id, doctorID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		var req CompleteAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		actorID, ok := parseUUID(w, req.ActorID, "actor_id")
		if !ok {
			return
		}

		appt, err := svc.MarkCompleted(r.Context(), id, actorID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func recordDiagnosisHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		var req RecordDiagnosisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		doctorID, ok := parseUUID(w, req.DoctorID, "doctor_id")
		if !ok {
			return
		}

		appt, err := svc.RecordDiagnosis(r.Context(), id, doctorID, req.Diagnosis)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listPatientAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		limit, offset := pageParams(r)

		appts, err := svc.ListAppointmentsByPatient(r.Context(), id, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentList(appts))
	}
}

func listDoctorAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		limit, offset := pageParams(r)

		appts, err := svc.ListAppointmentsByDoctor(r.Context(), id, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentList(appts))
	}
}

func resolveSlotsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		from, err := booking.ParseDate(r.URL.Query().Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be YYYY-MM-DD")
			return
		}
		to, err := booking.ParseDate(r.URL.Query().Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be YYYY-MM-DD")
			return
		}

		requesterID := uuid.Nil
		if raw := r.URL.Query().Get("requester_id"); raw != "" {
			requesterID, err = uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_requester_id", "requester_id must be a valid UUID")
				return
			}
		}

		views, err := svc.ResolveSlots(r.Context(), doctorID, from, to, requesterID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		resp := make([]SlotViewResponse, 0, len(views))
		for _, v := range views {
			day := SlotViewResponse{Date: booking.FormatDate(v.Date), Available: v.Available, Slots: []SlotPayload{}}
			for _, s := range v.Slots {
				day.Slots = append(day.Slots, SlotPayload{Time: s.Time.String(), State: string(s.State)})
			}
			resp = append(resp, day)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func setWorkingHoursHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		var req WorkingHoursRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		template := make(booking.WorkingHoursTemplate, len(req.Days))
		for name, hours := range req.Days {
			day, known := weekdayNames[strings.ToLower(name)]
			if !known {
				writeError(w, http.StatusBadRequest, "invalid_weekday", "unknown weekday "+name)
				return
			}
			start, err := booking.ParseTimeOfDay(hours.Start)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_time", name+": start must be HH:MM")
				return
			}
			end, err := booking.ParseTimeOfDay(hours.End)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_time", name+": end must be HH:MM")
				return
			}
			template[day] = booking.DayHours{Start: start, End: end}
		}

		if err := svc.SetWorkingHours(r.Context(), doctorID, template); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func addUnavailabilityHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}

		var req AddUnavailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		date, err := booking.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots := make([]booking.TimeOfDay, 0, len(req.Slots))
		for _, raw := range req.Slots {
			t, err := booking.ParseTimeOfDay(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_time", "slots must be HH:MM")
				return
			}
			slots = append(slots, t)
		}

		entry, err := svc.AddUnavailability(r.Context(), doctorID, date, slots, req.IsFullDay, req.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		resp := UnavailabilityResponse{
			ID:        entry.ID,
			DoctorID:  entry.DoctorID,
			Date:      booking.FormatDate(entry.Date),
			IsFullDay: entry.IsFullDay,
			Reason:    entry.Reason,
		}
		for _, t := range entry.Slots {
			resp.Slots = append(resp.Slots, t.String())
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func removeUnavailabilityHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUID(w, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		entryID, ok := parseUUID(w, chi.URLParam(r, "entryId"), "entryId")
		if !ok {
			return
		}

		if err := svc.RemoveUnavailability(r.Context(), entryID, doctorID); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseUUID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func appointmentList(appts []booking.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	return out
}
