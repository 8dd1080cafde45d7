package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medibook/booking-engine/internal/config"
	redisclient "github.com/medibook/booking-engine/internal/redis"
)

// Service is the booking coordinator: the only authorized writer of
// appointment status. All validation happens once, here, against explicit
// request structs.
type Service struct {
	directory Directory
	avail     AvailabilityStore
	ledger    Ledger
	locker    redisclient.Locker
	notifier  Notifier
	clock     Clock
	cfg       config.Config
	log       zerolog.Logger
}

func NewService(
	directory Directory,
	avail AvailabilityStore,
	ledger Ledger,
	locker redisclient.Locker,
	notifier Notifier,
	clock Clock,
	cfg config.Config,
	log zerolog.Logger,
) *Service {
	return &Service{
		directory: directory,
		avail:     avail,
		ledger:    ledger,
		locker:    locker,
		notifier:  notifier,
		clock:     clock,
		cfg:       cfg,
		log:       log,
	}
}

type CreateAppointmentRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	ClinicID  uuid.UUID
	Date      time.Time // UTC midnight
	Time      TimeOfDay
	Reason    string
}

type CancelAppointmentRequest struct {
	AppointmentID uuid.UUID
	ActorID       uuid.UUID
	ActorRole     Role
}

// store runs fn under the ledger timeout, retrying once with backoff on a
// transient failure before surfacing ErrTimeout. Business-rule failures pass
// through untouched and are never retried.
func (s *Service) store(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
		defer cancel()
		return fn(opCtx)
	}

	err := attempt()
	if err == nil || !errors.Is(err, ErrTransient) {
		return err
	}

	s.log.Warn().Err(err).Msg("transient store failure, retrying once")
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrTimeout, ctx.Err())
	case <-time.After(s.cfg.RetryBackoff):
	}

	if err := attempt(); err != nil {
		if errors.Is(err, ErrTransient) {
			return fmt.Errorf("%w: %s", ErrTimeout, err)
		}
		return err
	}
	return nil
}

func slotLockKey(doctorID uuid.UUID, date time.Time, t TimeOfDay) string {
	return fmt.Sprintf("lock:slot:%s:%s:%s", doctorID, FormatDate(date), t)
}

// CreateAppointment reserves a slot for a patient. The Redis lock plus the
// FindActive pre-check produce friendly SlotTaken errors; the ledger's
// atomic InsertIfAbsent is what actually guarantees exclusivity under
// concurrent callers.
func (s *Service) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*Appointment, error) {
	asOf := s.clock.Now()

	doctor, err := s.getDoctor(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.Active {
		return nil, fmt.Errorf("%w: doctor is inactive", ErrNotFound)
	}
	if err := s.store(ctx, func(ctx context.Context) error {
		_, err := s.directory.GetPatientByID(ctx, req.PatientID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if err := s.store(ctx, func(ctx context.Context) error {
		_, err := s.directory.GetClinicByID(ctx, req.ClinicID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("load clinic: %w", err)
	}

	if err := s.validateSlotInput(req.Date, req.Time); err != nil {
		return nil, err
	}
	if start := req.Time.At(req.Date); start.Sub(asOf) < s.cfg.MinLeadTime {
		return nil, fmt.Errorf("%w: slot %s %s starts less than %s from now",
			ErrLeadTimeViolation, FormatDate(req.Date), req.Time, s.cfg.MinLeadTime)
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmtValidationf("reason must not be empty")
	}
	if len(reason) > s.cfg.MaxReasonLen {
		return nil, fmtValidationf("reason exceeds %d characters", s.cfg.MaxReasonLen)
	}

	if err := s.checkWithinWorkingHours(ctx, req.DoctorID, req.Date, req.Time); err != nil {
		return nil, err
	}
	if err := s.checkNotBlocked(ctx, req.DoctorID, req.Date, req.Time); err != nil {
		return nil, err
	}

	var created *Appointment
	err = s.locker.WithSlotLock(ctx, slotLockKey(req.DoctorID, req.Date, req.Time), func(lockCtx context.Context) error {
		// Re-check inside the critical section for a friendlier error than
		// the constraint violation.
		err := s.store(lockCtx, func(ctx context.Context) error {
			existing, err := s.ledger.FindActive(ctx, req.DoctorID, req.Date, req.Time)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return fmt.Errorf("check active appointment: %w", err)
			}
			if existing != nil {
				return ErrSlotTaken
			}
			return nil
		})
		if err != nil {
			return err
		}

		return s.store(lockCtx, func(ctx context.Context) error {
			appt, err := s.ledger.InsertIfAbsent(ctx, &Appointment{
				ID:        uuid.New(),
				DoctorID:  req.DoctorID,
				PatientID: req.PatientID,
				ClinicID:  req.ClinicID,
				Date:      req.Date,
				Time:      req.Time,
				Reason:    reason,
				Status:    StatusPending,
			})
			if err != nil {
				return fmt.Errorf("insert appointment: %w", err)
			}
			created = appt
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			// Someone else is mid-booking on the same slot.
			return nil, ErrSlotTaken
		}
		return nil, err
	}

	s.logEvent(ctx, created.ID, EventAppointmentBooked, map[string]any{
		"doctor_id":  req.DoctorID.String(),
		"patient_id": req.PatientID.String(),
		"date":       FormatDate(req.Date),
		"time":       req.Time.String(),
	})
	s.notifier.Emit(ctx, Event{
		Kind:          EventAppointmentBooked,
		RecipientID:   created.DoctorID,
		AppointmentID: created.ID,
		Message:       fmt.Sprintf("New appointment on %s at %s", FormatDate(created.Date), created.Time),
	})
	s.notifier.Emit(ctx, Event{
		Kind:          EventAppointmentBooked,
		RecipientID:   created.PatientID,
		AppointmentID: created.ID,
		Message:       fmt.Sprintf("Your appointment on %s at %s is pending", FormatDate(created.Date), created.Time),
	})

	return created, nil
}

// CancelAppointment transitions an active appointment to cancelled, subject
// to the actor's cancellation window. Reschedules are cancel + create; there
// is no in-place date/time mutation.
func (s *Service) CancelAppointment(ctx context.Context, req CancelAppointmentRequest) (*Appointment, error) {
	asOf := s.clock.Now()

	appt, err := s.getAppointment(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}

	switch req.ActorRole {
	case RolePatient:
		if req.ActorID != appt.PatientID {
			return nil, ErrForbidden
		}
	case RoleDoctor:
		if req.ActorID != appt.DoctorID {
			return nil, ErrForbidden
		}
	default:
		return nil, fmtValidationf("unknown actor role %q", req.ActorRole)
	}

	if !appt.Status.Active() {
		return nil, ErrInvalidState
	}
	if !CanCancel(appt, req.ActorRole, asOf, s.cfg.PatientCancelNotice) {
		return nil, ErrCancellationWindowClosed
	}

	var updated *Appointment
	err = s.store(ctx, func(ctx context.Context) error {
		u, err := s.ledger.UpdateStatus(ctx, appt.ID, appt.Status, StatusCancelled)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"actor_role": string(req.ActorRole),
	})

	// Notify the counter-party.
	recipient := updated.DoctorID
	if req.ActorRole == RoleDoctor {
		recipient = updated.PatientID
	}
	s.notifier.Emit(ctx, Event{
		Kind:          EventAppointmentCancelled,
		RecipientID:   recipient,
		AppointmentID: updated.ID,
		Message:       fmt.Sprintf("Appointment on %s at %s was cancelled", FormatDate(updated.Date), updated.Time),
	})

	return updated, nil
}

// ConfirmAppointment is the optional administrative pending → confirmed step.
// Confirmation is never a gate: completion works from pending too.
func (s *Service) ConfirmAppointment(ctx context.Context, appointmentID, doctorID uuid.UUID) (*Appointment, error) {
	appt, err := s.getAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.DoctorID != doctorID {
		return nil, ErrForbidden
	}
	if appt.Status != StatusPending {
		return nil, ErrInvalidState
	}

	var updated *Appointment
	err = s.store(ctx, func(ctx context.Context) error {
		u, err := s.ledger.UpdateStatus(ctx, appt.ID, StatusPending, StatusConfirmed)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentConfirmed, map[string]any{})
	s.notifier.Emit(ctx, Event{
		Kind:          EventAppointmentConfirmed,
		RecipientID:   updated.PatientID,
		AppointmentID: updated.ID,
		Message:       fmt.Sprintf("Your appointment on %s at %s is confirmed", FormatDate(updated.Date), updated.Time),
	})

	return updated, nil
}

// MarkCompleted transitions pending or confirmed to completed. Doctor only.
func (s *Service) MarkCompleted(ctx context.Context, appointmentID, actorID uuid.UUID) (*Appointment, error) {
	appt, err := s.getAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.DoctorID != actorID {
		return nil, ErrForbidden
	}
	if !appt.Status.Active() {
		return nil, ErrInvalidState
	}

	var updated *Appointment
	err = s.store(ctx, func(ctx context.Context) error {
		u, err := s.ledger.UpdateStatus(ctx, appt.ID, appt.Status, StatusCompleted)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCompleted, map[string]any{})
	return updated, nil
}

// RecordDiagnosis attaches diagnosis text without a status change. Doctor only.
func (s *Service) RecordDiagnosis(ctx context.Context, appointmentID, doctorID uuid.UUID, diagnosis string) (*Appointment, error) {
	diagnosis = strings.TrimSpace(diagnosis)
	if diagnosis == "" {
		return nil, fmtValidationf("diagnosis must not be empty")
	}

	appt, err := s.getAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.DoctorID != doctorID {
		return nil, ErrForbidden
	}
	if appt.Status == StatusCancelled {
		return nil, ErrInvalidState
	}

	var updated *Appointment
	err = s.store(ctx, func(ctx context.Context) error {
		u, err := s.ledger.SetDiagnosis(ctx, appt.ID, diagnosis)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record diagnosis: %w", err)
	}
	return updated, nil
}

// ResolveSlots computes the calendar view for a doctor over an inclusive
// date range. Reads are not transactionally linked to a later create; the
// coordinator re-validates at write time.
func (s *Service) ResolveSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time, requesterID uuid.UUID) ([]SlotView, error) {
	asOf := s.clock.Now()
	from, to = DateOf(from), DateOf(to)

	if to.Before(from) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, FormatDate(to), FormatDate(from))
	}
	if span := int(to.Sub(from).Hours()/24) + 1; span > s.cfg.MaxResolveSpanDays {
		return nil, fmt.Errorf("%w: %d days exceeds the %d-day maximum", ErrInvalidRange, span, s.cfg.MaxResolveSpanDays)
	}

	if _, err := s.getDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	var (
		template WorkingHoursTemplate
		entries  []UnavailabilityEntry
		active   []Appointment
	)
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		if template, err = s.avail.GetWorkingHours(ctx, doctorID); err != nil {
			return fmt.Errorf("load working hours: %w", err)
		}
		if entries, err = s.avail.ListUnavailability(ctx, doctorID, from, to); err != nil {
			return fmt.Errorf("list unavailability: %w", err)
		}
		if active, err = s.ledger.ListActiveInRange(ctx, doctorID, from, to); err != nil {
			return fmt.Errorf("list active appointments: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ResolveSlots(ResolveInput{
		Template:       template,
		Unavailability: entries,
		Appointments:   active,
		From:           from,
		To:             to,
		AsOf:           asOf,
		RequesterID:    requesterID,
		Granularity:    s.cfg.SlotGranularity,
		MinLeadTime:    s.cfg.MinLeadTime,
	}), nil
}

// SetWorkingHours replaces a doctor's weekly template.
func (s *Service) SetWorkingHours(ctx context.Context, doctorID uuid.UUID, template WorkingHoursTemplate) error {
	if _, err := s.getDoctor(ctx, doctorID); err != nil {
		return err
	}
	if err := template.Validate(); err != nil {
		return err
	}
	return s.store(ctx, func(ctx context.Context) error {
		return s.avail.UpsertWorkingHours(ctx, doctorID, template)
	})
}

// AddUnavailability blocks slots (or the whole day) for a doctor. A slot a
// patient already holds cannot be blocked retroactively; the doctor must
// cancel that appointment first.
func (s *Service) AddUnavailability(ctx context.Context, doctorID uuid.UUID, date time.Time, slots []TimeOfDay, isFullDay bool, reason string) (*UnavailabilityEntry, error) {
	if _, err := s.getDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	date = DateOf(date)
	if !isFullDay {
		if len(slots) == 0 {
			return nil, fmtValidationf("partial-day unavailability needs at least one slot")
		}
		for _, t := range slots {
			if !t.Valid() || !t.Aligned(s.cfg.SlotGranularity) {
				return nil, fmtValidationf("slot %s is not on a %s boundary", t, s.cfg.SlotGranularity)
			}
		}
	}

	var active []Appointment
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		active, err = s.ledger.ListActiveByDoctorDate(ctx, doctorID, date)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}
	for i := range active {
		a := &active[i]
		if isFullDay || containsTime(slots, a.Time) {
			return nil, fmt.Errorf("%w: slot %s on %s is booked", ErrConflict, a.Time, FormatDate(date))
		}
	}

	entry := &UnavailabilityEntry{
		ID:        uuid.New(),
		DoctorID:  doctorID,
		Date:      date,
		IsFullDay: isFullDay,
		Reason:    strings.TrimSpace(reason),
	}
	if !isFullDay {
		entry.Slots = slots
	}

	err = s.store(ctx, func(ctx context.Context) error {
		return s.avail.InsertUnavailability(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("insert unavailability: %w", err)
	}
	return entry, nil
}

// RemoveUnavailability deletes an entry owned by the doctor.
func (s *Service) RemoveUnavailability(ctx context.Context, entryID, doctorID uuid.UUID) error {
	var entry *UnavailabilityEntry
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.avail.GetUnavailabilityByID(ctx, entryID)
		return err
	})
	if err != nil {
		return err
	}
	if entry.DoctorID != doctorID {
		return ErrForbidden
	}
	return s.store(ctx, func(ctx context.Context) error {
		return s.avail.DeleteUnavailability(ctx, entryID)
	})
}

// GetAppointment retrieves an appointment by ID.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.getAppointment(ctx, id)
}

// ListAppointmentsByPatient lists a patient's appointments, newest first.
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	var result []Appointment
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.ledger.ListByPatient(ctx, patientID, limit, offset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return result, nil
}

// ListAppointmentsByDoctor lists a doctor's appointments, newest first.
func (s *Service) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	var result []Appointment
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.ledger.ListByDoctor(ctx, doctorID, limit, offset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return result, nil
}

// SendReminders emits a one-time reminder for active appointments starting
// within the lookahead window. Intended to be called periodically by the
// reminder worker.
func (s *Service) SendReminders(ctx context.Context) error {
	now := s.clock.Now()

	var upcoming []Appointment
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		upcoming, err = s.ledger.FindUpcomingUnreminded(ctx, now, now.Add(s.cfg.ReminderLookahead))
		return err
	})
	if err != nil {
		return fmt.Errorf("find upcoming appointments: %w", err)
	}

	for i := range upcoming {
		a := &upcoming[i]
		if err := s.ledger.MarkReminded(ctx, a.ID, now); err != nil {
			s.log.Error().Err(err).Stringer("appointment_id", a.ID).Msg("mark reminded")
			continue
		}
		msg := fmt.Sprintf("Reminder: appointment on %s at %s", FormatDate(a.Date), a.Time)
		s.notifier.Emit(ctx, Event{Kind: EventAppointmentReminder, RecipientID: a.PatientID, AppointmentID: a.ID, Message: msg})
		s.notifier.Emit(ctx, Event{Kind: EventAppointmentReminder, RecipientID: a.DoctorID, AppointmentID: a.ID, Message: msg})
	}
	return nil
}

// helpers

func (s *Service) getDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var doctor *Doctor
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		doctor, err = s.directory.GetDoctorByID(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	return doctor, nil
}

func (s *Service) getAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var appt *Appointment
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		appt, err = s.ledger.FindByID(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) validateSlotInput(date time.Time, t TimeOfDay) error {
	if !date.Equal(DateOf(date)) {
		return fmtValidationf("date must be a calendar date without a time component")
	}
	if !t.Valid() {
		return fmtValidationf("time of day %d out of range", int(t))
	}
	if !t.Aligned(s.cfg.SlotGranularity) {
		return fmtValidationf("time %s is not on a %s boundary", t, s.cfg.SlotGranularity)
	}
	return nil
}

func (s *Service) checkWithinWorkingHours(ctx context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay) error {
	var template WorkingHoursTemplate
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		template, err = s.avail.GetWorkingHours(ctx, doctorID)
		return err
	})
	if err != nil {
		return fmt.Errorf("load working hours: %w", err)
	}
	hours, works := template[date.Weekday()]
	if !works || t < hours.Start || t >= hours.End {
		return fmtValidationf("%s %s is outside the doctor's working hours", FormatDate(date), t)
	}
	return nil
}

func (s *Service) checkNotBlocked(ctx context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay) error {
	var entries []UnavailabilityEntry
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		entries, err = s.avail.ListUnavailability(ctx, doctorID, date, date)
		return err
	})
	if err != nil {
		return fmt.Errorf("list unavailability: %w", err)
	}
	for i := range entries {
		if entries[i].Covers(t) {
			return fmt.Errorf("%w: %s %s", ErrDoctorUnavailable, FormatDate(date), t)
		}
	}
	return nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.ledger.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).
			Str("event_type", eventType).
			Stringer("appointment_id", appointmentID).
			Msg("insert event log")
	}
}

func containsTime(slots []TimeOfDay, t TimeOfDay) bool {
	for _, s := range slots {
		if s == t {
			return true
		}
	}
	return false
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
