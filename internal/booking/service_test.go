package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibook/booking-engine/internal/config"
)

// 2026-09-07 is a Monday.
var monday = time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		SlotGranularity:     30 * time.Minute,
		MinLeadTime:         4 * time.Hour,
		PatientCancelNotice: time.Hour,
		MaxResolveSpanDays:  60,
		MaxReasonLen:        500,
		LedgerTimeout:       time.Second,
		RetryBackoff:        time.Millisecond,
	}
}

type fixture struct {
	svc      *Service
	store    *memStore
	notifier *captureNotifier
	clock    *fixedClock

	doctor  *Doctor
	patient *Patient
	clinic  *Clinic
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	notifier := &captureNotifier{}
	clock := &fixedClock{now: monday.Add(5 * time.Hour)} // Monday 05:00

	doctor := &Doctor{ID: uuid.New(), Name: "Dr. Reyes", Active: true}
	patient := &Patient{ID: uuid.New(), Name: "Ana"}
	clinic := &Clinic{ID: uuid.New(), Name: "Central"}
	store.doctors[doctor.ID] = doctor
	store.patients[patient.ID] = patient
	store.clinics[clinic.ID] = clinic
	store.hours[doctor.ID] = WorkingHoursTemplate{
		time.Monday: {Start: mustTime(t, "09:00"), End: mustTime(t, "12:00")},
	}

	svc := NewService(store, store, store, passthroughLocker{}, notifier, clock, testConfig(), zerolog.Nop())
	return &fixture{svc: svc, store: store, notifier: notifier, clock: clock, doctor: doctor, patient: patient, clinic: clinic}
}

func mustTime(t *testing.T, s string) TimeOfDay {
	t.Helper()
	tod, err := ParseTimeOfDay(s)
	require.NoError(t, err)
	return tod
}

func (f *fixture) createReq(tod TimeOfDay) CreateAppointmentRequest {
	return CreateAppointmentRequest{
		DoctorID:  f.doctor.ID,
		PatientID: f.patient.ID,
		ClinicID:  f.clinic.ID,
		Date:      monday,
		Time:      tod,
		Reason:    "checkup",
	}
}

func TestCreateAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, appt.Status)
	assert.Equal(t, f.doctor.ID, appt.DoctorID)
	assert.Equal(t, "10:00", appt.Time.String())

	// Both parties are notified and the transition is logged.
	booked := f.notifier.byKind(EventAppointmentBooked)
	require.Len(t, booked, 2)
	recipients := map[uuid.UUID]bool{booked[0].RecipientID: true, booked[1].RecipientID: true}
	assert.True(t, recipients[f.doctor.ID])
	assert.True(t, recipients[f.patient.ID])
	require.Len(t, f.store.events, 1)
	assert.Equal(t, EventAppointmentBooked, f.store.events[0].EventType)
}

func TestCreateAppointmentSlotTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)

	other := &Patient{ID: uuid.New(), Name: "Bruno"}
	f.store.patients[other.ID] = other
	req := f.createReq(mustTime(t, "10:00"))
	req.PatientID = other.ID

	_, err = f.svc.CreateAppointment(ctx, req)
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestCreateAppointmentLeadTimeBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 09:00 is exactly four hours after the 05:00 clock: allowed.
	_, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "09:00")))
	require.NoError(t, err)

	// One minute later the same offset is 3h59m: rejected.
	f.clock.now = monday.Add(5*time.Hour + time.Minute)
	_, err = f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "09:30")))
	assert.NoError(t, err) // 09:30 is 4h29m out

	_, err = f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	assert.NoError(t, err) // plenty of lead

	f.clock.now = monday.Add(6*time.Hour + 31*time.Minute) // 06:31
	_, err = f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:30")))
	assert.ErrorIs(t, err, ErrLeadTimeViolation)
}

func TestCreateAppointmentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Midnight clock keeps every slot clear of the lead time, so each case
	// below fails for the reason under test.
	f.clock.now = monday

	req := f.createReq(mustTime(t, "10:00"))
	req.Reason = "   "
	_, err := f.svc.CreateAppointment(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req = f.createReq(TimeOfDay(10*60 + 15)) // 10:15, off-grid
	_, err = f.svc.CreateAppointment(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req = f.createReq(mustTime(t, "08:00")) // before working hours
	_, err = f.svc.CreateAppointment(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req = f.createReq(mustTime(t, "12:00")) // end is exclusive
	_, err = f.svc.CreateAppointment(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req = f.createReq(mustTime(t, "10:00"))
	req.DoctorID = uuid.New()
	_, err = f.svc.CreateAppointment(ctx, req)
	assert.ErrorIs(t, err, ErrNotFound)

	f.doctor.Active = false
	_, err = f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAppointmentDoctorUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddUnavailability(ctx, f.doctor.ID, monday, []TimeOfDay{mustTime(t, "10:00")}, false, "training")
	require.NoError(t, err)

	_, err = f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	assert.ErrorIs(t, err, ErrDoctorUnavailable)

	// Neighboring slots stay bookable.
	_, err = f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:30")))
	assert.NoError(t, err)
}

// Exactly one of many concurrent bookings for the same slot may win, even
// with no lock at all: the ledger's atomic insert is the guard.
func TestCreateAppointmentMutualExclusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 20
	patients := make([]uuid.UUID, callers)
	for i := range patients {
		p := &Patient{ID: uuid.New()}
		f.store.patients[p.ID] = p
		patients[i] = p.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := f.createReq(mustTime(t, "10:00"))
			req.PatientID = patients[i]
			_, errs[i] = f.svc.CreateAppointment(ctx, req)
		}(i)
	}
	wg.Wait()

	var wins, taken int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, ErrSlotTaken)
			taken++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, taken)
}

func TestResolveSlotsMondayScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	views, err := f.svc.ResolveSlots(ctx, f.doctor.ID, monday, monday, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Len(t, views[0].Slots, 6)
	assert.Equal(t, 6, views[0].Available)
	assert.Equal(t, "09:00", views[0].Slots[0].Time.String())
	assert.Equal(t, "11:30", views[0].Slots[5].Time.String())
	for _, s := range views[0].Slots {
		assert.Equal(t, SlotAvailable, s.State)
	}

	_, err = f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)

	// The booking patient sees their own hold; anyone else sees it taken.
	views, err = f.svc.ResolveSlots(ctx, f.doctor.ID, monday, monday, f.patient.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, views[0].Available)
	assert.Equal(t, SlotBookedByRequester, stateAt(t, views[0], "10:00"))

	views, err = f.svc.ResolveSlots(ctx, f.doctor.ID, monday, monday, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, SlotBookedByOther, stateAt(t, views[0], "10:00"))
}

func stateAt(t *testing.T, view SlotView, at string) SlotState {
	t.Helper()
	tod := mustTime(t, at)
	for _, s := range view.Slots {
		if s.Time == tod {
			return s.State
		}
	}
	t.Fatalf("no slot at %s", at)
	return ""
}

func TestResolveSlotsRangeChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResolveSlots(ctx, f.doctor.ID, monday, monday.AddDate(0, 0, -1), uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = f.svc.ResolveSlots(ctx, f.doctor.ID, monday, monday.AddDate(0, 0, 60), uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = f.svc.ResolveSlots(ctx, uuid.New(), monday, monday, uuid.Nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)
	f.notifier.events = nil

	cancelled, err := f.svc.CancelAppointment(ctx, CancelAppointmentRequest{
		AppointmentID: appt.ID,
		ActorID:       f.patient.ID,
		ActorRole:     RolePatient,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// Counter-party gets the notice.
	events := f.notifier.byKind(EventAppointmentCancelled)
	require.Len(t, events, 1)
	assert.Equal(t, f.doctor.ID, events[0].RecipientID)

	// Second cancel hits the terminal-state guard.
	_, err = f.svc.CancelAppointment(ctx, CancelAppointmentRequest{
		AppointmentID: appt.ID,
		ActorID:       f.patient.ID,
		ActorRole:     RolePatient,
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelAppointmentForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(ctx, CancelAppointmentRequest{
		AppointmentID: appt.ID,
		ActorID:       uuid.New(),
		ActorRole:     RolePatient,
	})
	assert.ErrorIs(t, err, ErrForbidden)

	// Right ID, wrong role.
	_, err = f.svc.CancelAppointment(ctx, CancelAppointmentRequest{
		AppointmentID: appt.ID,
		ActorID:       f.patient.ID,
		ActorRole:     RoleDoctor,
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCancelPolicyBoundaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)
	a2, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:30")))
	require.NoError(t, err)
	a3, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "11:00")))
	require.NoError(t, err)

	// Patient at 61 minutes out: allowed.
	f.clock.now = a1.StartAt().Add(-61 * time.Minute)
	_, err = f.svc.CancelAppointment(ctx, CancelAppointmentRequest{AppointmentID: a1.ID, ActorID: f.patient.ID, ActorRole: RolePatient})
	assert.NoError(t, err)

	// Patient at 59 minutes out: window closed.
	f.clock.now = a2.StartAt().Add(-59 * time.Minute)
	_, err = f.svc.CancelAppointment(ctx, CancelAppointmentRequest{AppointmentID: a2.ID, ActorID: f.patient.ID, ActorRole: RolePatient})
	assert.ErrorIs(t, err, ErrCancellationWindowClosed)

	// Doctor one minute before the start: allowed.
	f.clock.now = a3.StartAt().Add(-time.Minute)
	_, err = f.svc.CancelAppointment(ctx, CancelAppointmentRequest{AppointmentID: a3.ID, ActorID: f.doctor.ID, ActorRole: RoleDoctor})
	assert.NoError(t, err)
}

func TestConfirmAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)

	_, err = f.svc.ConfirmAppointment(ctx, appt.ID, uuid.New())
	assert.ErrorIs(t, err, ErrForbidden)

	confirmed, err := f.svc.ConfirmAppointment(ctx, appt.ID, f.doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	_, err = f.svc.ConfirmAppointment(ctx, appt.ID, f.doctor.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.MarkCompleted(ctx, appt.ID, f.patient.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	done, err := f.svc.MarkCompleted(ctx, appt.ID, f.doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	// Completed is terminal.
	_, err = f.svc.CancelAppointment(ctx, CancelAppointmentRequest{AppointmentID: appt.ID, ActorID: f.doctor.ID, ActorRole: RoleDoctor})
	assert.ErrorIs(t, err, ErrInvalidState)
}

// Confirmation is optional: pending goes straight to completed.
func TestCompleteFromPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)

	done, err := f.svc.MarkCompleted(ctx, appt.ID, f.doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestRecordDiagnosis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)

	_, err = f.svc.RecordDiagnosis(ctx, appt.ID, uuid.New(), "flu")
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := f.svc.RecordDiagnosis(ctx, appt.ID, f.doctor.ID, "seasonal flu")
	require.NoError(t, err)
	require.NotNil(t, updated.Diagnosis)
	assert.Equal(t, "seasonal flu", *updated.Diagnosis)
	assert.Equal(t, StatusPending, updated.Status)

	_, err = f.svc.CancelAppointment(ctx, CancelAppointmentRequest{AppointmentID: appt.ID, ActorID: f.doctor.ID, ActorRole: RoleDoctor})
	require.NoError(t, err)
	_, err = f.svc.RecordDiagnosis(ctx, appt.ID, f.doctor.ID, "flu")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAddUnavailabilityConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)

	// 09:00 is free, blocking it works.
	entry, err := f.svc.AddUnavailability(ctx, f.doctor.ID, monday, []TimeOfDay{mustTime(t, "09:00")}, false, "admin")
	require.NoError(t, err)

	// 10:00 is held by a patient: the doctor must cancel first.
	_, err = f.svc.AddUnavailability(ctx, f.doctor.ID, monday, []TimeOfDay{mustTime(t, "10:00")}, false, "admin")
	assert.ErrorIs(t, err, ErrConflict)

	// A full-day block collides with any active appointment that day.
	_, err = f.svc.AddUnavailability(ctx, f.doctor.ID, monday, nil, true, "conference")
	assert.ErrorIs(t, err, ErrConflict)

	// Blocked slots surface in the calendar.
	views, err := f.svc.ResolveSlots(ctx, f.doctor.ID, monday, monday, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, SlotUnavailable, stateAt(t, views[0], "09:00"))

	// Removal is owner-scoped.
	err = f.svc.RemoveUnavailability(ctx, entry.ID, uuid.New())
	assert.ErrorIs(t, err, ErrForbidden)
	require.NoError(t, f.svc.RemoveUnavailability(ctx, entry.ID, f.doctor.ID))
	err = f.svc.RemoveUnavailability(ctx, entry.ID, f.doctor.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddUnavailabilityValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddUnavailability(ctx, f.doctor.ID, monday, nil, false, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.AddUnavailability(ctx, f.doctor.ID, monday, []TimeOfDay{TimeOfDay(10*60 + 7)}, false, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSetWorkingHours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.SetWorkingHours(ctx, f.doctor.ID, WorkingHoursTemplate{
		time.Tuesday: {Start: mustTime(t, "13:00"), End: mustTime(t, "08:00")},
	})
	assert.ErrorIs(t, err, ErrValidation)

	template := WorkingHoursTemplate{
		time.Monday:  {Start: mustTime(t, "09:00"), End: mustTime(t, "12:00")},
		time.Tuesday: {Start: mustTime(t, "13:00"), End: mustTime(t, "17:00")},
	}
	require.NoError(t, f.svc.SetWorkingHours(ctx, f.doctor.ID, template))

	tuesday := monday.AddDate(0, 0, 1)
	views, err := f.svc.ResolveSlots(ctx, f.doctor.ID, tuesday, tuesday, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Len(t, views[0].Slots, 8)

	err = f.svc.SetWorkingHours(ctx, uuid.New(), template)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransientFailuresRetryOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)

	// A single transient failure is absorbed by the retry.
	f.store.failTransient("FindByID", 1)
	got, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, got.ID)

	// Two in a row exhaust the single retry and surface Timeout.
	f.store.failTransient("FindByID", 2)
	_, err = f.svc.GetAppointment(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendRemindersFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.ReminderLookahead = 24 * time.Hour
	f.svc = NewService(f.store, f.store, f.store, passthroughLocker{}, f.notifier, f.clock, cfg, zerolog.Nop())

	_, err := f.svc.CreateAppointment(ctx, f.createReq(mustTime(t, "10:00")))
	require.NoError(t, err)
	f.notifier.events = nil

	require.NoError(t, f.svc.SendReminders(ctx))
	assert.Len(t, f.notifier.byKind(EventAppointmentReminder), 2)

	// Already-reminded appointments stay quiet.
	f.notifier.events = nil
	require.NoError(t, f.svc.SendReminders(ctx))
	assert.Empty(t, f.notifier.byKind(EventAppointmentReminder))
}
