package booking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

// passthroughLocker applies no mutual exclusion at all, so concurrency tests
// prove the ledger's atomic insert is the real guard.
type passthroughLocker struct{}

func (passthroughLocker) WithSlotLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *captureNotifier) Emit(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *captureNotifier) byKind(kind string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type slotTuple struct {
	doctorID uuid.UUID
	date     time.Time
	t        TimeOfDay
}

// memStore is an in-memory Directory + AvailabilityStore + Ledger.
// InsertIfAbsent enforces the active-slot exclusivity invariant under a
// single mutex, mirroring the partial unique index in Postgres.
type memStore struct {
	mu sync.Mutex

	doctors  map[uuid.UUID]*Doctor
	patients map[uuid.UUID]*Patient
	clinics  map[uuid.UUID]*Clinic

	hours    map[uuid.UUID]WorkingHoursTemplate
	blocks   map[uuid.UUID]*UnavailabilityEntry
	appts    map[uuid.UUID]*Appointment
	reminded map[uuid.UUID]bool
	events   []EventLog

	// failures remaining per injected method name; each call consumes one
	// and returns ErrTransient until drained.
	transient map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		doctors:   make(map[uuid.UUID]*Doctor),
		patients:  make(map[uuid.UUID]*Patient),
		clinics:   make(map[uuid.UUID]*Clinic),
		hours:     make(map[uuid.UUID]WorkingHoursTemplate),
		blocks:    make(map[uuid.UUID]*UnavailabilityEntry),
		appts:     make(map[uuid.UUID]*Appointment),
		reminded:  make(map[uuid.UUID]bool),
		transient: make(map[string]int),
	}
}

func (m *memStore) failTransient(method string, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transient[method] = times
}

func (m *memStore) consumeTransient(method string) bool {
	if m.transient[method] > 0 {
		m.transient[method]--
		return true
	}
	return false
}

// Directory

func (m *memStore) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumeTransient("GetDoctorByID") {
		return nil, ErrTransient
	}
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (m *memStore) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *memStore) GetClinicByID(_ context.Context, id uuid.UUID) (*Clinic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clinics[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

// AvailabilityStore

func (m *memStore) GetWorkingHours(_ context.Context, doctorID uuid.UUID) (WorkingHoursTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	template := make(WorkingHoursTemplate, len(m.hours[doctorID]))
	for day, h := range m.hours[doctorID] {
		template[day] = h
	}
	return template, nil
}

func (m *memStore) UpsertWorkingHours(_ context.Context, doctorID uuid.UUID, template WorkingHoursTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hours[doctorID] = template
	return nil
}

func (m *memStore) ListUnavailability(_ context.Context, doctorID uuid.UUID, dateStart, dateEnd time.Time) ([]UnavailabilityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UnavailabilityEntry
	for _, e := range m.blocks {
		if e.DoctorID == doctorID && !e.Date.Before(dateStart) && !e.Date.After(dateEnd) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) InsertUnavailability(_ context.Context, entry *UnavailabilityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *entry
	m.blocks[entry.ID] = &copied
	return nil
}

func (m *memStore) GetUnavailabilityByID(_ context.Context, id uuid.UUID) (*UnavailabilityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (m *memStore) DeleteUnavailability(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[id]; !ok {
		return ErrNotFound
	}
	delete(m.blocks, id)
	return nil
}

// Ledger

func (m *memStore) FindByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumeTransient("FindByID") {
		return nil, ErrTransient
	}
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (m *memStore) findActiveLocked(doctorID uuid.UUID, date time.Time, t TimeOfDay) *Appointment {
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Date.Equal(date) && a.Time == t && a.Status.Active() {
			return a
		}
	}
	return nil
}

func (m *memStore) FindActive(_ context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.findActiveLocked(doctorID, date, t); a != nil {
		copied := *a
		return &copied, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) InsertIfAbsent(_ context.Context, appt *Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumeTransient("InsertIfAbsent") {
		return nil, ErrTransient
	}
	if m.findActiveLocked(appt.DoctorID, appt.Date, appt.Time) != nil {
		return nil, ErrSlotTaken
	}
	copied := *appt
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	m.appts[appt.ID] = &copied
	out := copied
	return &out, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return nil, ErrInvalidState
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	copied := *a
	return &copied, nil
}

func (m *memStore) SetDiagnosis(_ context.Context, id uuid.UUID, diagnosis string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.Diagnosis = &diagnosis
	copied := *a
	return &copied, nil
}

func (m *memStore) ListActiveInRange(_ context.Context, doctorID uuid.UUID, dateStart, dateEnd time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Status.Active() && !a.Date.Before(dateStart) && !a.Date.After(dateEnd) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) ListActiveByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	return m.ListActiveInRange(ctx, doctorID, date, date)
}

func (m *memStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	return page(out, limit, offset), nil
}

func (m *memStore) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID {
			out = append(out, *a)
		}
	}
	return page(out, limit, offset), nil
}

func (m *memStore) FindUpcomingUnreminded(_ context.Context, from, until time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		start := a.StartAt()
		if a.Status.Active() && !start.Before(from) && !start.After(until) && !m.reminded[a.ID] {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) MarkReminded(_ context.Context, id uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminded[id] = true
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func page(in []Appointment, limit, offset int) []Appointment {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit < len(in) {
		in = in[:limit]
	}
	return in
}
