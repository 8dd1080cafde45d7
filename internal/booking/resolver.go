package booking

import (
	"time"

	"github.com/google/uuid"
)

// ResolveInput carries everything the resolver needs. The evaluation instant
// and all store reads are injected so the computation is deterministic.
type ResolveInput struct {
	Template       WorkingHoursTemplate
	Unavailability []UnavailabilityEntry
	Appointments   []Appointment // active appointments within the range
	From, To       time.Time     // inclusive UTC midnights
	AsOf           time.Time
	RequesterID    uuid.UUID // uuid.Nil when the caller is anonymous
	Granularity    time.Duration
	MinLeadTime    time.Duration
}

// ResolveSlots computes the bookable calendar for one doctor across a date
// range. Precedence per slot: doctor-blocked beats booked beats expired beats
// available.
func ResolveSlots(in ResolveInput) []SlotView {
	type slotKey struct {
		date time.Time
		t    TimeOfDay
	}

	booked := make(map[slotKey]*Appointment, len(in.Appointments))
	for i := range in.Appointments {
		a := &in.Appointments[i]
		booked[slotKey{DateOf(a.Date), a.Time}] = a
	}

	blocked := make(map[time.Time][]UnavailabilityEntry)
	for _, e := range in.Unavailability {
		d := DateOf(e.Date)
		blocked[d] = append(blocked[d], e)
	}

	step := TimeOfDay(in.Granularity / time.Minute)
	asOfDate := DateOf(in.AsOf)

	var views []SlotView
	for date := DateOf(in.From); !date.After(DateOf(in.To)); date = date.AddDate(0, 0, 1) {
		hours, works := in.Template[date.Weekday()]
		view := SlotView{Date: date}
		if works {
			for t := hours.Start; t < hours.End; t += step {
				state := resolveSlot(date, t, asOfDate, in.AsOf, in.MinLeadTime, blocked[date], booked[slotKey{date, t}], in.RequesterID)
				if state == SlotAvailable {
					view.Available++
				}
				view.Slots = append(view.Slots, Slot{Time: t, State: state})
			}
		}
		views = append(views, view)
	}
	return views
}

func resolveSlot(date time.Time, t TimeOfDay, asOfDate, asOf time.Time, minLead time.Duration, entries []UnavailabilityEntry, appt *Appointment, requesterID uuid.UUID) SlotState {
	for i := range entries {
		if entries[i].Covers(t) {
			return SlotUnavailable
		}
	}
	if appt != nil {
		if requesterID != uuid.Nil && appt.PatientID == requesterID {
			return SlotBookedByRequester
		}
		return SlotBookedByOther
	}
	if date.Before(asOfDate) {
		return SlotExpired
	}
	if date.Equal(asOfDate) && t.At(date).Sub(asOf) < minLead {
		return SlotExpired
	}
	return SlotAvailable
}
