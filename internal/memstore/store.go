// Package memstore is an in-memory store that satisfies both the schedule and
// the appointment repositories with the same conditional-update semantics as
// the Postgres implementation: one mutex stands in for row locks, the live
// appointment index stands in for the partial unique index.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-engine/internal/appointment"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

var (
	_ schedule.Repository    = (*Store)(nil)
	_ appointment.Repository = (*Store)(nil)
)

type Store struct {
	mu           sync.Mutex
	rules        map[uuid.UUID]schedule.Rule
	slots        map[uuid.UUID]schedule.Slot
	appointments map[uuid.UUID]appointment.Appointment
	events       []appointment.EventLog
	now          func() time.Time

	// FailSlot, when set, makes InsertSlots reject the slots it returns an
	// error for.
	FailSlot func(schedule.Slot) error
}

func New() *Store {
	return &Store{
		rules:        make(map[uuid.UUID]schedule.Rule),
		slots:        make(map[uuid.UUID]schedule.Slot),
		appointments: make(map[uuid.UUID]appointment.Appointment),
		now:          time.Now,
	}
}

// Rules

func (s *Store) CreateRule(_ context.Context, r schedule.Rule) (*schedule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = uuid.New()
	r.CreatedAt = s.now()
	r.UpdatedAt = r.CreatedAt
	s.rules[r.ID] = r
	return &r, nil
}

func (s *Store) GetRule(_ context.Context, id uuid.UUID) (*schedule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, schedule.ErrRuleNotFound
	}
	return &r, nil
}

func (s *Store) UpdateRule(_ context.Context, r schedule.Rule) (*schedule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[r.ID]
	if !ok {
		return nil, schedule.ErrRuleNotFound
	}
	existing.DayOfWeek = r.DayOfWeek
	existing.StartTime = r.StartTime
	existing.EndTime = r.EndTime
	existing.UpdatedAt = s.now()
	s.rules[r.ID] = existing
	return &existing, nil
}

func (s *Store) DeleteRule(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return schedule.ErrRuleNotFound
	}
	delete(s.rules, id)
	for sid, sl := range s.slots {
		if sl.RuleID != nil && *sl.RuleID == id {
			sl.RuleID = nil
			s.slots[sid] = sl
		}
	}
	return nil
}

func (s *Store) listRules(keep func(schedule.Rule) bool) []schedule.Rule {
	var out []schedule.Rule
	for _, r := range s.rules {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out
}

func (s *Store) ListRulesByDoctor(_ context.Context, doctorID uuid.UUID) ([]schedule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRules(func(r schedule.Rule) bool { return r.DoctorID == doctorID }), nil
}

func (s *Store) ListRulesByDoctorAndDay(_ context.Context, doctorID uuid.UUID, day time.Weekday) ([]schedule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRules(func(r schedule.Rule) bool { return r.DoctorID == doctorID && r.DayOfWeek == day }), nil
}

func (s *Store) ListAllRules(_ context.Context) ([]schedule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRules(func(schedule.Rule) bool { return true }), nil
}

// Slots

func (s *Store) ListSlotsForRule(_ context.Context, ruleID uuid.UUID, dates []time.Time) ([]schedule.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schedule.Slot
	for _, sl := range s.slots {
		if sl.RuleID == nil || *sl.RuleID != ruleID {
			continue
		}
		for _, d := range dates {
			if sl.Date.Equal(d) {
				out = append(out, sl)
				break
			}
		}
	}
	sortSlots(out)
	return out, nil
}

func (s *Store) InsertSlots(_ context.Context, slots []schedule.Slot) (schedule.InsertReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report schedule.InsertReport
	for _, in := range slots {
		if s.FailSlot != nil {
			if err := s.FailSlot(in); err != nil {
				report.Failures = append(report.Failures, schedule.SlotFailure{Slot: in, Err: err})
				continue
			}
		}
		if s.slotExists(in) {
			report.Skipped++
			continue
		}

		in.ID = uuid.New()
		in.Status = schedule.SlotAvailable
		in.CreatedAt = s.now()
		in.UpdatedAt = in.CreatedAt
		if in.RuleID != nil {
			id := *in.RuleID
			in.RuleID = &id
		}
		s.slots[in.ID] = in
		report.Created = append(report.Created, in)
	}
	return report, nil
}

func (s *Store) slotExists(in schedule.Slot) bool {
	if in.RuleID == nil {
		return false
	}
	for _, sl := range s.slots {
		if sl.RuleID != nil && *sl.RuleID == *in.RuleID && sl.Date.Equal(in.Date) && sl.StartTime == in.StartTime {
			return true
		}
	}
	return false
}

func (s *Store) ListAvailableSlots(_ context.Context, ruleID uuid.UUID, date time.Time) ([]schedule.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schedule.Slot
	for _, sl := range s.slots {
		if sl.RuleID != nil && *sl.RuleID == ruleID && sl.Date.Equal(date) && sl.Status == schedule.SlotAvailable {
			out = append(out, sl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

// SlotsForRule returns every slot materialized from ruleID, ordered by date
// and start time.
func (s *Store) SlotsForRule(ruleID uuid.UUID) []schedule.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schedule.Slot
	for _, sl := range s.slots {
		if sl.RuleID != nil && *sl.RuleID == ruleID {
			out = append(out, sl)
		}
	}
	sortSlots(out)
	return out
}

// Slot returns one slot by id.
func (s *Store) Slot(id uuid.UUID) (schedule.Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	return sl, ok
}

func sortSlots(out []schedule.Slot) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StartTime < out[j].StartTime
	})
}

func snapshot(sl schedule.Slot) appointment.SlotSnapshot {
	return appointment.SlotSnapshot{
		ID:        sl.ID,
		DoctorID:  sl.DoctorID,
		Date:      sl.Date,
		StartTime: sl.StartTime.String(),
		EndTime:   sl.EndTime.String(),
		Status:    sl.Status,
	}
}

// Appointments

func (s *Store) GetSlot(_ context.Context, id uuid.UUID) (*appointment.SlotSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[id]
	if !ok {
		return nil, appointment.ErrSlotNotFound
	}
	snap := snapshot(sl)
	return &snap, nil
}

func (s *Store) GetAppointmentByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (s *Store) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*appointment.AppointmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &appointment.AppointmentDetail{Appointment: a, Slot: snapshot(s.slots[a.SlotID])}, nil
}

func (s *Store) FindLiveAppointment(_ context.Context, slotID, patientID uuid.UUID) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.appointments {
		if a.SlotID == slotID && a.PatientID == patientID && a.Status.Live() {
			return &a, nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (s *Store) liveOnSlot(slotID, except uuid.UUID) bool {
	for _, a := range s.appointments {
		if a.SlotID == slotID && a.ID != except && a.Status.Live() {
			return true
		}
	}
	return false
}

func (s *Store) BookSlot(_ context.Context, req appointment.BookRequest) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[req.SlotID]
	if !ok || sl.Status != schedule.SlotAvailable {
		return nil, appointment.ErrSlotNotAvailable
	}
	if s.liveOnSlot(req.SlotID, uuid.Nil) {
		return nil, appointment.ErrSlotNotAvailable
	}

	now := s.now()
	a := appointment.Appointment{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		SlotID:          req.SlotID,
		DurationMinutes: req.DurationMinutes,
		ReasonForVisit:  req.ReasonForVisit,
		Status:          appointment.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.appointments[a.ID] = a

	sl.Status = schedule.SlotBooked
	sl.UpdatedAt = now
	s.slots[sl.ID] = sl

	return &a, nil
}

func (s *Store) TransitionStatus(_ context.Context, id uuid.UUID, from, to appointment.AppointmentStatus, effect appointment.SlotEffect) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appointments[id]
	if !ok || a.Status != from {
		return nil, appointment.ErrInvalidState
	}
	if to.Live() && !from.Live() && s.liveOnSlot(a.SlotID, a.ID) {
		return nil, appointment.ErrSlotNotAvailable
	}

	sl := s.slots[a.SlotID]
	switch effect {
	case appointment.SlotRelease:
		if sl.Status == schedule.SlotBooked {
			sl.Status = schedule.SlotAvailable
		}
	case appointment.SlotReclaim:
		sl.Status = schedule.SlotBooked
	}

	now := s.now()
	if effect != appointment.SlotUntouched {
		sl.UpdatedAt = now
		s.slots[sl.ID] = sl
	}

	a.Status = to
	a.UpdatedAt = now
	s.appointments[id] = a
	return &a, nil
}

func (s *Store) listDetails(keep func(appointment.Appointment) bool, limit, offset int) []appointment.AppointmentDetail {
	out := make([]appointment.AppointmentDetail, 0)
	for _, a := range s.appointments {
		if keep(a) {
			out = append(out, appointment.AppointmentDetail{Appointment: a, Slot: snapshot(s.slots[a.SlotID])})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Slot.Date.Equal(out[j].Slot.Date) {
			return out[i].Slot.Date.After(out[j].Slot.Date)
		}
		return out[i].Slot.StartTime > out[j].Slot.StartTime
	})

	if offset >= len(out) {
		return out[:0]
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.AppointmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listDetails(func(a appointment.Appointment) bool { return a.PatientID == patientID }, limit, offset), nil
}

func (s *Store) ListAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]appointment.AppointmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listDetails(func(a appointment.Appointment) bool { return a.DoctorID == doctorID }, limit, offset), nil
}

func (s *Store) InsertEvent(_ context.Context, ev appointment.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.AppointmentID != nil {
		if _, ok := s.appointments[*ev.AppointmentID]; !ok {
			return errors.New("event references unknown appointment")
		}
	}
	ev.ID = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return nil
}

// Events returns the event log in insertion order.
func (s *Store) Events() []appointment.EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]appointment.EventLog, len(s.events))
	copy(out, s.events)
	return out
}

// LiveAppointments counts non-cancelled appointments on slotID.
func (s *Store) LiveAppointments(slotID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.appointments {
		if a.SlotID == slotID && a.Status.Live() {
			n++
		}
	}
	return n
}
