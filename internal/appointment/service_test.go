package appointment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
	"github.com/hackgods/clinic-slot-engine/internal/appointment"
	"github.com/hackgods/clinic-slot-engine/internal/config"
	"github.com/hackgods/clinic-slot-engine/internal/events"
	"github.com/hackgods/clinic-slot-engine/internal/memstore"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

type fixture struct {
	store    *memstore.Store
	svc      *appointment.Service
	recorder *events.Recorder
	cache    *invalidations
	doctor   uuid.UUID
	slots    []schedule.Slot
}

type invalidations struct {
	mu   sync.Mutex
	keys []string
}

func (c *invalidations) InvalidateSlots(_ context.Context, doctorID uuid.UUID, date time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, doctorID.String()+"/"+schedule.FormatDate(date))
	return nil
}

func (c *invalidations) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// newFixture stores one Monday rule for a doctor with two 30 minute slots on
// 2026-10-26.
func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memstore.New()
	doctor := uuid.New()
	rule, err := store.CreateRule(ctx, schedule.Rule{
		DoctorID:  doctor,
		DayOfWeek: time.Monday,
		StartTime: schedule.NewClock(9, 0),
		EndTime:   schedule.NewClock(10, 0),
	})
	require.NoError(t, err)

	report, err := store.InsertSlots(ctx, schedule.PlanSlots(*rule, []time.Time{
		time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, err)
	require.Len(t, report.Created, 2)

	recorder := &events.Recorder{}
	cache := &invalidations{}
	svc := appointment.NewService(store, cfg, zap.NewNop(),
		appointment.WithPublisher(recorder),
		appointment.WithSlotCache(cache),
	)

	return &fixture{
		store:    store,
		svc:      svc,
		recorder: recorder,
		cache:    cache,
		doctor:   doctor,
		slots:    report.Created,
	}
}

func (f *fixture) book(t *testing.T, patient uuid.UUID, slot int) *appointment.Appointment {
	t.Helper()
	appt, err := f.svc.Book(context.Background(), appointment.BookRequest{
		PatientID:      patient,
		DoctorID:       f.doctor,
		SlotID:         f.slots[slot].ID,
		ReasonForVisit: "annual checkup",
	})
	require.NoError(t, err)
	return appt
}

func (f *fixture) slotStatus(t *testing.T, slot int) schedule.SlotStatus {
	t.Helper()
	s, ok := f.store.Slot(f.slots[slot].ID)
	require.True(t, ok)
	return s.Status
}

func eventTypes(evs []events.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestBook(t *testing.T) {
	f := newFixture(t, config.Config{})
	patient := uuid.New()

	appt := f.book(t, patient, 0)
	assert.Equal(t, appointment.StatusPending, appt.Status)
	assert.Equal(t, patient, appt.PatientID)
	assert.Equal(t, f.doctor, appt.DoctorID)
	assert.Equal(t, appointment.DefaultDurationMinutes, appt.DurationMinutes)
	assert.Equal(t, schedule.SlotBooked, f.slotStatus(t, 0))
	assert.Equal(t, schedule.SlotAvailable, f.slotStatus(t, 1))

	assert.Equal(t, []string{appointment.EventAppointmentBooked}, eventTypes(f.recorder.Events()))
	logged := f.store.Events()
	require.Len(t, logged, 1)
	assert.Equal(t, appointment.EventAppointmentBooked, logged[0].EventType)
	assert.Equal(t, appt.ID, *logged[0].AppointmentID)
	assert.Contains(t, string(logged[0].Payload), `"start_time":"09:00"`)
	assert.Equal(t, 1, f.cache.count())

	detail, err := f.svc.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, "09:00", detail.Slot.StartTime)
	assert.Equal(t, schedule.SlotBooked, detail.Slot.Status)
}

func TestBookRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})
	holder := uuid.New()
	f.book(t, holder, 0)

	cases := []struct {
		name string
		req  appointment.BookRequest
		want error
		kind error
	}{
		{
			name: "unknown slot",
			req:  appointment.BookRequest{PatientID: uuid.New(), DoctorID: f.doctor, SlotID: uuid.New(), ReasonForVisit: "x"},
			want: appointment.ErrSlotNotFound,
			kind: apperr.ErrNotFound,
		},
		{
			name: "slot taken by someone else",
			req:  appointment.BookRequest{PatientID: uuid.New(), DoctorID: f.doctor, SlotID: f.slots[0].ID, ReasonForVisit: "x"},
			want: appointment.ErrSlotNotAvailable,
			kind: apperr.ErrConflict,
		},
		{
			name: "same patient twice",
			req:  appointment.BookRequest{PatientID: holder, DoctorID: f.doctor, SlotID: f.slots[0].ID, ReasonForVisit: "x"},
			want: appointment.ErrDuplicateBooking,
			kind: apperr.ErrConflict,
		},
		{
			name: "slot of another doctor",
			req:  appointment.BookRequest{PatientID: uuid.New(), DoctorID: uuid.New(), SlotID: f.slots[1].ID, ReasonForVisit: "x"},
			want: appointment.ErrWrongDoctor,
			kind: apperr.ErrValidation,
		},
		{
			name: "blank reason",
			req:  appointment.BookRequest{PatientID: uuid.New(), DoctorID: f.doctor, SlotID: f.slots[1].ID, ReasonForVisit: "   "},
			want: appointment.ErrReasonRequired,
			kind: apperr.ErrValidation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Book(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, tc.kind)
		})
	}

	t.Run("missing patient", func(t *testing.T) {
		_, err := f.svc.Book(ctx, appointment.BookRequest{DoctorID: f.doctor, SlotID: f.slots[1].ID, ReasonForVisit: "x"})
		assert.Equal(t, "missing_id", apperr.CodeOf(err))
	})

	t.Run("negative duration", func(t *testing.T) {
		_, err := f.svc.Book(ctx, appointment.BookRequest{
			PatientID: uuid.New(), DoctorID: f.doctor, SlotID: f.slots[1].ID, ReasonForVisit: "x", DurationMinutes: -5,
		})
		assert.Equal(t, "invalid_duration", apperr.CodeOf(err))
	})

	assert.Equal(t, schedule.SlotAvailable, f.slotStatus(t, 1))
	assert.Len(t, f.store.Events(), 1)
}

func TestBookConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, config.Config{})
	const contenders = 32

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
		start     = make(chan struct{})
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Book(context.Background(), appointment.BookRequest{
				PatientID:      uuid.New(),
				DoctorID:       f.doctor,
				SlotID:         f.slots[0].ID,
				ReasonForVisit: "race",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, appointment.ErrSlotNotAvailable):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, contenders-1, conflicts)
	assert.Equal(t, 1, f.store.LiveAppointments(f.slots[0].ID))
	assert.Equal(t, schedule.SlotBooked, f.slotStatus(t, 0))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})
	patient := uuid.New()
	appt := f.book(t, patient, 0)

	_, err := f.svc.Cancel(ctx, appt.ID, uuid.New())
	assert.ErrorIs(t, err, appointment.ErrForbidden)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Cancel(ctx, uuid.New(), patient)
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)

	cancelled, err := f.svc.Cancel(ctx, appt.ID, patient)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, cancelled.Status)
	assert.Equal(t, schedule.SlotAvailable, f.slotStatus(t, 0))
	assert.Zero(t, f.store.LiveAppointments(f.slots[0].ID))

	_, err = f.svc.Cancel(ctx, appt.ID, patient)
	assert.ErrorIs(t, err, appointment.ErrInvalidState)

	assert.Equal(t, []string{
		appointment.EventAppointmentBooked,
		appointment.EventAppointmentCancelled,
	}, eventTypes(f.recorder.Events()))

	// The freed slot can be booked again, by anyone.
	again := f.book(t, uuid.New(), 0)
	assert.Equal(t, appointment.StatusPending, again.Status)
	assert.Equal(t, 1, f.store.LiveAppointments(f.slots[0].ID))
}

func TestCancelCompletedIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})
	patient := uuid.New()
	appt := f.book(t, patient, 0)

	_, err := f.svc.MarkCompleted(ctx, appt.ID)
	require.NoError(t, err)
	before := len(f.store.Events())

	_, err = f.svc.Cancel(ctx, appt.ID, patient)
	assert.ErrorIs(t, err, appointment.ErrInvalidState)

	stored, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCompleted, stored.Status)
	assert.Equal(t, schedule.SlotBooked, f.slotStatus(t, 0))
	assert.Len(t, f.store.Events(), before)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})
	appt := f.book(t, uuid.New(), 0)

	_, err := f.svc.SetStatus(ctx, appt.ID, f.doctor, "Done")
	assert.ErrorIs(t, err, appointment.ErrInvalidStatus)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.SetStatus(ctx, appt.ID, uuid.New(), "Confirmed")
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	_, err = f.svc.SetStatus(ctx, uuid.New(), f.doctor, "Confirmed")
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)

	confirmed, err := f.svc.SetStatus(ctx, appt.ID, f.doctor, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, confirmed.Status)

	n := len(f.recorder.Events())
	same, err := f.svc.SetStatus(ctx, appt.ID, f.doctor, "Confirmed")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, same.Status)
	assert.Len(t, f.recorder.Events(), n, "no-op change emits nothing")

	last := f.recorder.Events()[n-1]
	assert.Equal(t, appointment.EventAppointmentStatusChanged, last.Type)
	assert.Equal(t, "Pending", last.Payload["from"])
	assert.Equal(t, "Confirmed", last.Payload["to"])
}

func TestDoctorCancelKeepsSlotByDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})
	appt := f.book(t, uuid.New(), 0)

	cancelled, err := f.svc.SetStatus(ctx, appt.ID, f.doctor, "Cancelled")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, cancelled.Status)
	assert.Equal(t, schedule.SlotBooked, f.slotStatus(t, 0))

	// Reviving takes the still-booked slot back without a conflict.
	revived, err := f.svc.SetStatus(ctx, appt.ID, f.doctor, "Pending")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, revived.Status)
	assert.Equal(t, 1, f.store.LiveAppointments(f.slots[0].ID))
}

func TestDoctorCancelReleasesSlotWhenConfigured(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{ReleaseSlotOnDoctorCancel: true})
	appt := f.book(t, uuid.New(), 0)

	_, err := f.svc.SetStatus(ctx, appt.ID, f.doctor, "Cancelled")
	require.NoError(t, err)
	assert.Equal(t, schedule.SlotAvailable, f.slotStatus(t, 0))

	t.Run("revive after the slot was rebooked conflicts", func(t *testing.T) {
		f.book(t, uuid.New(), 0)

		_, err := f.svc.SetStatus(ctx, appt.ID, f.doctor, "Confirmed")
		assert.ErrorIs(t, err, appointment.ErrSlotNotAvailable)

		stored, err := f.svc.GetAppointment(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, appointment.StatusCancelled, stored.Status)
		assert.Equal(t, 1, f.store.LiveAppointments(f.slots[0].ID))
	})
}

func TestReviveReclaimsReleasedSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})
	patient := uuid.New()
	appt := f.book(t, patient, 1)

	_, err := f.svc.Cancel(ctx, appt.ID, patient)
	require.NoError(t, err)
	require.Equal(t, schedule.SlotAvailable, f.slotStatus(t, 1))

	revived, err := f.svc.SetStatus(ctx, appt.ID, f.doctor, "Confirmed")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, revived.Status)
	assert.Equal(t, schedule.SlotBooked, f.slotStatus(t, 1))
}

func TestStrictPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{StatusPolicy: config.StatusPolicyStrict})
	appt := f.book(t, uuid.New(), 0)

	_, err := f.svc.SetStatus(ctx, appt.ID, f.doctor, "Completed")
	require.NoError(t, err)

	_, err = f.svc.SetStatus(ctx, appt.ID, f.doctor, "Pending")
	assert.ErrorIs(t, err, appointment.ErrInvalidState)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	stored, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCompleted, stored.Status)
}

func TestMarkCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})
	appt := f.book(t, uuid.New(), 0)

	done, err := f.svc.MarkCompleted(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCompleted, done.Status)
	assert.Equal(t, schedule.SlotBooked, f.slotStatus(t, 0))

	evs := f.recorder.Events()
	assert.Equal(t, appointment.EventAppointmentCompleted, evs[len(evs)-1].Type)
	assert.Equal(t, "medical_report", evs[len(evs)-1].Payload["by"])

	_, err = f.svc.MarkCompleted(ctx, uuid.New())
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}

func TestListAppointments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})
	patient := uuid.New()
	f.book(t, patient, 0)
	f.book(t, patient, 1)

	mine, err := f.svc.ListAppointmentsByPatient(ctx, patient, 0, 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "09:30", mine[0].Slot.StartTime, "latest slot first")

	page, err := f.svc.ListAppointmentsByPatient(ctx, patient, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "09:00", page[0].Slot.StartTime)

	byDoctor, err := f.svc.ListAppointmentsByDoctor(ctx, f.doctor, 500, -3)
	require.NoError(t, err)
	assert.Len(t, byDoctor, 2)

	none, err := f.svc.ListAppointmentsByPatient(ctx, uuid.New(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
