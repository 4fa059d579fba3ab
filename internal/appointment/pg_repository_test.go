package appointment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
	"github.com/hackgods/clinic-slot-engine/internal/appointment"
	"github.com/hackgods/clinic-slot-engine/internal/config"
	"github.com/hackgods/clinic-slot-engine/internal/pgtest"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

func TestMain(m *testing.M) {
	pgtest.Main(m)
}

type pgFixture struct {
	pool   *pgxpool.Pool
	repo   *appointment.PgRepository
	doctor uuid.UUID
	slot   uuid.UUID
}

// newPgFixture materializes one Monday 09:00-09:30 slot for a fresh doctor.
func newPgFixture(t *testing.T) *pgFixture {
	t.Helper()
	ctx := context.Background()
	pool := pgtest.Pool(t)
	doctor := pgtest.Doctor(t, pool)

	rules := schedule.NewPgRepository(pool)
	rule, err := rules.CreateRule(ctx, schedule.Rule{
		DoctorID:  doctor,
		DayOfWeek: time.Monday,
		StartTime: schedule.NewClock(9, 0),
		EndTime:   schedule.NewClock(9, 30),
	})
	require.NoError(t, err)

	now := func() time.Time { return time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC) }
	m := schedule.NewMaterializer(rules, time.UTC, 1, zap.NewNop(), schedule.WithClock(now))
	n, err := m.Materialize(ctx, *rule, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var slotID uuid.UUID
	require.NoError(t, pool.QueryRow(ctx, `SELECT id FROM slots WHERE availability_rule_id = $1`, rule.ID).Scan(&slotID))

	return &pgFixture{
		pool:   pool,
		repo:   appointment.NewPgRepository(pool),
		doctor: doctor,
		slot:   slotID,
	}
}

func (f *pgFixture) request(patient uuid.UUID) appointment.BookRequest {
	return appointment.BookRequest{
		PatientID:       patient,
		DoctorID:        f.doctor,
		SlotID:          f.slot,
		ReasonForVisit:  "follow-up",
		DurationMinutes: appointment.DefaultDurationMinutes,
	}
}

func (f *pgFixture) liveAppointments(t *testing.T) int {
	t.Helper()
	var n int
	err := f.pool.QueryRow(context.Background(),
		`SELECT count(*) FROM appointments WHERE slot_id = $1 AND status <> 'Cancelled'`, f.slot).Scan(&n)
	require.NoError(t, err)
	return n
}

func (f *pgFixture) slotStatus(t *testing.T) schedule.SlotStatus {
	t.Helper()
	snap, err := f.repo.GetSlot(context.Background(), f.slot)
	require.NoError(t, err)
	return snap.Status
}

func TestPgBookSlotSingleWinner(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()

	const contenders = 16
	patients := make([]uuid.UUID, contenders)
	for i := range patients {
		patients[i] = pgtest.Patient(t, f.pool)
	}

	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		errsMu sync.Mutex
		wins   int
		losses int
		others []error
	)
	for _, p := range patients {
		wg.Add(1)
		go func(patient uuid.UUID) {
			defer wg.Done()
			<-start
			_, err := f.repo.BookSlot(ctx, f.request(patient))

			errsMu.Lock()
			defer errsMu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, appointment.ErrSlotNotAvailable):
				losses++
			default:
				others = append(others, err)
			}
		}(p)
	}
	close(start)
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, wins)
	assert.Equal(t, contenders-1, losses)
	assert.Equal(t, 1, f.liveAppointments(t))
	assert.Equal(t, schedule.SlotBooked, f.slotStatus(t))
}

func TestPgLiveSlotIndexBacksUpSlotStatus(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()

	_, err := f.repo.BookSlot(ctx, f.request(pgtest.Patient(t, f.pool)))
	require.NoError(t, err)

	// Flip the slot back by hand; the partial unique index must still refuse
	// a second live appointment.
	_, err = f.pool.Exec(ctx, `UPDATE slots SET status = 'available' WHERE id = $1`, f.slot)
	require.NoError(t, err)

	_, err = f.repo.BookSlot(ctx, f.request(pgtest.Patient(t, f.pool)))
	assert.ErrorIs(t, err, appointment.ErrSlotNotAvailable)
	assert.Equal(t, 1, f.liveAppointments(t))
	assert.Equal(t, schedule.SlotAvailable, f.slotStatus(t), "the failed booking rolled back its claim")
}

func TestPgCancelReleasesAndReviveConflicts(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()

	first, err := f.repo.BookSlot(ctx, f.request(pgtest.Patient(t, f.pool)))
	require.NoError(t, err)

	_, err = f.repo.TransitionStatus(ctx, first.ID, appointment.StatusPending, appointment.StatusCancelled, appointment.SlotRelease)
	require.NoError(t, err)
	assert.Equal(t, schedule.SlotAvailable, f.slotStatus(t))

	_, err = f.repo.TransitionStatus(ctx, first.ID, appointment.StatusPending, appointment.StatusCancelled, appointment.SlotRelease)
	assert.ErrorIs(t, err, appointment.ErrInvalidState, "status moved underneath")

	second, err := f.repo.BookSlot(ctx, f.request(pgtest.Patient(t, f.pool)))
	require.NoError(t, err)

	_, err = f.repo.TransitionStatus(ctx, first.ID, appointment.StatusCancelled, appointment.StatusPending, appointment.SlotReclaim)
	assert.ErrorIs(t, err, appointment.ErrSlotNotAvailable)

	stored, err := f.repo.GetAppointmentByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, stored.Status)

	detail, err := f.repo.GetAppointmentDetail(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.SlotBooked, detail.Slot.Status)
	assert.Equal(t, "09:00", detail.Slot.StartTime)
	assert.Equal(t, "09:30", detail.Slot.EndTime)
}

func TestPgBookUnknownPatient(t *testing.T) {
	f := newPgFixture(t)

	svc := appointment.NewService(f.repo, config.Config{}, zap.NewNop())
	_, err := svc.Book(context.Background(), f.request(uuid.New()))
	require.Error(t, err)
	assert.ErrorIs(t, err, appointment.ErrPatientNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	assert.Zero(t, f.liveAppointments(t))
	assert.Equal(t, schedule.SlotAvailable, f.slotStatus(t))
}
