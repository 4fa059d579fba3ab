package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-slot-engine/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const microsPerMinute = int64(time.Minute / time.Microsecond)

func toPgTime(c Clock) pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * microsPerMinute, Valid: true}
}

func fromPgTime(t pgtype.Time) Clock {
	return Clock(t.Microseconds / microsPerMinute)
}

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	var day string
	var start, end pgtype.Time

	err := row.Scan(
		&r.ID,
		&r.DoctorID,
		&day,
		&start,
		&end,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	r.DayOfWeek, err = ParseWeekday(day)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	r.StartTime = fromPgTime(start)
	r.EndTime = fromPgTime(end)
	return &r, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var start, end pgtype.Time

	err := row.Scan(
		&s.ID,
		&s.RuleID,
		&s.DoctorID,
		&s.Date,
		&start,
		&end,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.StartTime = fromPgTime(start)
	s.EndTime = fromPgTime(end)
	return &s, nil
}

func collectRules(rows pgx.Rows) ([]Rule, error) {
	defer rows.Close()

	var result []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func collectSlots(rows pgx.Rows) ([]Slot, error) {
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ruleWriteError maps a missing doctor row to ErrDoctorNotFound.
func ruleWriteError(err error) error {
	if c, ok := db.Constraint(err, db.ForeignKeyViolation); ok && c == db.FKRuleDoctor {
		return ErrDoctorNotFound
	}
	return err
}

const ruleColumns = `id, doctor_id, day_of_week, start_time, end_time, created_at, updated_at`

const slotColumns = `id, availability_rule_id, doctor_id, slot_date, start_time, end_time, status, created_at, updated_at`

// Interface methods

func (r *PgRepository) CreateRule(ctx context.Context, rule Rule) (*Rule, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO availability_rules (id, doctor_id, day_of_week, start_time, end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+ruleColumns,
		id, rule.DoctorID, rule.DayOfWeek.String(), toPgTime(rule.StartTime), toPgTime(rule.EndTime))

	created, err := scanRule(row)
	if err != nil {
		return nil, ruleWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE id = $1
	`, id)
	return scanRule(row)
}

func (r *PgRepository) UpdateRule(ctx context.Context, rule Rule) (*Rule, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE availability_rules
		SET day_of_week = $2,
		    start_time = $3,
		    end_time = $4,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+ruleColumns,
		rule.ID, rule.DayOfWeek.String(), toPgTime(rule.StartTime), toPgTime(rule.EndTime))

	return scanRule(row)
}

func (r *PgRepository) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM availability_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *PgRepository) ListRulesByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE doctor_id = $1
		ORDER BY array_position(ARRAY['Monday','Tuesday','Wednesday','Thursday','Friday','Saturday','Sunday'], day_of_week), start_time
	`, doctorID)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

func (r *PgRepository) ListRulesByDoctorAndDay(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE doctor_id = $1
		  AND day_of_week = $2
		ORDER BY start_time
	`, doctorID, day.String())
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

func (r *PgRepository) ListAllRules(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

func (r *PgRepository) ListSlotsForRule(ctx context.Context, ruleID uuid.UUID, dates []time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE availability_rule_id = $1
		  AND slot_date = ANY($2::date[])
		ORDER BY slot_date, start_time
	`, ruleID, dates)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

func (r *PgRepository) InsertSlots(ctx context.Context, slots []Slot) (InsertReport, error) {
	var report InsertReport

	for _, s := range slots {
		row := r.pool.QueryRow(ctx, `
			INSERT INTO slots (id, availability_rule_id, doctor_id, slot_date, start_time, end_time, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'available', now(), now())
			ON CONFLICT (availability_rule_id, slot_date, start_time) DO NOTHING
			RETURNING `+slotColumns,
			uuid.New(), s.RuleID, s.DoctorID, s.Date, toPgTime(s.StartTime), toPgTime(s.EndTime))

		created, err := scanSlot(row)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			report.Skipped++
		case err != nil:
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failures = append(report.Failures, SlotFailure{Slot: s, Err: err})
		default:
			report.Created = append(report.Created, *created)
		}
	}

	return report, nil
}

func (r *PgRepository) ListAvailableSlots(ctx context.Context, ruleID uuid.UUID, date time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE availability_rule_id = $1
		  AND slot_date = $2
		  AND status = 'available'
		ORDER BY start_time
	`, ruleID, date)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}
