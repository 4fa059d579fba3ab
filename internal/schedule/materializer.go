package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/hackgods/clinic-slot-engine/internal/redis"
)

const DefaultHorizonWeeks = 4

// SlotCache holds encoded free-slot lists keyed by doctor and date.
type SlotCache interface {
	GetSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]byte, bool, error)
	SetSlots(ctx context.Context, doctorID uuid.UUID, date time.Time, payload []byte) error
	InvalidateSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) error
}

// MaterializeDates returns the first horizonWeeks dates after today that fall
// on day. today is a civil date as produced by CivilDate.
func MaterializeDates(day time.Weekday, today time.Time, horizonWeeks int) []time.Time {
	if horizonWeeks <= 0 {
		horizonWeeks = DefaultHorizonWeeks
	}

	first := today.AddDate(0, 0, 1)
	offset := (int(day) - int(first.Weekday()) + 7) % 7
	first = first.AddDate(0, 0, offset)

	dates := make([]time.Time, 0, horizonWeeks)
	for i := 0; i < horizonWeeks; i++ {
		dates = append(dates, first.AddDate(0, 0, 7*i))
	}
	return dates
}

// TileWindow splits [start, end) into consecutive SlotLength intervals. A
// tail shorter than SlotLength is dropped.
func TileWindow(start, end Clock) [][2]Clock {
	var out [][2]Clock
	for s := start; s.Add(SlotLength) <= end; s = s.Add(SlotLength) {
		out = append(out, [2]Clock{s, s.Add(SlotLength)})
	}
	return out
}

// PlanSlots computes the slots rule should own on the given dates.
func PlanSlots(rule Rule, dates []time.Time) []Slot {
	windows := TileWindow(rule.StartTime, rule.EndTime)
	ruleID := rule.ID

	slots := make([]Slot, 0, len(dates)*len(windows))
	for _, date := range dates {
		for _, w := range windows {
			slots = append(slots, Slot{
				RuleID:    &ruleID,
				DoctorID:  rule.DoctorID,
				Date:      date,
				StartTime: w[0],
				EndTime:   w[1],
				Status:    SlotAvailable,
			})
		}
	}
	return slots
}

// Materializer turns availability rules into concrete slots.
type Materializer struct {
	repo         Repository
	locker       redisclient.Locker
	cache        SlotCache
	loc          *time.Location
	horizonWeeks int
	now          func() time.Time
	logger       *zap.Logger
}

type MaterializerOption func(*Materializer)

// WithLocker serializes runs for the same rule across processes.
func WithLocker(l redisclient.Locker) MaterializerOption {
	return func(m *Materializer) { m.locker = l }
}

func WithCache(c SlotCache) MaterializerOption {
	return func(m *Materializer) { m.cache = c }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) MaterializerOption {
	return func(m *Materializer) { m.now = now }
}

func NewMaterializer(repo Repository, loc *time.Location, horizonWeeks int, logger *zap.Logger, opts ...MaterializerOption) *Materializer {
	if horizonWeeks <= 0 {
		horizonWeeks = DefaultHorizonWeeks
	}
	m := &Materializer{
		repo:         repo,
		loc:          loc,
		horizonWeeks: horizonWeeks,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize creates the missing slots of rule for the next horizonWeeks
// matching dates (the configured horizon when horizonWeeks <= 0). A planned
// slot that overlaps one the rule already owns on that date is left out, so
// a rerun fills holes left by failed inserts and an edited window never
// doubles up on time already offered. It returns the number of slots
// created; a non-nil error with a positive count means a partial run.
func (m *Materializer) Materialize(ctx context.Context, rule Rule, horizonWeeks int) (int, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	if horizonWeeks <= 0 {
		horizonWeeks = m.horizonWeeks
	}

	if m.locker == nil {
		return m.materialize(ctx, rule, horizonWeeks)
	}

	var created int
	err := m.locker.WithLock(ctx, redisclient.RuleLockKey(rule.ID), func(lockCtx context.Context) error {
		var err error
		created, err = m.materialize(lockCtx, rule, horizonWeeks)
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		m.logger.Info("materialization already running, skipping",
			zap.String("rule_id", rule.ID.String()))
		return 0, nil
	}
	return created, err
}

func (m *Materializer) materialize(ctx context.Context, rule Rule, horizonWeeks int) (int, error) {
	today := CivilDate(m.now(), m.loc)
	dates := MaterializeDates(rule.DayOfWeek, today, horizonWeeks)

	existing, err := m.repo.ListSlotsForRule(ctx, rule.ID, dates)
	if err != nil {
		return 0, fmt.Errorf("load materialized slots: %w", err)
	}
	planned := WithoutOverlaps(PlanSlots(rule, dates), existing)
	if len(planned) == 0 {
		return 0, nil
	}

	report, err := m.repo.InsertSlots(ctx, planned)
	if err != nil {
		return 0, fmt.Errorf("insert slots: %w", err)
	}

	var errs []error
	for _, f := range report.Failures {
		m.logger.Warn("failed to create slot",
			zap.Error(f.Err),
			zap.String("rule_id", rule.ID.String()),
			zap.String("date", FormatDate(f.Slot.Date)),
			zap.String("start_time", f.Slot.StartTime.String()),
		)
		errs = append(errs, fmt.Errorf("slot %s %s: %w", FormatDate(f.Slot.Date), f.Slot.StartTime, f.Err))
	}

	m.invalidate(ctx, rule.DoctorID, slotDates(report.Created))

	m.logger.Info("materialized availability rule",
		zap.String("rule_id", rule.ID.String()),
		zap.String("doctor_id", rule.DoctorID.String()),
		zap.Int("slots_created", len(report.Created)),
		zap.Int("slots_skipped", report.Skipped),
		zap.Int("slots_failed", len(report.Failures)),
	)

	return len(report.Created), errors.Join(errs...)
}

// MaterializeAll rolls the horizon forward for every rule. Failing rules are
// logged and counted; the run continues.
func (m *Materializer) MaterializeAll(ctx context.Context, horizonWeeks int) (created, failedRules int, err error) {
	rules, err := m.repo.ListAllRules(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list availability rules: %w", err)
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			return created, failedRules, ctx.Err()
		}
		n, err := m.Materialize(ctx, rule, horizonWeeks)
		created += n
		if err != nil {
			failedRules++
			m.logger.Error("failed to materialize availability rule",
				zap.Error(err),
				zap.String("rule_id", rule.ID.String()),
			)
		}
	}

	m.logger.Info("materialized all availability rules",
		zap.Int("total_rules", len(rules)),
		zap.Int("failed_rules", failedRules),
		zap.Int("total_slots_created", created),
	)

	return created, failedRules, nil
}

// InvalidateRule drops the cached free-slot lists for every date within the
// horizon that rule covers. Rule edits and deletions change what those lists
// contain without touching any slot row.
func (m *Materializer) InvalidateRule(ctx context.Context, rule Rule) {
	today := CivilDate(m.now(), m.loc)
	m.invalidate(ctx, rule.DoctorID, MaterializeDates(rule.DayOfWeek, today, m.horizonWeeks))
}

func (m *Materializer) invalidate(ctx context.Context, doctorID uuid.UUID, dates []time.Time) {
	if m.cache == nil {
		return
	}
	for _, d := range dates {
		if err := m.cache.InvalidateSlots(ctx, doctorID, d); err != nil {
			m.logger.Warn("failed to invalidate slot cache", zap.Error(err))
		}
	}
}

// WithoutOverlaps drops every planned slot whose [start, end) intersects an
// existing slot on the same date.
func WithoutOverlaps(planned, existing []Slot) []Slot {
	if len(existing) == 0 {
		return planned
	}
	byDate := make(map[string][]Slot, len(existing))
	for _, e := range existing {
		key := FormatDate(e.Date)
		byDate[key] = append(byDate[key], e)
	}

	out := planned[:0:0]
	for _, p := range planned {
		clash := false
		for _, e := range byDate[FormatDate(p.Date)] {
			if p.StartTime < e.EndTime && e.StartTime < p.EndTime {
				clash = true
				break
			}
		}
		if !clash {
			out = append(out, p)
		}
	}
	return out
}

func slotDates(slots []Slot) []time.Time {
	seen := make(map[string]struct{}, len(slots))
	var out []time.Time
	for _, s := range slots {
		key := FormatDate(s.Date)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s.Date)
	}
	return out
}
