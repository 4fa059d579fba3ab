package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Query answers "which slots of this doctor can still be booked on this date".
type Query struct {
	repo   Repository
	cache  SlotCache
	loc    *time.Location
	logger *zap.Logger
}

// NewQuery builds the read path. cache may be nil.
func NewQuery(repo Repository, cache SlotCache, loc *time.Location, logger *zap.Logger) *Query {
	return &Query{repo: repo, cache: cache, loc: loc, logger: logger}
}

// Location is the pinned clinic time zone used for weekday derivation.
func (q *Query) Location() *time.Location {
	return q.loc
}

// AvailableSlots returns the free slots of doctorID on the civil date, sorted
// by start time. No rule for the weekday, or no free slot, is an empty result.
func (q *Query) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Slot, error) {
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	if cached, ok := q.fromCache(ctx, doctorID, date); ok {
		return cached, nil
	}

	weekday := time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, q.loc).Weekday()

	rules, err := q.repo.ListRulesByDoctorAndDay(ctx, doctorID, weekday)
	if err != nil {
		return nil, fmt.Errorf("list rules for %s: %w", weekday, err)
	}

	slots := make([]Slot, 0)
	for _, rule := range rules {
		ruleSlots, err := q.repo.ListAvailableSlots(ctx, rule.ID, date)
		if err != nil {
			return nil, fmt.Errorf("list slots for rule %s: %w", rule.ID, err)
		}
		slots = append(slots, ruleSlots...)
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].StartTime < slots[j].StartTime
	})

	// A booking that commits between the reads above and this write can be
	// cached as free until the TTL lapses. Booking itself still rejects it.
	q.toCache(ctx, doctorID, date, slots)

	return slots, nil
}

func (q *Query) fromCache(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Slot, bool) {
	if q.cache == nil {
		return nil, false
	}

	data, ok, err := q.cache.GetSlots(ctx, doctorID, date)
	if err != nil {
		q.logger.Warn("slot cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var slots []Slot
	if err := json.Unmarshal(data, &slots); err != nil {
		q.logger.Warn("slot cache entry unreadable", zap.Error(err))
		return nil, false
	}
	return slots, true
}

func (q *Query) toCache(ctx context.Context, doctorID uuid.UUID, date time.Time, slots []Slot) {
	if q.cache == nil {
		return
	}

	data, err := json.Marshal(slots)
	if err != nil {
		q.logger.Warn("slot cache encode failed", zap.Error(err))
		return
	}
	if err := q.cache.SetSlots(ctx, doctorID, date, data); err != nil {
		q.logger.Warn("slot cache write failed", zap.Error(err))
	}
}
