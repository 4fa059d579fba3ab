package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
)

// SlotLength is the fixed length of every materialized slot.
const SlotLength = 30 * time.Minute

const dateLayout = "2006-01-02"

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
)

// Clock is a wall-clock time of day in minutes after midnight.
type Clock int

func NewClock(hour, minute int) Clock {
	return Clock(hour*60 + minute)
}

// ParseClock accepts HH:MM and HH:MM:SS. Seconds must be zero.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time %q must be HH:MM", s)
	}

	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || len(p) != 2 {
			return 0, fmt.Errorf("time %q must be HH:MM", s)
		}
		nums[i] = n
	}

	if nums[0] > 23 || nums[1] > 59 {
		return 0, fmt.Errorf("time %q is out of range", s)
	}
	if len(nums) == 3 && nums[2] != 0 {
		return 0, fmt.Errorf("time %q must be on a whole minute", s)
	}

	return NewClock(nums[0], nums[1]), nil
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) Add(d time.Duration) Clock {
	return c + Clock(d/time.Minute)
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseWeekday accepts full English day names in any case.
func ParseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == n {
			return d, nil
		}
	}
	return 0, apperr.Validation("invalid_day_of_week", "day_of_week %q is not one of Monday..Sunday", name)
}

// CivilDate returns the calendar date of t as observed in loc, normalized to
// midnight UTC so it compares and stores as a plain date.
func CivilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate reads a booking date. A bare YYYY-MM-DD is taken as a clinic
// calendar date; a full RFC3339 timestamp is moved into loc first.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(dateLayout, s); err == nil {
		return d, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return CivilDate(ts, loc), nil
	}
	return time.Time{}, apperr.Validation("invalid_date", "date %q must be YYYY-MM-DD", s)
}

func FormatDate(d time.Time) string {
	return d.Format(dateLayout)
}

// Rule is a doctor's recurring weekly availability window.
type Rule struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	DayOfWeek time.Weekday
	StartTime Clock
	EndTime   Clock
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Rule) Validate() error {
	if r.DoctorID == uuid.Nil {
		return apperr.Validation("invalid_doctor_id", "doctor_id is required")
	}
	if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
		return apperr.Validation("invalid_day_of_week", "day_of_week %d is out of range", int(r.DayOfWeek))
	}
	if r.StartTime < 0 || r.EndTime > NewClock(24, 0) {
		return apperr.Validation("invalid_time_range", "times must fall within one day")
	}
	if r.StartTime >= r.EndTime {
		return apperr.Validation("invalid_time_range", "start_time %s must be before end_time %s", r.StartTime, r.EndTime)
	}
	return nil
}

// Slot is one bookable SlotLength interval on a concrete date. RuleID is nil
// once the originating rule has been deleted.
type Slot struct {
	ID        uuid.UUID
	RuleID    *uuid.UUID
	DoctorID  uuid.UUID
	Date      time.Time
	StartTime Clock
	EndTime   Clock
	Status    SlotStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SlotFailure records one slot the store refused to write.
type SlotFailure struct {
	Slot Slot
	Err  error
}

// InsertReport summarizes one InsertSlots call.
type InsertReport struct {
	Created  []Slot
	Skipped  int
	Failures []SlotFailure
}
