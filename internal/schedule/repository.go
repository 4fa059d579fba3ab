package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
)

var (
	ErrRuleNotFound = apperr.New(apperr.KindNotFound, "rule_not_found", "availability rule not found")
	ErrNotRuleOwner = apperr.New(apperr.KindForbidden, "rule_forbidden", "availability rule belongs to another doctor")
	// ErrDoctorNotFound means the doctor id is unknown to the directory.
	ErrDoctorNotFound = apperr.New(apperr.KindNotFound, "doctor_not_found", "doctor not found")
)

// Repository contains all DB interactions needed by the rule service,
// the materializer and the availability query.
type Repository interface {
	CreateRule(ctx context.Context, r Rule) (*Rule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*Rule, error)
	UpdateRule(ctx context.Context, r Rule) (*Rule, error)
	DeleteRule(ctx context.Context, id uuid.UUID) error
	ListRulesByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Rule, error)
	ListRulesByDoctorAndDay(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]Rule, error)
	ListAllRules(ctx context.Context) ([]Rule, error)

	// ListSlotsForRule returns the slots already materialized from ruleID on
	// any of dates, whatever their status.
	ListSlotsForRule(ctx context.Context, ruleID uuid.UUID, dates []time.Time) ([]Slot, error)
	// InsertSlots writes slots one by one. Rows whose (rule, date, start)
	// already exists are skipped; a failing row does not stop the rest.
	InsertSlots(ctx context.Context, slots []Slot) (InsertReport, error)
	ListAvailableSlots(ctx context.Context, ruleID uuid.UUID, date time.Time) ([]Slot, error)
}
