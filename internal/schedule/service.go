package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
)

// RuleInput is an availability window as submitted by a doctor.
type RuleInput struct {
	DoctorID  uuid.UUID
	DayOfWeek string
	StartTime string
	EndTime   string
}

// CreateResult reports a created rule and how its first materialization went.
// MaterializeErr is a soft failure: the rule exists and can be regenerated.
type CreateResult struct {
	Rule           Rule
	SlotsCreated   int
	MaterializeErr error
}

type Service struct {
	repo         Repository
	materializer *Materializer
	logger       *zap.Logger
}

func NewService(repo Repository, materializer *Materializer, logger *zap.Logger) *Service {
	return &Service{
		repo:         repo,
		materializer: materializer,
		logger:       logger,
	}
}

func parseRule(in RuleInput) (Rule, error) {
	day, err := ParseWeekday(in.DayOfWeek)
	if err != nil {
		return Rule{}, err
	}
	start, err := ParseClock(in.StartTime)
	if err != nil {
		return Rule{}, apperr.Validation("invalid_start_time", "start_time: %v", err)
	}
	end, err := ParseClock(in.EndTime)
	if err != nil {
		return Rule{}, apperr.Validation("invalid_end_time", "end_time: %v", err)
	}

	r := Rule{DoctorID: in.DoctorID, DayOfWeek: day, StartTime: start, EndTime: end}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// CreateRule stores a new rule and materializes its slots.
func (s *Service) CreateRule(ctx context.Context, in RuleInput) (*CreateResult, error) {
	r, err := parseRule(in)
	if err != nil {
		return nil, err
	}

	created, err := s.repo.CreateRule(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("create availability rule: %w", err)
	}

	res := &CreateResult{Rule: *created}
	res.SlotsCreated, res.MaterializeErr = s.materializer.Materialize(ctx, *created, 0)
	if res.MaterializeErr != nil {
		s.logger.Error("slot materialization incomplete for new rule",
			zap.Error(res.MaterializeErr),
			zap.String("rule_id", created.ID.String()),
			zap.Int("slots_created", res.SlotsCreated),
		)
	}

	return res, nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	r, err := s.repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get availability rule: %w", err)
	}
	return r, nil
}

func (s *Service) ownedRule(ctx context.Context, ruleID, doctorID uuid.UUID) (*Rule, error) {
	r, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if r.DoctorID != doctorID {
		return nil, ErrNotRuleOwner
	}
	return r, nil
}

// UpdateRule rewrites the window of a rule. Slots already materialized from it
// keep their times; the next materialization adds the part of the new window
// that does not overlap them.
func (s *Service) UpdateRule(ctx context.Context, ruleID uuid.UUID, in RuleInput) (*Rule, error) {
	existing, err := s.ownedRule(ctx, ruleID, in.DoctorID)
	if err != nil {
		return nil, err
	}

	r, err := parseRule(in)
	if err != nil {
		return nil, err
	}
	r.ID = existing.ID

	updated, err := s.repo.UpdateRule(ctx, r)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update availability rule: %w", err)
	}

	s.materializer.InvalidateRule(ctx, *existing)
	if updated.DayOfWeek != existing.DayOfWeek {
		s.materializer.InvalidateRule(ctx, *updated)
	}

	s.logger.Info("availability rule updated",
		zap.String("rule_id", updated.ID.String()),
		zap.String("day_of_week", updated.DayOfWeek.String()),
	)
	return updated, nil
}

// DeleteRule removes a rule. Its slots stay, detached from the rule.
func (s *Service) DeleteRule(ctx context.Context, ruleID, doctorID uuid.UUID) error {
	existing, err := s.ownedRule(ctx, ruleID, doctorID)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRule(ctx, ruleID); err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return err
		}
		return fmt.Errorf("delete availability rule: %w", err)
	}
	s.materializer.InvalidateRule(ctx, *existing)

	s.logger.Info("availability rule deleted", zap.String("rule_id", ruleID.String()))
	return nil
}

func (s *Service) ListRules(ctx context.Context, doctorID uuid.UUID) ([]Rule, error) {
	rules, err := s.repo.ListRulesByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list availability rules: %w", err)
	}
	return rules, nil
}

// Regenerate re-runs materialization for one rule on behalf of its doctor.
func (s *Service) Regenerate(ctx context.Context, ruleID, doctorID uuid.UUID) (int, error) {
	r, err := s.ownedRule(ctx, ruleID, doctorID)
	if err != nil {
		return 0, err
	}
	return s.materializer.Materialize(ctx, *r, 0)
}
