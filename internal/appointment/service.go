package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
	"github.com/hackgods/clinic-slot-engine/internal/config"
	"github.com/hackgods/clinic-slot-engine/internal/events"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

const (
	EventAppointmentBooked        = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentCompleted     = "APPOINTMENT_COMPLETED"
)

var (
	ErrDuplicateBooking = apperr.New(apperr.KindConflict, "duplicate_booking", "patient already holds this slot")
	ErrForbidden        = apperr.New(apperr.KindForbidden, "appointment_forbidden", "appointment belongs to someone else")
	ErrInvalidStatus    = apperr.New(apperr.KindValidation, "invalid_status", "status must be one of Pending, Confirmed, Completed, Cancelled")
	ErrReasonRequired   = apperr.New(apperr.KindValidation, "reason_required", "reason_for_visit is required")
	ErrWrongDoctor      = apperr.New(apperr.KindValidation, "slot_doctor_mismatch", "slot does not belong to the requested doctor")
)

// SlotInvalidator drops cached free-slot lists after a slot changes hands.
type SlotInvalidator interface {
	InvalidateSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) error
}

type Service struct {
	repo                  Repository
	policy                TransitionPolicy
	releaseOnDoctorCancel bool
	cache                 SlotInvalidator
	publisher             events.Publisher
	logger                *zap.Logger
}

type Option func(*Service)

func WithSlotCache(c SlotInvalidator) Option {
	return func(s *Service) { s.cache = c }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithPolicy(p TransitionPolicy) Option {
	return func(s *Service) { s.policy = p }
}

func NewService(repo Repository, cfg config.Config, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:                  repo,
		policy:                PolicyFor(cfg.StatusPolicy),
		releaseOnDoctorCancel: cfg.ReleaseSlotOnDoctorCancel,
		logger:                logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book reserves slotID for the patient. The slot flip and the appointment
// insert happen in the store as one conditional unit, so two concurrent
// bookings of one slot cannot both succeed.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	req.ReasonForVisit = strings.TrimSpace(req.ReasonForVisit)
	if req.ReasonForVisit == "" {
		return nil, ErrReasonRequired
	}
	if req.PatientID == uuid.Nil || req.DoctorID == uuid.Nil || req.SlotID == uuid.Nil {
		return nil, apperr.Validation("missing_id", "patient_id, doctor_id and slot_id are required")
	}
	if req.DurationMinutes < 0 {
		return nil, apperr.Validation("invalid_duration", "duration_minutes must not be negative")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDurationMinutes
	}

	slot, err := s.repo.GetSlot(ctx, req.SlotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.DoctorID != req.DoctorID {
		return nil, ErrWrongDoctor
	}

	existing, err := s.repo.FindLiveAppointment(ctx, req.SlotID, req.PatientID)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("check existing booking: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateBooking
	}

	if slot.Status != schedule.SlotAvailable {
		return nil, ErrSlotNotAvailable
	}

	appt, err := s.repo.BookSlot(ctx, req)
	if err != nil {
		if errors.Is(err, ErrSlotNotAvailable) {
			s.logger.Info("booking lost the race for slot",
				zap.String("slot_id", req.SlotID.String()),
				zap.String("patient_id", req.PatientID.String()),
			)
			return nil, err
		}
		if errors.Is(err, ErrPatientNotFound) || errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("book slot: %w", err)
	}

	s.invalidate(ctx, slot.DoctorID, slot.Date)
	s.logEvent(ctx, appt.ID, EventAppointmentBooked, map[string]any{
		"slot_id":    appt.SlotID.String(),
		"patient_id": appt.PatientID.String(),
		"doctor_id":  appt.DoctorID.String(),
		"date":       slot.Date.Format("2006-01-02"),
		"start_time": slot.StartTime,
	})

	s.logger.Info("slot booked",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("slot_id", appt.SlotID.String()),
		zap.String("patient_id", appt.PatientID.String()),
	)

	return appt, nil
}

// Cancel is the patient-initiated cancellation. It releases the slot.
// Repeating it on the same appointment returns ErrInvalidState and changes
// nothing.
func (s *Service) Cancel(ctx context.Context, id, patientID uuid.UUID) (*Appointment, error) {
	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.PatientID != patientID {
		return nil, ErrForbidden
	}
	if appt.Status != StatusPending && appt.Status != StatusConfirmed {
		return nil, ErrInvalidState
	}

	updated, err := s.repo.TransitionStatus(ctx, id, appt.Status, StatusCancelled, SlotRelease)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.afterSlotChange(ctx, updated.SlotID)
	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"by":          "patient",
		"from":        string(appt.Status),
		"slot_id":     updated.SlotID.String(),
		"slot_status": "available",
	})

	return updated, nil
}

// SetStatus is the doctor-driven status change, checked against the
// configured transition policy.
func (s *Service) SetStatus(ctx context.Context, id, doctorID uuid.UUID, newStatus string) (*Appointment, error) {
	to, ok := ParseStatus(newStatus)
	if !ok {
		return nil, ErrInvalidStatus
	}

	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.DoctorID != doctorID {
		return nil, ErrForbidden
	}

	return s.transition(ctx, appt, to, "doctor")
}

// MarkCompleted is called once a medical report exists for the appointment.
func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, appt, StatusCompleted, "medical_report")
}

func (s *Service) transition(ctx context.Context, appt *Appointment, to AppointmentStatus, by string) (*Appointment, error) {
	from := appt.Status
	if from == to {
		return appt, nil
	}
	if !s.policy.Allows(from, to) {
		return nil, ErrInvalidState
	}

	effect := SlotUntouched
	switch {
	case !from.Live() && to.Live():
		effect = SlotReclaim
	case from.Live() && !to.Live() && s.releaseOnDoctorCancel:
		effect = SlotRelease
	}

	updated, err := s.repo.TransitionStatus(ctx, appt.ID, from, to, effect)
	if err != nil {
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrSlotNotAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	if effect != SlotUntouched {
		s.afterSlotChange(ctx, updated.SlotID)
	}

	eventType := EventAppointmentStatusChanged
	if to == StatusCompleted {
		eventType = EventAppointmentCompleted
	}
	s.logEvent(ctx, updated.ID, eventType, map[string]any{
		"by":   by,
		"from": string(from),
		"to":   string(to),
	})

	return updated, nil
}

// GetAppointment retrieves a fully hydrated appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return detail, nil
}

// ClampPage applies the listing defaults: limit 20, at most 100.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListAppointmentsByPatient retrieves appointments for a specific patient
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	limit, offset = ClampPage(limit, offset)

	appointments, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

// ListAppointmentsByDoctor retrieves appointments for a specific doctor
func (s *Service) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	limit, offset = ClampPage(limit, offset)

	appointments, err := s.repo.ListAppointmentsByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return appointments, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) afterSlotChange(ctx context.Context, slotID uuid.UUID) {
	if s.cache == nil {
		return
	}
	slot, err := s.repo.GetSlot(ctx, slotID)
	if err != nil {
		s.logger.Warn("failed to load slot for cache invalidation",
			zap.Error(err), zap.String("slot_id", slotID.String()))
		return
	}
	s.invalidate(ctx, slot.DoctorID, slot.Date)
}

func (s *Service) invalidate(ctx context.Context, doctorID uuid.UUID, date time.Time) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateSlots(ctx, doctorID, date); err != nil {
		s.logger.Warn("failed to invalidate slot cache", zap.Error(err))
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload",
			zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID
	now := time.Now()

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     now,
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}

	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.Event{
		Type:          eventType,
		AppointmentID: appointmentID,
		Payload:       payload,
		OccurredAt:    now,
	}); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
