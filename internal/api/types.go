package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-engine/internal/appointment"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

type RuleRequest struct {
	DayOfWeek string `json:"day_of_week" validate:"required"`
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
}

type BookRequest struct {
	DoctorID        string `json:"doctor_id" validate:"required,uuid"`
	SlotID          string `json:"slot_id" validate:"required,uuid"`
	ReasonForVisit  string `json:"reason_for_visit" validate:"required,max=500"`
	DurationMinutes int    `json:"duration_minutes" validate:"gte=0,lte=480"`
}

type StatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type RuleResponse struct {
	ID        uuid.UUID      `json:"id"`
	DoctorID  uuid.UUID      `json:"doctor_id"`
	DayOfWeek string         `json:"day_of_week"`
	StartTime schedule.Clock `json:"start_time"`
	EndTime   schedule.Clock `json:"end_time"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type CreateRuleResponse struct {
	Rule         RuleResponse `json:"rule"`
	SlotsCreated int          `json:"slots_created"`
	Warning      string       `json:"warning,omitempty"`
}

type MaterializeResponse struct {
	RuleID       uuid.UUID `json:"rule_id"`
	SlotsCreated int       `json:"slots_created"`
	Warning      string    `json:"warning,omitempty"`
}

type SlotResponse struct {
	ID        uuid.UUID      `json:"id"`
	DoctorID  uuid.UUID      `json:"doctor_id"`
	RuleID    *uuid.UUID     `json:"availability_rule_id,omitempty"`
	Date      string         `json:"date"`
	StartTime schedule.Clock `json:"start_time"`
	EndTime   schedule.Clock `json:"end_time"`
	Status    string         `json:"status"`
}

type SlotsResponse struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     string         `json:"date"`
	Slots    []SlotResponse `json:"slots"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	SlotID          uuid.UUID `json:"slot_id"`
	DurationMinutes int       `json:"duration_minutes"`
	ReasonForVisit  string    `json:"reason_for_visit"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type SlotSnapshotResponse struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Status    string `json:"status"`
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	Slot SlotSnapshotResponse `json:"slot"`
}

type AppointmentListResponse struct {
	Appointments []AppointmentDetailResponse `json:"appointments"`
	Limit        int                         `json:"limit"`
	Offset       int                         `json:"offset"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toRuleResponse(r schedule.Rule) RuleResponse {
	return RuleResponse{
		ID:        r.ID,
		DoctorID:  r.DoctorID,
		DayOfWeek: r.DayOfWeek.String(),
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func toSlotResponse(s schedule.Slot) SlotResponse {
	return SlotResponse{
		ID:        s.ID,
		DoctorID:  s.DoctorID,
		RuleID:    s.RuleID,
		Date:      schedule.FormatDate(s.Date),
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Status:    string(s.Status),
	}
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		DoctorID:        a.DoctorID,
		SlotID:          a.SlotID,
		DurationMinutes: a.DurationMinutes,
		ReasonForVisit:  a.ReasonForVisit,
		Status:          string(a.Status),
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toDetailResponse(d appointment.AppointmentDetail) AppointmentDetailResponse {
	return AppointmentDetailResponse{
		AppointmentResponse: toAppointmentResponse(d.Appointment),
		Slot: SlotSnapshotResponse{
			Date:      schedule.FormatDate(d.Slot.Date),
			StartTime: d.Slot.StartTime,
			EndTime:   d.Slot.EndTime,
			Status:    string(d.Slot.Status),
		},
	}
}
