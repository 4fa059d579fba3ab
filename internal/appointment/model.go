package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "Pending"
	StatusConfirmed AppointmentStatus = "Confirmed"
	StatusCompleted AppointmentStatus = "Completed"
	StatusCancelled AppointmentStatus = "Cancelled"
)

// ParseStatus accepts the four status names in any case.
func ParseStatus(s string) (AppointmentStatus, bool) {
	for _, st := range []AppointmentStatus{StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled} {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, true
		}
	}
	return "", false
}

// Live reports whether the appointment still holds its slot.
func (s AppointmentStatus) Live() bool {
	return s != StatusCancelled
}

const DefaultDurationMinutes = 30

type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	SlotID          uuid.UUID
	DurationMinutes int
	ReasonForVisit  string
	Status          AppointmentStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SlotSnapshot is the slot an appointment points at, copied by value at read
// time.
type SlotSnapshot struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	Date      time.Time
	StartTime string
	EndTime   string
	Status    schedule.SlotStatus
}

type AppointmentDetail struct {
	Appointment
	Slot SlotSnapshot
}

// BookRequest carries the already-validated inputs of one booking.
type BookRequest struct {
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	SlotID          uuid.UUID
	ReasonForVisit  string
	DurationMinutes int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
