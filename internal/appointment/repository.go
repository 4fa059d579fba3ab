package appointment

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
)

var (
	ErrSlotNotFound        = apperr.New(apperr.KindNotFound, "slot_not_found", "slot not found")
	ErrAppointmentNotFound = apperr.New(apperr.KindNotFound, "appointment_not_found", "appointment not found")
	ErrSlotNotAvailable    = apperr.New(apperr.KindConflict, "slot_not_available", "slot is no longer available")
	ErrInvalidState        = apperr.New(apperr.KindConflict, "invalid_state", "appointment cannot move to the requested status")
	ErrPatientNotFound     = apperr.New(apperr.KindNotFound, "patient_not_found", "patient not found")
	ErrDoctorNotFound      = apperr.New(apperr.KindNotFound, "doctor_not_found", "doctor not found")
)

// SlotEffect is what a status transition does to the referenced slot.
type SlotEffect int

const (
	SlotUntouched SlotEffect = iota
	// SlotRelease puts a booked slot back into the pool.
	SlotRelease
	// SlotReclaim books the slot again. The transition fails with
	// ErrSlotNotAvailable when another live appointment holds it.
	SlotReclaim
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*SlotSnapshot, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)

	// FindLiveAppointment returns the non-cancelled appointment patientID
	// holds on slotID, or ErrAppointmentNotFound.
	FindLiveAppointment(ctx context.Context, slotID, patientID uuid.UUID) (*Appointment, error)

	// BookSlot marks the slot booked only if it is still available and
	// inserts the Pending appointment, as one atomic unit. A lost race is
	// ErrSlotNotAvailable.
	BookSlot(ctx context.Context, req BookRequest) (*Appointment, error)

	// TransitionStatus moves the appointment from -> to only if its status is
	// still from, applying effect to its slot in the same unit. A status that
	// moved underneath is ErrInvalidState.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, effect SlotEffect) (*Appointment, error)

	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
