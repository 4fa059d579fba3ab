package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/appointment"
)

func bookAppointmentHandler(svc *appointment.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if !decodeBody(w, r, &req) {
			return
		}

		p, _ := PrincipalFrom(r.Context())
		appt, err := svc.Book(r.Context(), appointment.BookRequest{
			PatientID:       p.PatientID,
			DoctorID:        uuid.MustParse(req.DoctorID),
			SlotID:          uuid.MustParse(req.SlotID),
			ReasonForVisit:  req.ReasonForVisit,
			DurationMinutes: req.DurationMinutes,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, ok := queryInt(w, q.Get("limit"), "limit")
		if !ok {
			return
		}
		offset, ok := queryInt(w, q.Get("offset"), "offset")
		if !ok {
			return
		}

		limit, offset = appointment.ClampPage(limit, offset)

		p, _ := PrincipalFrom(r.Context())
		patientID, doctorID := p.PatientID, p.DoctorID
		if p.Role == RoleAdmin {
			if raw := q.Get("patient_id"); raw != "" {
				if patientID, ok = pathUUID(w, raw, "patient_id"); !ok {
					return
				}
			} else if raw := q.Get("doctor_id"); raw != "" {
				if doctorID, ok = pathUUID(w, raw, "doctor_id"); !ok {
					return
				}
			} else {
				writeError(w, http.StatusBadRequest, "missing_filter", "patient_id or doctor_id is required")
				return
			}
		}

		var (
			list []appointment.AppointmentDetail
			err  error
		)
		if patientID != uuid.Nil {
			list, err = svc.ListAppointmentsByPatient(r.Context(), patientID, limit, offset)
		} else {
			list, err = svc.ListAppointmentsByDoctor(r.Context(), doctorID, limit, offset)
		}
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := AppointmentListResponse{
			Appointments: make([]AppointmentDetailResponse, 0, len(list)),
			Limit:        limit,
			Offset:       offset,
		}
		for _, d := range list {
			resp.Appointments = append(resp.Appointments, toDetailResponse(d))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc *appointment.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, chi.URLParam(r, "id"), "appointment_id")
		if !ok {
			return
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		p, _ := PrincipalFrom(r.Context())
		if !canSee(p, detail.Appointment) {
			writeServiceError(w, r, logger, appointment.ErrForbidden)
			return
		}

		writeJSON(w, http.StatusOK, toDetailResponse(*detail))
	}
}

func cancelAppointmentHandler(svc *appointment.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, chi.URLParam(r, "id"), "appointment_id")
		if !ok {
			return
		}

		p, _ := PrincipalFrom(r.Context())
		appt, err := svc.Cancel(r.Context(), id, p.PatientID)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func setStatusHandler(svc *appointment.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, chi.URLParam(r, "id"), "appointment_id")
		if !ok {
			return
		}

		var req StatusRequest
		if !decodeBody(w, r, &req) {
			return
		}

		p, _ := PrincipalFrom(r.Context())
		appt, err := svc.SetStatus(r.Context(), id, p.DoctorID, req.Status)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

// completeAppointmentHandler is the hook the medical report flow calls once a
// report is filed.
func completeAppointmentHandler(svc *appointment.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, chi.URLParam(r, "id"), "appointment_id")
		if !ok {
			return
		}

		p, _ := PrincipalFrom(r.Context())
		if p.Role == RoleDoctor {
			detail, err := svc.GetAppointment(r.Context(), id)
			if err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			if detail.DoctorID != p.DoctorID {
				writeServiceError(w, r, logger, appointment.ErrForbidden)
				return
			}
		}

		appt, err := svc.MarkCompleted(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func canSee(p Principal, a appointment.Appointment) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RolePatient:
		return a.PatientID == p.PatientID
	case RoleDoctor:
		return a.DoctorID == p.DoctorID
	}
	return false
}

func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
