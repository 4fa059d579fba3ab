package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

func listRulesHandler(svc *schedule.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathUUID(w, chi.URLParam(r, "doctorID"), "doctor_id")
		if !ok {
			return
		}

		rules, err := svc.ListRules(r.Context(), doctorID)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := make([]RuleResponse, 0, len(rules))
		for _, rule := range rules {
			resp = append(resp, toRuleResponse(rule))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createRuleHandler(svc *schedule.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathUUID(w, chi.URLParam(r, "doctorID"), "doctor_id")
		if !ok {
			return
		}
		p, _ := PrincipalFrom(r.Context())
		if p.DoctorID != doctorID {
			writeServiceError(w, r, logger, schedule.ErrNotRuleOwner)
			return
		}

		var req RuleRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := svc.CreateRule(r.Context(), schedule.RuleInput{
			DoctorID:  doctorID,
			DayOfWeek: req.DayOfWeek,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := CreateRuleResponse{Rule: toRuleResponse(res.Rule), SlotsCreated: res.SlotsCreated}
		if res.MaterializeErr != nil {
			resp.Warning = "some slots could not be created; retry with POST /availability/" + res.Rule.ID.String() + "/materialize"
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func updateRuleHandler(svc *schedule.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID, ok := pathUUID(w, chi.URLParam(r, "id"), "rule_id")
		if !ok {
			return
		}

		var req RuleRequest
		if !decodeBody(w, r, &req) {
			return
		}

		p, _ := PrincipalFrom(r.Context())
		rule, err := svc.UpdateRule(r.Context(), ruleID, schedule.RuleInput{
			DoctorID:  p.DoctorID,
			DayOfWeek: req.DayOfWeek,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toRuleResponse(*rule))
	}
}

func deleteRuleHandler(svc *schedule.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID, ok := pathUUID(w, chi.URLParam(r, "id"), "rule_id")
		if !ok {
			return
		}

		p, _ := PrincipalFrom(r.Context())
		if err := svc.DeleteRule(r.Context(), ruleID, p.DoctorID); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func materializeRuleHandler(svc *schedule.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID, ok := pathUUID(w, chi.URLParam(r, "id"), "rule_id")
		if !ok {
			return
		}

		p, _ := PrincipalFrom(r.Context())
		n, err := svc.Regenerate(r.Context(), ruleID, p.DoctorID)
		if err != nil && (n == 0 || apperr.KindOf(err) != 0) {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := MaterializeResponse{RuleID: ruleID, SlotsCreated: n}
		if err != nil {
			logger.Warn("partial materialization", zap.Error(err), zap.String("rule_id", ruleID.String()))
			resp.Warning = "some slots could not be created"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func availableSlotsHandler(q *schedule.Query, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathUUID(w, chi.URLParam(r, "doctorID"), "doctor_id")
		if !ok {
			return
		}

		raw := r.URL.Query().Get("date")
		if raw == "" {
			writeError(w, http.StatusBadRequest, "invalid_date", "date query parameter is required")
			return
		}
		date, err := schedule.ParseDate(raw, q.Location())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		slots, err := q.AvailableSlots(r.Context(), doctorID, date)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := SlotsResponse{DoctorID: doctorID, Date: schedule.FormatDate(date), Slots: make([]SlotResponse, 0, len(slots))}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, toSlotResponse(s))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
