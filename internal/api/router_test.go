package api_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/api"
	"github.com/hackgods/clinic-slot-engine/internal/appointment"
	"github.com/hackgods/clinic-slot-engine/internal/config"
	"github.com/hackgods/clinic-slot-engine/internal/memstore"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

var secret = []byte("test-secret")

type testServer struct {
	t       *testing.T
	handler http.Handler
	store   *memstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memstore.New()

	now := func() time.Time { return time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC) }
	mat := schedule.NewMaterializer(store, time.UTC, 4, logger, schedule.WithClock(now))

	handler := api.NewRouter(api.RouterConfig{
		Rules:        schedule.NewService(store, mat, logger),
		Slots:        schedule.NewQuery(store, nil, time.UTC, logger),
		Appointments: appointment.NewService(store, config.Config{}, logger),
		Logger:       logger,
		JWTSecret:    secret,
		AllowOrigins: []string{"*"},
		Env:          "test",
		Version:      "dev",
	})
	return &testServer{t: t, handler: handler, store: store}
}

func token(t *testing.T, p api.Principal) string {
	t.Helper()
	tok, err := api.IssueToken(secret, p, time.Hour)
	require.NoError(t, err)
	return tok
}

func doctorToken(t *testing.T, id uuid.UUID) string {
	return token(t, api.Principal{Subject: "doc", Role: api.RoleDoctor, DoctorID: id})
}

func patientToken(t *testing.T, id uuid.UUID) string {
	return token(t, api.Principal{Subject: "pat", Role: api.RolePatient, PatientID: id})
}

func (s *testServer) do(method, path, tok string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[api.ErrorResponse](t, rec).Error
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "ok", decode[api.LivenessResponse](t, rec).Status)

	rec = s.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	ready := decode[api.ReadinessResponse](t, rec)
	assert.Equal(t, "down", ready.Dependencies["postgres"])
	assert.Equal(t, "disabled", ready.Dependencies["redis"])
}

func TestBookingFlow(t *testing.T) {
	s := newTestServer(t)
	d1 := uuid.New()
	p1 := uuid.New()
	p2 := uuid.New()

	rec := s.do(http.MethodPost, "/doctors/"+d1.String()+"/availability", doctorToken(t, d1), api.RuleRequest{
		DayOfWeek: "Monday", StartTime: "09:00", EndTime: "10:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.CreateRuleResponse](t, rec)
	assert.Equal(t, 8, created.SlotsCreated)
	assert.Equal(t, "Monday", created.Rule.DayOfWeek)
	assert.Empty(t, created.Warning)

	rec = s.do(http.MethodGet, "/doctors/"+d1.String()+"/availability", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.RuleResponse](t, rec), 1)

	slotsPath := "/doctors/" + d1.String() + "/slots?date=2026-10-26"
	rec = s.do(http.MethodGet, slotsPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	free := decode[api.SlotsResponse](t, rec)
	require.Len(t, free.Slots, 2)
	assert.Equal(t, "09:00", free.Slots[0].StartTime.String())
	assert.Equal(t, "09:30", free.Slots[1].StartTime.String())

	rec = s.do(http.MethodPost, "/appointments", patientToken(t, p1), api.BookRequest{
		DoctorID:       d1.String(),
		SlotID:         free.Slots[0].ID.String(),
		ReasonForVisit: "fever",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decode[api.AppointmentResponse](t, rec)
	assert.Equal(t, "Pending", appt.Status)
	assert.Equal(t, p1, appt.PatientID)

	rec = s.do(http.MethodGet, slotsPath, "", nil)
	left := decode[api.SlotsResponse](t, rec)
	require.Len(t, left.Slots, 1)
	assert.Equal(t, "09:30", left.Slots[0].StartTime.String())

	rec = s.do(http.MethodPost, "/appointments", patientToken(t, p2), api.BookRequest{
		DoctorID:       d1.String(),
		SlotID:         free.Slots[0].ID.String(),
		ReasonForVisit: "cough",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_not_available", errorCode(t, rec))

	rec = s.do(http.MethodGet, "/appointments/"+appt.ID.String(), patientToken(t, p2), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/appointments/"+appt.ID.String(), doctorToken(t, d1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[api.AppointmentDetailResponse](t, rec)
	assert.Equal(t, "2026-10-26", detail.Slot.Date)
	assert.Equal(t, "booked", detail.Slot.Status)

	rec = s.do(http.MethodGet, "/appointments", patientToken(t, p1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.AppointmentListResponse](t, rec)
	assert.Len(t, list.Appointments, 1)
	assert.Equal(t, 20, list.Limit)

	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", patientToken(t, p1), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Cancelled", decode[api.AppointmentResponse](t, rec).Status)

	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", patientToken(t, p1), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", errorCode(t, rec))

	rec = s.do(http.MethodGet, slotsPath, "", nil)
	assert.Len(t, decode[api.SlotsResponse](t, rec).Slots, 2)
}

func TestDoctorStatusAndCompletion(t *testing.T) {
	s := newTestServer(t)
	doctor := uuid.New()
	patient := uuid.New()

	rec := s.do(http.MethodPost, "/doctors/"+doctor.String()+"/availability", doctorToken(t, doctor), api.RuleRequest{
		DayOfWeek: "Monday", StartTime: "09:00", EndTime: "09:30",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodGet, "/doctors/"+doctor.String()+"/slots?date=2026-10-26", "", nil)
	slot := decode[api.SlotsResponse](t, rec).Slots[0]

	rec = s.do(http.MethodPost, "/appointments", patientToken(t, patient), api.BookRequest{
		DoctorID: doctor.String(), SlotID: slot.ID.String(), ReasonForVisit: "follow-up", DurationMinutes: 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decode[api.AppointmentResponse](t, rec)
	statusPath := "/appointments/" + appt.ID.String() + "/status"

	rec = s.do(http.MethodPatch, statusPath, doctorToken(t, doctor), api.StatusRequest{Status: "Done"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_status", errorCode(t, rec))

	rec = s.do(http.MethodPatch, statusPath, doctorToken(t, uuid.New()), api.StatusRequest{Status: "Confirmed"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPatch, statusPath, patientToken(t, patient), api.StatusRequest{Status: "Confirmed"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden_role", errorCode(t, rec))

	rec = s.do(http.MethodPatch, statusPath, doctorToken(t, doctor), api.StatusRequest{Status: "Confirmed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Confirmed", decode[api.AppointmentResponse](t, rec).Status)

	admin := token(t, api.Principal{Subject: "root", Role: api.RoleAdmin})
	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/complete", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Completed", decode[api.AppointmentResponse](t, rec).Status)

	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", patientToken(t, patient), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/appointments", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_filter", errorCode(t, rec))

	rec = s.do(http.MethodGet, "/appointments?doctor_id="+doctor.String(), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[api.AppointmentListResponse](t, rec).Appointments, 1)
}

func TestRuleOwnership(t *testing.T) {
	s := newTestServer(t)
	owner := uuid.New()
	other := uuid.New()

	rec := s.do(http.MethodPost, "/doctors/"+owner.String()+"/availability", doctorToken(t, other), api.RuleRequest{
		DayOfWeek: "Monday", StartTime: "09:00", EndTime: "10:00",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "rule_forbidden", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/doctors/"+owner.String()+"/availability", doctorToken(t, owner), api.RuleRequest{
		DayOfWeek: "Friday", StartTime: "09:00", EndTime: "10:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ruleID := decode[api.CreateRuleResponse](t, rec).Rule.ID.String()

	rec = s.do(http.MethodPut, "/availability/"+ruleID, doctorToken(t, other), api.RuleRequest{
		DayOfWeek: "Friday", StartTime: "10:00", EndTime: "11:00",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPut, "/availability/"+ruleID, doctorToken(t, owner), api.RuleRequest{
		DayOfWeek: "Friday", StartTime: "10:00", EndTime: "11:00",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10:00", decode[api.RuleResponse](t, rec).StartTime.String())

	// The moved window sits next to the old one, so every Friday gains two slots.
	rec = s.do(http.MethodPost, "/availability/"+ruleID+"/materialize", doctorToken(t, owner), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8, decode[api.MaterializeResponse](t, rec).SlotsCreated)

	rec = s.do(http.MethodPost, "/availability/"+ruleID+"/materialize", doctorToken(t, owner), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[api.MaterializeResponse](t, rec).SlotsCreated)

	rec = s.do(http.MethodDelete, "/availability/"+ruleID, doctorToken(t, owner), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodDelete, "/availability/"+ruleID, doctorToken(t, owner), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "rule_not_found", errorCode(t, rec))
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)
	doctor := uuid.New()
	patient := uuid.New()

	cases := []struct {
		name   string
		method string
		path   string
		tok    string
		body   any
		status int
		code   string
	}{
		{"no token", http.MethodPost, "/appointments", "", nil, http.StatusUnauthorized, "missing_token"},
		{"garbage token", http.MethodPost, "/appointments", "not-a-jwt", nil, http.StatusUnauthorized, "invalid_token"},
		{"doctor cannot book", http.MethodPost, "/appointments", doctorToken(t, doctor), api.BookRequest{}, http.StatusForbidden, "forbidden_role"},
		{"missing reason", http.MethodPost, "/appointments", patientToken(t, patient),
			api.BookRequest{DoctorID: doctor.String(), SlotID: uuid.NewString()}, http.StatusBadRequest, "validation_error"},
		{"malformed slot id", http.MethodPost, "/appointments", patientToken(t, patient),
			api.BookRequest{DoctorID: doctor.String(), SlotID: "abc", ReasonForVisit: "x"}, http.StatusBadRequest, "validation_error"},
		{"unknown slot", http.MethodPost, "/appointments", patientToken(t, patient),
			api.BookRequest{DoctorID: doctor.String(), SlotID: uuid.NewString(), ReasonForVisit: "x"}, http.StatusNotFound, "slot_not_found"},
		{"bad weekday", http.MethodPost, "/doctors/" + doctor.String() + "/availability", doctorToken(t, doctor),
			api.RuleRequest{DayOfWeek: "Someday", StartTime: "09:00", EndTime: "10:00"}, http.StatusBadRequest, "invalid_day_of_week"},
		{"reversed window", http.MethodPost, "/doctors/" + doctor.String() + "/availability", doctorToken(t, doctor),
			api.RuleRequest{DayOfWeek: "Monday", StartTime: "10:00", EndTime: "09:00"}, http.StatusBadRequest, "invalid_time_range"},
		{"missing date", http.MethodGet, "/doctors/" + doctor.String() + "/slots", "", nil, http.StatusBadRequest, "invalid_date"},
		{"malformed date", http.MethodGet, "/doctors/" + doctor.String() + "/slots?date=26-10-2026", "", nil, http.StatusBadRequest, "invalid_date"},
		{"malformed doctor id", http.MethodGet, "/doctors/nope/slots?date=2026-10-26", "", nil, http.StatusBadRequest, "invalid_doctor_id"},
		{"unknown appointment", http.MethodGet, "/appointments/" + uuid.NewString(), patientToken(t, patient), nil, http.StatusNotFound, "appointment_not_found"},
		{"negative limit", http.MethodGet, "/appointments?limit=-1", patientToken(t, patient), nil, http.StatusBadRequest, "invalid_limit"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(tc.method, tc.path, tc.tok, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s := newTestServer(t)
	tok, err := api.IssueToken(secret, api.Principal{Role: api.RolePatient, PatientID: uuid.New()}, -time.Minute)
	require.NoError(t, err)

	rec := s.do(http.MethodGet, "/appointments", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEmptySlotsIsEmptyArray(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/doctors/"+uuid.NewString()+"/slots?date=2026-10-27", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"slots":[]`)
}
