package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeServiceError maps an error kind to its HTTP status. Anything without a
// kind is an internal failure and is logged; its text is not echoed.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := apperr.CodeOf(err)
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		writeError(w, http.StatusBadRequest, orDefault(code, "validation_error"), err.Error())
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, orDefault(code, "not_found"), err.Error())
	case apperr.KindForbidden:
		writeError(w, http.StatusForbidden, orDefault(code, "forbidden"), err.Error())
	case apperr.KindConflict:
		writeError(w, http.StatusConflict, orDefault(code, "conflict"), err.Error())
	default:
		logger.Error("request failed",
			zap.Error(err),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func orDefault(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}

// decodeBody reads a JSON body into dst and runs struct validation.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}

	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "uuid":
			msgs = append(msgs, field+" must be a valid UUID")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

func pathUUID(w http.ResponseWriter, raw, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
