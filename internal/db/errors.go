package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories translate into domain errors.
const (
	UniqueViolation     = "23505"
	ForeignKeyViolation = "23503"
)

// Constraint reports the name of the constraint err violated when err is a
// Postgres error with the given SQLSTATE.
func Constraint(err error, code string) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != code {
		return "", false
	}
	return pgErr.ConstraintName, true
}

// Foreign key constraint names, as declared in the schema migration.
const (
	FKRuleDoctor         = "availability_rules_doctor_fk"
	FKSlotDoctor         = "slots_doctor_fk"
	FKAppointmentDoctor  = "appointments_doctor_fk"
	FKAppointmentPatient = "appointments_patient_fk"
)
