package schedule

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/hackgods/clinic-slot-engine/internal/apperr"
	"github.com/hackgods/clinic-slot-engine/internal/db"
)

func TestRuleWriteError(t *testing.T) {
	err := ruleWriteError(&pgconn.PgError{Code: db.ForeignKeyViolation, ConstraintName: db.FKRuleDoctor})
	assert.ErrorIs(t, err, ErrDoctorNotFound)
	assert.Equal(t, "doctor_not_found", apperr.CodeOf(err))

	other := errors.New("timeout")
	assert.Same(t, other, ruleWriteError(other))
}
