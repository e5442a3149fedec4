package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	plain := errors.New("connection reset")

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{name: "no rows", err: sql.ErrNoRows, target: store.ErrNotFound},
		{name: "unique", err: &pgconn.PgError{Code: uniqueViolationCode}, target: store.ErrDuplicate},
		{
			name:   "foreign key",
			err:    &pgconn.PgError{Code: foreignKeyViolationCode, ConstraintName: "outbox_events_task_id_fkey"},
			target: store.ErrInvalidEntity,
		},
		{name: "check", err: &pgconn.PgError{Code: checkViolationCode}, target: store.ErrInvalidEntity},
		{name: "not null", err: &pgconn.PgError{Code: notNullViolationCode}, target: store.ErrInvalidEntity},
		{name: "wrapped unique", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: uniqueViolationCode}), target: store.ErrDuplicate},
		{name: "unmapped", err: plain, target: plain},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, MapError(tc.err), tc.target)
		})
	}

	assert.NoError(t, MapError(nil))
}

func TestConstraintHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: uniqueViolationCode}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
	assert.True(t, IsForeignKeyViolation(fmt.Errorf("x: %w", &pgconn.PgError{Code: foreignKeyViolationCode})))
	assert.False(t, IsForeignKeyViolation(&pgconn.PgError{Code: uniqueViolationCode}))
}
