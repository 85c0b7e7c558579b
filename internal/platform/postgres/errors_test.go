package postgres_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/ICIJ/datashare-sub004/internal/platform/postgres"
	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, store.ErrTaskNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, store.ErrDuplicate},
		{"check violation", &pgconn.PgError{Code: "23514", ConstraintName: "tasks_state_check"}, store.ErrInvalidEntity},
		{"not null violation", &pgconn.PgError{Code: "23502", ColumnName: "name"}, store.ErrInvalidEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, postgres.MapError(tt.err), tt.want)
			assert.ErrorIs(t, postgres.MapError(fmt.Errorf("wrapped: %w", tt.err)), tt.want)
		})
	}

	assert.NoError(t, postgres.MapError(nil))
	other := errors.New("other")
	assert.Equal(t, other, postgres.MapError(other))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, postgres.IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, postgres.IsUniqueViolation(errors.New("plain")))
}
