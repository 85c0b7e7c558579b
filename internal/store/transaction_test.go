package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInTransaction(t *testing.T) {
	t.Parallel()

	fnErr := errors.New("function failed")

	tests := []struct {
		name    string
		expect  func(m sqlmock.Sqlmock)
		fn      store.TxFn
		wantErr error
	}{
		{
			name: "commits on success",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectCommit()
			},
			fn: func(context.Context, *sql.Tx) error { return nil },
		},
		{
			name: "rolls back on error",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fn:      func(context.Context, *sql.Tx) error { return fnErr },
			wantErr: fnErr,
		},
		{
			name: "reports a failed commit",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectCommit().WillReturnError(errors.New("serialization failure"))
			},
			fn:      func(context.Context, *sql.Tx) error { return nil },
			wantErr: store.ErrTransactionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()
			tt.expect(mock)

			err = store.RunInTransaction(context.Background(), db, tt.fn)

			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRunInTransactionRollsBackOnPanic(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "boom", func() {
		_ = store.RunInTransaction(context.Background(), db, func(context.Context, *sql.Tx) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
