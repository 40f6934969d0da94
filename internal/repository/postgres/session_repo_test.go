package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

func TestSessionRepo_Start(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	s := &model.Session{
		ID:        uuid.Must(uuid.NewV4()),
		Scope:     "plant-a",
		Subject:   uuid.Must(uuid.NewV4()),
		WorkRef:   "weld-9",
		StartedAt: time.Now().UTC(),
	}
	const ins = `INSERT INTO scan_sessions (id, scope, subject, work_ref, started_at) VALUES ($1, $2, $3, $4, $5)`

	mock.ExpectExec(sql(ins)).
		WithArgs(s.ID, s.Scope, s.Subject, s.WorkRef, s.StartedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Start(context.Background(), s))

	mock.ExpectExec(sql(ins)).
		WithArgs(s.ID, s.Scope, s.Subject, s.WorkRef, s.StartedAt).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Start(context.Background(), s), errs.ErrAlreadyExists)
}

func TestSessionRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	id, subj := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	started := time.Now().UTC().Add(-time.Minute)
	const sel = `SELECT id, scope, subject, work_ref, started_at, ended_at, result FROM scan_sessions WHERE scope=$1 AND id=$2`

	mock.ExpectQuery(sql(sel)).WithArgs("plant-a", id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "scope", "subject", "work_ref", "started_at", "ended_at", "result"}).
			AddRow(id, "plant-a", subj, "weld-9", started, nil, nil))
	s, err := r.Get(context.Background(), "plant-a", id)
	require.NoError(t, err)
	require.Equal(t, subj, s.Subject)
	require.Equal(t, started, s.StartedAt)
	require.Nil(t, s.EndedAt)

	mock.ExpectQuery(sql(sel)).WithArgs("plant-b", id).WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(context.Background(), "plant-b", id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSessionRepo_End(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	ended := time.Now().UTC()
	result := []byte(`{"passes":3}`)
	const sel = `SELECT ended_at FROM scan_sessions WHERE scope=$1 AND id=$2 FOR UPDATE`

	mock.ExpectBegin()
	mock.ExpectQuery(sql(sel)).WithArgs("plant-a", id).
		WillReturnRows(pgxmock.NewRows([]string{"ended_at"}).AddRow(nil))
	mock.ExpectExec(sql(`UPDATE scan_sessions SET ended_at=$3, result=$4 WHERE scope=$1 AND id=$2`)).
		WithArgs("plant-a", id, ended, result).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	require.NoError(t, r.End(ctx, "plant-a", id, ended, result))

	// already ended
	prev := ended.Add(-time.Second)
	mock.ExpectBegin()
	mock.ExpectQuery(sql(sel)).WithArgs("plant-a", id).
		WillReturnRows(pgxmock.NewRows([]string{"ended_at"}).AddRow(&prev))
	mock.ExpectRollback()
	require.ErrorIs(t, r.End(ctx, "plant-a", id, ended, result), errs.ErrConflict)

	// unknown
	mock.ExpectBegin()
	mock.ExpectQuery(sql(sel)).WithArgs("plant-a", id).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()
	require.ErrorIs(t, r.End(ctx, "plant-a", id, ended, result), errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
