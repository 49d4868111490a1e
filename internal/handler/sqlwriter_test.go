package handler

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLWriterArchivesEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	deps := testDeps(nil)
	h, err := New("handler.SQLWriter", "archive", deps)
	require.NoError(t, err)
	sw := h.(*SQLWriter)
	sw.SetDB(db)
	require.NoError(t, sw.Initialize())

	mock.ExpectExec("INSERT INTO events").
		WithArgs("acme.sshd-SSHDLogin", "acme.sshd", "Informational",
			sqlmock.AnyArg(), "login by alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sw.ProcessEvent(loginEvent(t)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLWriterCustomTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	deps := testDeps(nil)
	h, err := New("handler.SQLWriter", "archive", deps)
	require.NoError(t, err)
	sw := h.(*SQLWriter)
	sw.SetDB(db)
	require.NoError(t, deps.Config.Set("handler.archive.table", "audit_log"))
	require.NoError(t, sw.Initialize())

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs("acme.sshd-SSHDLogin", "acme.sshd", "Informational",
			sqlmock.AnyArg(), "login by alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sw.ProcessEvent(loginEvent(t)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLWriterRejectsBadTableName(t *testing.T) {
	deps := testDeps(nil)
	h, err := New("handler.SQLWriter", "archive", deps)
	require.NoError(t, err)
	require.NoError(t, deps.Config.Set("handler.archive.table", "events; drop table"))

	err = h.Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")
}

func TestSQLWriterRequiresDSN(t *testing.T) {
	deps := testDeps(nil)
	h, err := New("handler.SQLWriter", "archive", deps)
	require.NoError(t, err)

	err = h.Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn")
}
