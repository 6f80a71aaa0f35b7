package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/pkg/models"
)

func TestSQLiteStore_AppendTurnsRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewSQLiteStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM sessions`).
		WithArgs("s").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM turns`).
		WithArgs("s").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(7))
	mock.ExpectExec(`INSERT INTO turns`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = store.AppendTurns(context.Background(), "s",
		[]*models.Turn{{ID: "t1", Role: models.RoleUser, Content: "hi"}})
	if !core.IsKind(err, core.KindPersistence) {
		t.Errorf("kind = %v, want %s", core.KindOf(err), core.KindPersistence)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteStore_GetWrapsDriverFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewSQLiteStoreFromDB(db)

	mock.ExpectQuery(`SELECT id, model, title`).
		WithArgs("s").
		WillReturnError(errors.New("database is locked"))

	_, err = store.Get(context.Background(), "s")
	if !core.IsKind(err, core.KindPersistence) {
		t.Errorf("kind = %v, want %s", core.KindOf(err), core.KindPersistence)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
