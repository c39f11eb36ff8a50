package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/loom/pkg/models"
)

func newMockStore(t *testing.T) (*SQLite, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	for range migrations {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewSQLiteWithDB(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func TestSQLiteAppendStorageError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	_, err := s.AppendEvent(context.Background(), models.NewUserMessage("t1", "hi"))
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("want StorageError, got %v", err)
	}
}

func TestSQLiteAppendDuplicateIDIsInvariantViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT timestamp FROM events`)).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO events`)).
		WillReturnError(errors.New("UNIQUE constraint failed: events.thread_id, events.id"))
	mock.ExpectRollback()

	_, err := s.AppendEvent(context.Background(), models.NewUserMessage("t1", "hi"))
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("want InvariantError, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLiteAppendAssignsSeqAndNotifies(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT timestamp FROM events`)).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO events`)).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	got := make(chan models.ThreadEvent, 1)
	cancel := s.Subscribe("t1", func(ev models.ThreadEvent) { got <- ev })
	defer cancel()

	ev, err := s.AppendEvent(context.Background(), models.NewUserMessage("t1", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 7 {
		t.Errorf("seq = %d, want 7", ev.Seq)
	}
	notified := <-got
	if notified.ID != ev.ID {
		t.Errorf("notified event %s, want %s", notified.ID, ev.ID)
	}
}

func TestSQLiteListEventsQueryError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT seq, id, thread_id`)).
		WillReturnError(errors.New("database is locked"))

	_, err := s.ListEvents(context.Background(), "t1", 0)
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("want StorageError, got %v", err)
	}
}
