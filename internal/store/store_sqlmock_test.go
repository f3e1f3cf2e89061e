package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, DefaultConfig()), mock
}

func TestBuildMultiRowInsert(t *testing.T) {
	samples := generateTestMetrics("a1", "o1", 3, 1000)

	query, args, err := buildMultiRowInsert(samples)
	if err != nil {
		t.Fatal(err)
	}

	if got := strings.Count(query, "(?,?,?,?,?,?,?,?)"); got != 3 {
		t.Errorf("expected 3 value tuples, got %d", got)
	}
	if len(args) != 24 {
		t.Fatalf("expected 24 args, got %d", len(args))
	}
	if args[5] != `{"i":"0"}` {
		t.Errorf("expected tags json, got %v", args[5])
	}
}

func TestBuildMultiRowInsert_AssignsSampleIDs(t *testing.T) {
	same := func() *MetricSample {
		return &MetricSample{AgentID: "a1", OrganizationID: "o1", MetricType: "latency", Value: 5, TimestampMs: 1000}
	}
	kept := same()
	kept.ID = "fixed"
	samples := []*MetricSample{same(), same(), kept}

	_, args, err := buildMultiRowInsert(samples)
	if err != nil {
		t.Fatal(err)
	}

	if samples[0].ID == "" || samples[1].ID == "" {
		t.Fatal("expected IDs to be assigned")
	}
	if samples[0].ID == samples[1].ID {
		t.Errorf("identical samples share ID %q", samples[0].ID)
	}
	if samples[2].ID != "fixed" {
		t.Errorf("expected caller ID to be kept, got %q", samples[2].ID)
	}
	if args[7] != samples[0].ID || args[23] != "fixed" {
		t.Errorf("expected id as last column, got %v and %v", args[7], args[23])
	}
}

func TestInsertMetrics_ChunksInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_metrics")).WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_metrics")).WillReturnResult(sqlmock.NewResult(0, 50))
	mock.ExpectCommit()

	if err := s.InsertMetrics(context.Background(), generateTestMetrics("a1", "o1", 150, 1000)); err != nil {
		t.Fatalf("InsertMetrics: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertMetrics_RollbackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_metrics")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.InsertMetrics(context.Background(), generateTestMetrics("a1", "o1", 10, 1000))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected disk full error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateAgent_VersionMismatch(t *testing.T) {
	s, mock := newMockStore(t)

	a := &Agent{ID: "a1", OrganizationID: "o1", Name: "n", Type: "t", Status: "IDLE", Version: 3}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents")).
		WithArgs(a.Name, a.Type, a.Description, a.Status, "null", "null", nil, sqlmock.AnyArg(), "o1", "a1", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM agents")).
		WithArgs("o1", "a1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err := s.UpdateAgent(context.Background(), a)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
	if a.Version != 3 {
		t.Errorf("version must not change on failure, got %d", a.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	task := &Task{ID: "t1", OrganizationID: "o1", Version: 1}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM tasks")).
		WithArgs("o1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	if err := s.UpdateTask(context.Background(), task); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
