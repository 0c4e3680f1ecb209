package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"buildplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestBumpBuildNumber(t *testing.T) {
	s, mock := newMockStore(t)

	jobID := uuid.New()
	mock.ExpectQuery(`UPDATE jobs`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"next_build_number"}).AddRow(12))

	number, err := s.BumpBuildNumber(context.Background(), nil, jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if number != 12 {
		t.Errorf("expected build number 12, got %d", number)
	}
}

func TestBumpBuildNumber_JobMissing(t *testing.T) {
	s, mock := newMockStore(t)

	jobID := uuid.New()
	mock.ExpectQuery(`UPDATE jobs`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"next_build_number"}))

	_, err := s.BumpBuildNumber(context.Background(), nil, jobID)
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGetJobByID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetJobByID(context.Background(), id)
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRecordBuildResult(t *testing.T) {
	s, mock := newMockStore(t)

	jobID := uuid.New()
	ended := time.Now().UTC()

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(jobID, "success", ended).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.RecordBuildResult(context.Background(), jobID, "success", ended); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordBuildResult_AbortedOutsideCounters(t *testing.T) {
	s, mock := newMockStore(t)

	jobID := uuid.New()
	ended := time.Now().UTC()

	// The failure counter is limited to failure and timeout; aborted
	// builds only move last_build_status.
	mock.ExpectExec(`failed_builds \+ CASE WHEN \$2 IN \('failure', 'timeout'\)`).
		WithArgs(jobID, "aborted", ended).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.RecordBuildResult(context.Background(), jobID, "aborted", ended); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
