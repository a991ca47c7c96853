package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

var taskColumns = []string{
	"id", "code", "paper", "question", "version", "status", "assigned_to",
	"priority", "priority_modified", "latest_annotation_id", "created_at",
	"retired_at",
}

func rubricFixture() map[rubricKey]models.Rubric {
	return map[rubricKey]models.Rubric{
		{ID: 1, Revision: 2}: {ID: 1, Revision: 2, Question: 3, Value: 2.5, Published: true, Latest: true},
		{ID: 2, Revision: 1}: {ID: 2, Revision: 1, Question: 3, Value: 1.0, Published: true, Latest: true},
		{ID: 3, Revision: 1}: {ID: 3, Revision: 1, Question: 3, Value: 0.5, Published: true, Latest: false},
		{ID: 4, Revision: 1}: {ID: 4, Revision: 1, Question: 3, Value: 0.5, Published: false, Latest: true},
		{ID: 5, Revision: 1}: {ID: 5, Revision: 1, Question: 7, Value: 4.0, Published: true, Latest: true},
	}
}

func TestCheckRubricUsageTotal(t *testing.T) {
	usage := []models.RubricUsage{
		{RubricID: 1, Revision: 2},
		{RubricID: 2, Revision: 1},
	}

	total, err := checkRubricUsage(3, usage, rubricFixture(), false)
	if err != nil {
		t.Fatalf("checkRubricUsage returned error: %v", err)
	}
	if total != 3.5 {
		t.Errorf("total = %g, want 3.5", total)
	}
}

func TestCheckRubricUsageFailures(t *testing.T) {
	tests := []struct {
		name     string
		question int
		usage    []models.RubricUsage
		wantErr  error
	}{
		{
			name:     "missing rubric",
			question: 3,
			usage:    []models.RubricUsage{{RubricID: 99, Revision: 1}},
			wantErr:  ErrMissingRubric,
		},
		{
			name:     "missing revision",
			question: 3,
			usage:    []models.RubricUsage{{RubricID: 1, Revision: 1}},
			wantErr:  ErrMissingRubric,
		},
		{
			name:     "wrong question",
			question: 3,
			usage:    []models.RubricUsage{{RubricID: 5, Revision: 1}},
			wantErr:  ErrWrongQuestionRubric,
		},
		{
			name:     "stale revision",
			question: 3,
			usage:    []models.RubricUsage{{RubricID: 3, Revision: 1}},
			wantErr:  ErrStaleRubric,
		},
		{
			name:     "unpublished revision",
			question: 3,
			usage:    []models.RubricUsage{{RubricID: 4, Revision: 1}},
			wantErr:  ErrUnpublishedRubric,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := checkRubricUsage(tt.question, tt.usage, rubricFixture(), false)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("checkRubricUsage() = %v, want %v", err, tt.wantErr)
			}

			var rubricErr *RubricError
			if !errors.As(err, &rubricErr) {
				t.Fatalf("error %v does not carry rubric detail", err)
			}
			if rubricErr.RubricID != tt.usage[0].RubricID || rubricErr.Revision != tt.usage[0].Revision {
				t.Errorf("error names rubric %d rev %d, want %d rev %d",
					rubricErr.RubricID, rubricErr.Revision, tt.usage[0].RubricID, tt.usage[0].Revision)
			}
		})
	}
}

func TestCheckRubricUsageAllowStale(t *testing.T) {
	usage := []models.RubricUsage{
		{RubricID: 3, Revision: 1},
		{RubricID: 4, Revision: 1},
	}

	total, err := checkRubricUsage(3, usage, rubricFixture(), true)
	if err != nil {
		t.Fatalf("checkRubricUsage with override returned error: %v", err)
	}
	if total != 1.0 {
		t.Errorf("total = %g, want 1.0", total)
	}

	// The override never waives existence or question ownership.
	_, err = checkRubricUsage(3, []models.RubricUsage{{RubricID: 5, Revision: 1}}, rubricFixture(), true)
	if !errors.Is(err, ErrWrongQuestionRubric) {
		t.Fatalf("checkRubricUsage() = %v, want ErrWrongQuestionRubric", err)
	}
}

func TestCheckRubricUsageDuplicatesCountOnce(t *testing.T) {
	// Usage is a set: a client repeating a (rubric, revision) pair must not
	// double the recomputed total, or a doubled score would slip past the
	// conflict check while the stored links record the rubric once.
	usage := []models.RubricUsage{
		{RubricID: 1, Revision: 2},
		{RubricID: 1, Revision: 2},
	}

	total, err := checkRubricUsage(3, usage, rubricFixture(), false)
	if err != nil {
		t.Fatalf("checkRubricUsage returned error: %v", err)
	}
	if total != 2.5 {
		t.Errorf("duplicated usage total = %g, want 2.5", total)
	}
}

func TestSubmitResubmissionBumpsEdition(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	svc := NewAnnotationService(zerolog.Nop(), mock)
	now := time.Now()

	// The pair's current task is already complete and owned by the claimant,
	// so this is a resubmission on top of edition 1.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(7, 2, models.StatusOutOfDate).
		WillReturnRows(pgxmock.NewRows(taskColumns).
			AddRow("task-1", "0007g2", 7, 2, 1, models.StatusComplete, "alice", 50.0, false, "", now, nil))
	mock.ExpectQuery("FROM rubrics").
		WithArgs(int64(9), 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "revision", "question", "value", "published", "latest", "text"}).
			AddRow(int64(9), 2, 2, 2.5, true, true, "work shown"))
	mock.ExpectQuery("MAX").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(1))
	mock.ExpectExec("INSERT INTO annotations").
		WithArgs(pgxmock.AnyArg(), "task-1", 2, 2.5, int64(60000), "alice", "img-7", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO annotation_rubrics").
		WithArgs(pgxmock.AnyArg(), int64(9), 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE tasks").
		WithArgs(models.StatusComplete, pgxmock.AnyArg(), "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	annotation, err := svc.Submit(context.Background(), SubmitParams{
		Paper:          7,
		Question:       2,
		Claimant:       "alice",
		IntegrityToken: "task-1",
		Score:          2.5,
		TimeSpentMS:    60000,
		RubricUsage:    []models.RubricUsage{{RubricID: 9, Revision: 2}},
		ImageRef:       "img-7",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if annotation.Edition != 2 {
		t.Errorf("annotation edition = %d, want 2", annotation.Edition)
	}
	if annotation.TaskID != "task-1" {
		t.Errorf("annotation task id = %q, want task-1", annotation.TaskID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSubmitStaleTokenPersistsNothing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	svc := NewAnnotationService(zerolog.Nop(), mock)
	now := time.Now()

	// A replacement task holds the pair now; the token captured at claim
	// time names the retired one.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(7, 2, models.StatusOutOfDate).
		WillReturnRows(pgxmock.NewRows(taskColumns).
			AddRow("task-2", "0007g2", 7, 2, 2, models.StatusOut, "alice", 50.0, false, "", now, nil))
	mock.ExpectRollback()

	_, err = svc.Submit(context.Background(), SubmitParams{
		Paper:          7,
		Question:       2,
		Claimant:       "alice",
		IntegrityToken: "task-1",
		Score:          2.5,
		RubricUsage:    []models.RubricUsage{{RubricID: 9, Revision: 2}},
	})
	if !errors.Is(err, ErrStaleTask) {
		t.Fatalf("Submit with stale token = %v, want ErrStaleTask", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestScoreMatches(t *testing.T) {
	tests := []struct {
		given    float64
		computed float64
		want     bool
	}{
		{given: 3.5, computed: 3.5, want: true},
		{given: 3.5, computed: 3.5 + 5e-10, want: true},
		{given: 3.5, computed: 3.5 + 2e-9, want: false},
		{given: 0, computed: 1, want: false},
		{given: -1, computed: -1, want: true},
	}

	for _, tt := range tests {
		got := scoreMatches(tt.given, tt.computed)
		if got != tt.want {
			t.Errorf("scoreMatches(%g, %g) = %v, want %v", tt.given, tt.computed, got, tt.want)
		}
	}
}
