package services

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

func TestCreateRejectsNonPositiveQuestion(t *testing.T) {
	svc := NewTaskService(zerolog.Nop(), nil)

	for _, question := range []int{0, -1} {
		_, err := svc.Create(context.Background(), CreateTaskParams{Paper: 7, Question: question})
		if !errors.Is(err, ErrInvalidQuestionIndex) {
			t.Errorf("Create(question=%d) = %v, want ErrInvalidQuestionIndex", question, err)
		}
	}
}

func TestCreateLosingInsertRaceIsContention(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	svc := NewTaskService(zerolog.Nop(), mock)

	// Another create for the same pair commits between our lock attempt and
	// our insert; the one-current-task index rejects the insert.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(7, 2, models.StatusOutOfDate).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(pgxmock.AnyArg(), "0007g2", 7, 2, 1, models.StatusToDo, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
	mock.ExpectRollback()

	_, err = svc.Create(context.Background(), CreateTaskParams{Paper: 7, Question: 2, Version: 1})
	if !errors.Is(err, ErrConcurrentCreate) {
		t.Fatalf("Create losing the insert race = %v, want ErrConcurrentCreate", err)
	}
	if errors.Is(err, ErrIntegrityAnomaly) {
		t.Error("a lost insert race must not be reported as an integrity anomaly")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
