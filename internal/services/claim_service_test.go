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

func candidate(id string, paper, question int, priority float64, tags ...string) taskCandidate {
	return taskCandidate{
		task: models.Task{
			ID:       id,
			Code:     models.EncodeTaskCode(paper, question),
			Paper:    paper,
			Question: question,
			Priority: priority,
			Status:   models.StatusToDo,
		},
		tags: tags,
	}
}

func TestPickBestTaskOrdering(t *testing.T) {
	candidates := []taskCandidate{
		candidate("low", 1, 1, 10),
		candidate("high", 9, 2, 90),
		candidate("mid", 5, 1, 50),
	}

	best := pickBestTask(candidates, "alice", nil)
	if best == nil || best.task.ID != "high" {
		t.Fatalf("pickBestTask chose %+v, want task high", best)
	}
}

func TestPickBestTaskTieBreaksOnPaperThenQuestion(t *testing.T) {
	candidates := []taskCandidate{
		candidate("p9q1", 9, 1, 50),
		candidate("p3q2", 3, 2, 50),
		candidate("p3q1", 3, 1, 50),
	}

	best := pickBestTask(candidates, "alice", nil)
	if best == nil || best.task.ID != "p3q1" {
		t.Fatalf("pickBestTask chose %+v, want p3q1", best)
	}
}

func TestPickBestTaskExcludesForeignEarmarks(t *testing.T) {
	candidates := []taskCandidate{
		candidate("reserved", 1, 1, 99, "@bob"),
		candidate("open", 2, 1, 10),
	}

	best := pickBestTask(candidates, "alice", nil)
	if best == nil || best.task.ID != "open" {
		t.Fatalf("pickBestTask chose %+v, want open", best)
	}

	// The earmark owner still sees the reserved task.
	best = pickBestTask(candidates, "bob", nil)
	if best == nil || best.task.ID != "reserved" {
		t.Fatalf("pickBestTask for bob chose %+v, want reserved", best)
	}
}

func TestPickBestTaskForeignEarmarkExplicitlyPreferred(t *testing.T) {
	candidates := []taskCandidate{
		candidate("reserved", 1, 1, 99, "@bob"),
		candidate("open", 2, 1, 10),
	}

	// Asking for @bob by name overrides the exclusion.
	best := pickBestTask(candidates, "alice", []string{"@bob"})
	if best == nil || best.task.ID != "reserved" {
		t.Fatalf("pickBestTask chose %+v, want reserved", best)
	}
}

func TestPickBestTaskSoftTagPreference(t *testing.T) {
	candidates := []taskCandidate{
		candidate("plain", 1, 1, 99),
		candidate("tagged", 2, 1, 10, "needs_second_look"),
	}

	// The lower-priority tagged task wins while the preference matches.
	best := pickBestTask(candidates, "alice", []string{"needs_second_look"})
	if best == nil || best.task.ID != "tagged" {
		t.Fatalf("pickBestTask chose %+v, want tagged", best)
	}

	// No candidate carries the tag: fall back to the unrestricted set.
	best = pickBestTask(candidates, "alice", []string{"unused_tag"})
	if best == nil || best.task.ID != "plain" {
		t.Fatalf("pickBestTask chose %+v, want plain", best)
	}
}

func TestClaimContentionOneWinner(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	svc := NewClaimService(zerolog.Nop(), mock)
	now := time.Now()

	// First claimant locks the to_do row and wins it.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows(taskColumns).
			AddRow("task-1", "0007g2", 7, 2, 1, models.StatusToDo, "", 50.0, false, "", now, nil))
	mock.ExpectExec("UPDATE tasks").
		WithArgs(models.StatusOut, "alice", "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	// Second claimant blocks on the same lock and then sees the claimed row.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows(taskColumns).
			AddRow("task-1", "0007g2", 7, 2, 1, models.StatusOut, "alice", 50.0, false, "", now, nil))
	mock.ExpectRollback()

	task, err := svc.Claim(context.Background(), "task-1", "alice")
	if err != nil {
		t.Fatalf("first Claim returned error: %v", err)
	}
	if task.Status != models.StatusOut || task.AssignedTo != "alice" {
		t.Errorf("won task is %s/%s, want out/alice", task.Status, task.AssignedTo)
	}

	_, err = svc.Claim(context.Background(), "task-1", "bob")
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second Claim = %v, want ErrAlreadyClaimed", err)
	}
	var conflict *ClaimConflictError
	if !errors.As(err, &conflict) || conflict.HeldBy != "alice" {
		t.Errorf("conflict %+v does not name the holder alice", conflict)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPickBestTaskEmpty(t *testing.T) {
	if best := pickBestTask(nil, "alice", nil); best != nil {
		t.Fatalf("pickBestTask(nil) = %+v, want nil", best)
	}

	// Everything earmarked for somebody else.
	candidates := []taskCandidate{
		candidate("reserved", 1, 1, 99, "@bob"),
	}
	if best := pickBestTask(candidates, "alice", nil); best != nil {
		t.Fatalf("pickBestTask = %+v, want nil", best)
	}
}
