package services

import (
	"errors"
	"strings"
	"testing"
)

func TestClaimConflictErrorUnwrapsToAlreadyClaimed(t *testing.T) {
	err := error(&ClaimConflictError{Code: "0007g2", HeldBy: "alice"})

	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatal("ClaimConflictError does not unwrap to ErrAlreadyClaimed")
	}
	if !strings.Contains(err.Error(), "alice") {
		t.Errorf("error %q does not name the holder", err.Error())
	}
	if !strings.Contains(err.Error(), "0007g2") {
		t.Errorf("error %q does not name the task code", err.Error())
	}
}

func TestScoreConflictErrorUnwraps(t *testing.T) {
	err := error(&ScoreConflictError{Given: 4, Computed: 3.5})

	if !errors.Is(err, ErrScoreConflict) {
		t.Fatal("ScoreConflictError does not unwrap to ErrScoreConflict")
	}
	if !strings.Contains(err.Error(), "3.5") {
		t.Errorf("error %q does not carry the recomputed total", err.Error())
	}
}

func TestRubricErrorUnwrapsToItsKind(t *testing.T) {
	kinds := []error{ErrMissingRubric, ErrWrongQuestionRubric, ErrStaleRubric, ErrUnpublishedRubric}
	for _, kind := range kinds {
		err := error(&RubricError{Kind: kind, RubricID: 12, Revision: 3})
		if !errors.Is(err, kind) {
			t.Errorf("RubricError{%v} does not unwrap to its kind", kind)
		}
		if !strings.Contains(err.Error(), "12") {
			t.Errorf("error %q does not name the rubric", err.Error())
		}
	}
}
