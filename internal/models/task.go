package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	StatusToDo      = "to_do"
	StatusOut       = "out"
	StatusComplete  = "complete"
	StatusOutOfDate = "out_of_date"
)

var ErrMalformedTaskCode = errors.New("malformed task code")

// Task is one obligation to grade a (paper, question) pair at a content
// version. At most one non-out_of_date task exists per pair; retired tasks
// remain as audit history. The surrogate ID doubles as the integrity token
// a client captures at claim time and must echo back on submission.
type Task struct {
	ID                 string
	Code               string
	Paper              int
	Question           int
	Version            int
	Status             string
	AssignedTo         string
	Priority           float64
	PriorityModified   bool
	LatestAnnotationID string
	CreatedAt          time.Time
	RetiredAt          *time.Time
}

const taskCodeSeparator = "g"

// EncodeTaskCode maps a (paper, question) pair to its compact string id,
// e.g. (42, 3) -> "0042g3".
func EncodeTaskCode(paper, question int) string {
	return fmt.Sprintf("%04d%s%d", paper, taskCodeSeparator, question)
}

// DecodeTaskCode parses a task code back into its (paper, question) pair.
// A legacy leading "q" is accepted and ignored, so "q0042g3" and "0042g3"
// decode identically.
func DecodeTaskCode(code string) (paper, question int, err error) {
	trimmed := strings.TrimPrefix(code, "q")

	paperPart, questionPart, found := strings.Cut(trimmed, taskCodeSeparator)
	if !found {
		return 0, 0, fmt.Errorf("%w: %q has no separator", ErrMalformedTaskCode, code)
	}

	paper, err = strconv.Atoi(paperPart)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: paper part of %q is not numeric", ErrMalformedTaskCode, code)
	}
	question, err = strconv.Atoi(questionPart)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: question part of %q is not numeric", ErrMalformedTaskCode, code)
	}
	return paper, question, nil
}
