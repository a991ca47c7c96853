package models

import "time"

// Annotation is one scored grading of a task. Editions start at 1 and grow
// by one per successful submission; the owning task's latest-annotation
// pointer always references the max edition. Annotations are never deleted
// when their task is retired.
type Annotation struct {
	ID          string
	TaskID      string
	Edition     int
	Score       float64
	TimeSpentMS int64
	Author      string
	ImageRef    string
	CreatedAt   time.Time
}

// RubricUsage is one (rubric, revision) a reviewer applied in an annotation.
type RubricUsage struct {
	RubricID int64
	Revision int
}
