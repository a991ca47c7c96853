package models

// Rubric is an externally owned scoring primitive. This service only reads
// the table and records usage links on annotations; the rubric editor lives
// elsewhere.
type Rubric struct {
	ID        int64
	Revision  int
	Question  int
	Value     float64
	Published bool
	Latest    bool
	Text      string
}
