package services

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

type annotationServiceImpl struct {
	logger zerolog.Logger
	pgPool PostgresPool
}

func NewAnnotationService(
	logger zerolog.Logger,
	pgPool PostgresPool,
) AnnotationService {
	return &annotationServiceImpl{
		logger: logger,
		pgPool: pgPool,
	}
}

type rubricKey struct {
	ID       int64
	Revision int
}

// checkRubricUsage validates every used (rubric, revision) against the
// fetched rubric rows and returns the recomputed total. Usage is a set:
// a duplicated (rubric, revision) pair counts once, matching the stored
// usage links. allowStale skips the latest/published checks. Pure so the
// validation rules are testable without a store.
func checkRubricUsage(question int, usage []models.RubricUsage, rubrics map[rubricKey]models.Rubric, allowStale bool) (float64, error) {
	var total float64
	seen := make(map[rubricKey]struct{}, len(usage))
	for _, u := range usage {
		key := rubricKey{ID: u.RubricID, Revision: u.Revision}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		rubric, ok := rubrics[key]
		if !ok {
			return 0, &RubricError{Kind: ErrMissingRubric, RubricID: u.RubricID, Revision: u.Revision}
		}
		if rubric.Question != question {
			return 0, &RubricError{Kind: ErrWrongQuestionRubric, RubricID: u.RubricID, Revision: u.Revision}
		}
		if !allowStale {
			if !rubric.Latest {
				return 0, &RubricError{Kind: ErrStaleRubric, RubricID: u.RubricID, Revision: u.Revision}
			}
			if !rubric.Published {
				return 0, &RubricError{Kind: ErrUnpublishedRubric, RubricID: u.RubricID, Revision: u.Revision}
			}
		}
		total += rubric.Value
	}
	return total, nil
}

// scoreMatches compares the submitted score with the recomputed total.
func scoreMatches(given, computed float64) bool {
	return math.Abs(given-computed) <= ScoreTolerance
}

func (s *annotationServiceImpl) Submit(ctx context.Context, params SubmitParams) (*models.Annotation, error) {
	tx, err := s.pgPool.Begin(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to begin transaction")
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the pair's current row and compare its identity against the
	// token captured at claim time, in the same transaction. A replaced or
	// retired task shows up here as a token mismatch.
	const selectCurrentForUpdateQuery = `
SELECT ` + selectTaskColumns + `
FROM tasks
WHERE paper = $1 AND question = $2 AND status <> $3
FOR UPDATE
`
	task, err := scanTask(tx.QueryRow(
		ctx,
		selectCurrentForUpdateQuery,
		params.Paper,
		params.Question,
		models.StatusOutOfDate,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Info().
				Int("paper", params.Paper).
				Int("question", params.Question).
				Msg("no current task for submitted pair")
			return nil, ErrStaleTask
		}

		s.logger.Error().
			Err(err).
			Int("paper", params.Paper).
			Int("question", params.Question).
			Msg("failed to lock current task")
		return nil, err
	}

	if task.ID != params.IntegrityToken {
		s.logger.Info().
			Str("task_id", task.ID).
			Str("token", params.IntegrityToken).
			Msg("integrity token mismatch")
		return nil, ErrStaleTask
	}

	if task.Status != models.StatusOut && task.Status != models.StatusComplete {
		s.logger.Info().
			Str("task_id", task.ID).
			Str("status", task.Status).
			Msg("task not in a submittable status")
		return nil, ErrTaskNotClaimable
	}
	if task.AssignedTo != params.Claimant {
		s.logger.Info().
			Str("task_id", task.ID).
			Str("held_by", task.AssignedTo).
			Str("claimant", params.Claimant).
			Msg("submission from non-assignee")
		return nil, &ClaimConflictError{Code: task.Code, HeldBy: task.AssignedTo}
	}

	rubrics, err := s.fetchRubrics(ctx, tx, params.RubricUsage)
	if err != nil {
		return nil, err
	}

	computed, err := checkRubricUsage(task.Question, params.RubricUsage, rubrics, params.AllowStaleRubric)
	if err != nil {
		s.logger.Info().
			Err(err).
			Str("task_id", task.ID).
			Msg("rubric usage rejected")
		return nil, err
	}
	if !scoreMatches(params.Score, computed) {
		s.logger.Info().
			Str("task_id", task.ID).
			Float64("given", params.Score).
			Float64("computed", computed).
			Msg("submitted score conflicts with rubric total")
		return nil, &ScoreConflictError{Given: params.Score, Computed: computed}
	}

	const selectMaxEditionQuery = `
SELECT COALESCE(MAX(edition), 0)
FROM annotations
WHERE task_id = $1
`
	var maxEdition int
	err = tx.QueryRow(ctx, selectMaxEditionQuery, task.ID).Scan(&maxEdition)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Msg("failed to select max edition")
		return nil, err
	}

	annotationUUID, err := uuid.NewV7()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to generate annotation uuid")
		return nil, err
	}

	annotation := &models.Annotation{
		ID:          annotationUUID.String(),
		TaskID:      task.ID,
		Edition:     maxEdition + 1,
		Score:       params.Score,
		TimeSpentMS: params.TimeSpentMS,
		Author:      params.Claimant,
		ImageRef:    params.ImageRef,
		CreatedAt:   time.Now(),
	}

	const insertAnnotationQuery = `
INSERT INTO annotations (id,
                         task_id,
                         edition,
                         score,
                         time_spent_ms,
                         author,
                         image_ref,
                         created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err = tx.Exec(
		ctx,
		insertAnnotationQuery,
		annotation.ID,
		annotation.TaskID,
		annotation.Edition,
		annotation.Score,
		annotation.TimeSpentMS,
		annotation.Author,
		annotation.ImageRef,
		annotation.CreatedAt,
	)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Msg("failed to insert annotation")
		return nil, err
	}

	const linkRubricQuery = `
INSERT INTO annotation_rubrics (annotation_id, rubric_id, rubric_revision)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING
`
	for _, u := range params.RubricUsage {
		_, err = tx.Exec(ctx, linkRubricQuery, annotation.ID, u.RubricID, u.Revision)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("annotation_id", annotation.ID).
				Int64("rubric_id", u.RubricID).
				Msg("failed to link rubric usage")
			return nil, err
		}
	}

	const completeTaskQuery = `
UPDATE tasks
SET status = $1,
    latest_annotation_id = $2
WHERE id = $3
`
	_, err = tx.Exec(ctx, completeTaskQuery, models.StatusComplete, annotation.ID, task.ID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Msg("failed to complete task")
		return nil, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to commit transaction")
		return nil, err
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("code", task.Code).
		Str("author", annotation.Author).
		Int("edition", annotation.Edition).
		Float64("score", annotation.Score).
		Msg("recorded annotation")
	return annotation, nil
}

func (s *annotationServiceImpl) fetchRubrics(ctx context.Context, tx pgx.Tx, usage []models.RubricUsage) (map[rubricKey]models.Rubric, error) {
	const selectRubricQuery = `
SELECT id, revision, question, value, published, latest, text
FROM rubrics
WHERE id = $1 AND revision = $2
`
	rubrics := make(map[rubricKey]models.Rubric, len(usage))
	for _, u := range usage {
		key := rubricKey{ID: u.RubricID, Revision: u.Revision}
		if _, ok := rubrics[key]; ok {
			continue
		}

		var rubric models.Rubric
		err := tx.QueryRow(ctx, selectRubricQuery, u.RubricID, u.Revision).Scan(
			&rubric.ID,
			&rubric.Revision,
			&rubric.Question,
			&rubric.Value,
			&rubric.Published,
			&rubric.Latest,
			&rubric.Text,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Absent rows are reported by checkRubricUsage as
				// ErrMissingRubric with the offending key.
				continue
			}

			s.logger.Error().
				Err(err).
				Int64("rubric_id", u.RubricID).
				Int("revision", u.Revision).
				Msg("failed to select rubric")
			return nil, err
		}
		rubrics[key] = rubric
	}
	return rubrics, nil
}

const selectAnnotationColumns = `id,
       task_id,
       edition,
       score,
       time_spent_ms,
       author,
       image_ref,
       created_at`

func scanAnnotation(row pgx.Row) (*models.Annotation, error) {
	annotation := new(models.Annotation)
	err := row.Scan(
		&annotation.ID,
		&annotation.TaskID,
		&annotation.Edition,
		&annotation.Score,
		&annotation.TimeSpentMS,
		&annotation.Author,
		&annotation.ImageRef,
		&annotation.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return annotation, nil
}

func (s *annotationServiceImpl) GetLatest(ctx context.Context, taskID string) (*models.Annotation, error) {
	const selectLatestQuery = `
SELECT ` + selectAnnotationColumns + `,
       COALESCE((SELECT latest_annotation_id::text FROM tasks WHERE id = $1), '')
FROM annotations
WHERE task_id = $1
ORDER BY edition DESC
LIMIT 1
`
	annotation := new(models.Annotation)
	var latestPointer string
	err := s.pgPool.QueryRow(ctx, selectLatestQuery, taskID).Scan(
		&annotation.ID,
		&annotation.TaskID,
		&annotation.Edition,
		&annotation.Score,
		&annotation.TimeSpentMS,
		&annotation.Author,
		&annotation.ImageRef,
		&annotation.CreatedAt,
		&latestPointer,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Info().
				Str("task_id", taskID).
				Msg("no annotations for task")
			return nil, ErrAnnotationNotFound
		}

		s.logger.Error().
			Err(err).
			Str("task_id", taskID).
			Msg("failed to select latest annotation")
		return nil, err
	}

	if latestPointer != annotation.ID {
		// The pointer and the max-edition row must agree; disagreement
		// means a bug elsewhere, not a recoverable condition.
		s.logger.Error().
			Str("task_id", taskID).
			Str("latest_pointer", latestPointer).
			Str("max_edition_id", annotation.ID).
			Int("edition", annotation.Edition).
			Msg("latest-annotation pointer disagrees with max edition")
		return nil, ErrIntegrityAnomaly
	}

	s.logger.Debug().
		Str("task_id", taskID).
		Int("edition", annotation.Edition).
		Msg("selected latest annotation")
	return annotation, nil
}

func (s *annotationServiceImpl) GetByEdition(ctx context.Context, taskID string, edition int) (*models.Annotation, error) {
	const selectByEditionQuery = `
SELECT ` + selectAnnotationColumns + `
FROM annotations
WHERE task_id = $1 AND edition = $2
`
	annotation, err := scanAnnotation(s.pgPool.QueryRow(ctx, selectByEditionQuery, taskID, edition))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Info().
				Str("task_id", taskID).
				Int("edition", edition).
				Msg("annotation not found")
			return nil, ErrAnnotationNotFound
		}

		s.logger.Error().
			Err(err).
			Str("task_id", taskID).
			Int("edition", edition).
			Msg("failed to select annotation")
		return nil, err
	}
	return annotation, nil
}
