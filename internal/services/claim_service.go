package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

type claimServiceImpl struct {
	logger zerolog.Logger
	pgPool PostgresPool
}

func NewClaimService(
	logger zerolog.Logger,
	pgPool PostgresPool,
) ClaimService {
	return &claimServiceImpl{
		logger: logger,
		pgPool: pgPool,
	}
}

type taskCandidate struct {
	task models.Task
	tags []string
}

// earmarkedForOther reports whether the candidate carries an earmark
// reserving it for somebody other than reviewer, without that earmark being
// explicitly asked for.
func earmarkedForOther(c taskCandidate, reviewer string, preferredTags []string) bool {
	for _, text := range c.tags {
		owner := models.EarmarkReviewer(text)
		if owner == "" || owner == reviewer {
			continue
		}
		asked := false
		for _, preferred := range preferredTags {
			if preferred == text {
				asked = true
				break
			}
		}
		if !asked {
			return true
		}
	}
	return false
}

func carriesAnyTag(c taskCandidate, wanted []string) bool {
	for _, text := range c.tags {
		for _, w := range wanted {
			if text == w {
				return true
			}
		}
	}
	return false
}

// pickBestTask applies the earmark exclusion, the soft tag preference and
// the (priority desc, paper asc, question asc) ordering to a candidate
// snapshot. Pure so the selection rules are testable without a store.
func pickBestTask(candidates []taskCandidate, reviewer string, preferredTags []string) *taskCandidate {
	eligible := make([]taskCandidate, 0, len(candidates))
	for _, c := range candidates {
		if earmarkedForOther(c, reviewer, preferredTags) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return nil
	}

	pool := eligible
	if len(preferredTags) > 0 {
		preferred := make([]taskCandidate, 0, len(eligible))
		for _, c := range eligible {
			if carriesAnyTag(c, preferredTags) {
				preferred = append(preferred, c)
			}
		}
		// Tags are a soft preference: fall back when nothing carries one.
		if len(preferred) > 0 {
			pool = preferred
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i].task, pool[j].task
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Paper != b.Paper {
			return a.Paper < b.Paper
		}
		return a.Question < b.Question
	})
	return &pool[0]
}

func (s *claimServiceImpl) Probe(ctx context.Context, params ProbeParams) (*ProbeResult, error) {
	const selectCandidatesQuery = `
SELECT t.id,
       t.code,
       t.paper,
       t.question,
       t.version,
       t.status,
       t.assigned_to,
       t.priority,
       t.priority_modified,
       COALESCE(t.latest_annotation_id::text, ''),
       t.created_at,
       t.retired_at,
       COALESCE(array_agg(g.text) FILTER (WHERE g.text IS NOT NULL), '{}')
FROM tasks t
         LEFT JOIN task_tags tt ON tt.task_id = t.id
         LEFT JOIN tags g ON g.id = tt.tag_id
WHERE t.status = $1
  AND ($2::int IS NULL OR t.question = $2)
  AND ($3::int IS NULL OR t.version = $3)
  AND ($4::int IS NULL OR t.paper >= $4)
  AND ($5::int IS NULL OR t.paper <= $5)
GROUP BY t.id
`
	rows, err := s.pgPool.Query(
		ctx,
		selectCandidatesQuery,
		models.StatusToDo,
		params.Question,
		params.Version,
		params.MinPaper,
		params.MaxPaper,
	)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to select claim candidates")
		return nil, err
	}
	defer rows.Close()

	var candidates []taskCandidate
	for rows.Next() {
		var c taskCandidate
		err = rows.Scan(
			&c.task.ID,
			&c.task.Code,
			&c.task.Paper,
			&c.task.Question,
			&c.task.Version,
			&c.task.Status,
			&c.task.AssignedTo,
			&c.task.Priority,
			&c.task.PriorityModified,
			&c.task.LatestAnnotationID,
			&c.task.CreatedAt,
			&c.task.RetiredAt,
			&c.tags,
		)
		if err != nil {
			s.logger.Error().
				Err(err).
				Msg("failed to scan claim candidate")
			return nil, err
		}
		candidates = append(candidates, c)
	}

	err = rows.Err()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to iterate over rows")
		return nil, err
	}

	best := pickBestTask(candidates, params.Reviewer, params.PreferredTags)
	if best == nil {
		s.logger.Info().
			Str("reviewer", params.Reviewer).
			Msg("no tasks available")
		return nil, ErrNoTasksAvailable
	}

	s.logger.Debug().
		Str("reviewer", params.Reviewer).
		Str("code", best.task.Code).
		Float64("priority", best.task.Priority).
		Msg("probed next task")
	return &ProbeResult{Task: &best.task, Tags: best.tags}, nil
}

func (s *claimServiceImpl) Claim(ctx context.Context, taskID, reviewer string) (*models.Task, error) {
	tx, err := s.pgPool.Begin(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to begin transaction")
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const selectTaskForUpdateQuery = `
SELECT ` + selectTaskColumns + `
FROM tasks
WHERE id = $1
FOR UPDATE
`
	task, err := scanTask(tx.QueryRow(ctx, selectTaskForUpdateQuery, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Info().
				Str("task_id", taskID).
				Msg("task not found")
			return nil, ErrTaskNotFound
		}

		s.logger.Error().
			Err(err).
			Str("task_id", taskID).
			Msg("failed to lock task")
		return nil, err
	}

	if task.Status != models.StatusToDo || (task.AssignedTo != "" && task.AssignedTo != reviewer) {
		// Frequent under contention, not worth an error-level log.
		s.logger.Info().
			Str("task_id", taskID).
			Str("status", task.Status).
			Str("held_by", task.AssignedTo).
			Str("reviewer", reviewer).
			Msg("task not claimable")
		return nil, &ClaimConflictError{Code: task.Code, HeldBy: task.AssignedTo}
	}

	const claimTaskQuery = `
UPDATE tasks
SET status = $1,
    assigned_to = $2
WHERE id = $3
`
	_, err = tx.Exec(ctx, claimTaskQuery, models.StatusOut, reviewer, taskID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", taskID).
			Msg("failed to claim task")
		return nil, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to commit transaction")
		return nil, err
	}

	task.Status = models.StatusOut
	task.AssignedTo = reviewer
	s.logger.Info().
		Str("task_id", taskID).
		Str("code", task.Code).
		Str("reviewer", reviewer).
		Msg("claimed task")
	return task, nil
}

func (s *claimServiceImpl) Surrender(ctx context.Context, taskID, reviewer string) error {
	const surrenderTaskQuery = `
UPDATE tasks
SET status = $1,
    assigned_to = ''
WHERE id = $2 AND status = $3 AND assigned_to = $4
`
	tag, err := s.pgPool.Exec(
		ctx,
		surrenderTaskQuery,
		models.StatusToDo,
		taskID,
		models.StatusOut,
		reviewer,
	)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", taskID).
			Msg("failed to surrender task")
		return err
	}
	if tag.RowsAffected() == 0 {
		s.logger.Info().
			Str("task_id", taskID).
			Str("reviewer", reviewer).
			Msg("task not held by reviewer")
		return ErrTaskNotClaimable
	}

	s.logger.Info().
		Str("task_id", taskID).
		Str("reviewer", reviewer).
		Msg("surrendered task")
	return nil
}

func (s *claimServiceImpl) SurrenderAll(ctx context.Context, reviewer string) (int64, error) {
	const surrenderAllQuery = `
UPDATE tasks
SET status = $1,
    assigned_to = ''
WHERE status = $2 AND assigned_to = $3
`
	tag, err := s.pgPool.Exec(
		ctx,
		surrenderAllQuery,
		models.StatusToDo,
		models.StatusOut,
		reviewer,
	)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("reviewer", reviewer).
			Msg("failed to surrender all tasks")
		return 0, err
	}

	s.logger.Info().
		Str("reviewer", reviewer).
		Int64("released", tag.RowsAffected()).
		Msg("surrendered all tasks")
	return tag.RowsAffected(), nil
}

func (s *claimServiceImpl) Reassign(ctx context.Context, params ReassignParams) (*models.Task, error) {
	if params.CallerRole != models.RoleLead {
		s.logger.Error().
			Str("caller", params.Caller).
			Str("role", params.CallerRole).
			Msg("reassign refused for non-lead caller")
		return nil, ErrNotPermitted
	}

	tx, err := s.pgPool.Begin(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to begin transaction")
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const selectTaskForUpdateQuery = `
SELECT ` + selectTaskColumns + `
FROM tasks
WHERE id = $1
FOR UPDATE
`
	task, err := scanTask(tx.QueryRow(ctx, selectTaskForUpdateQuery, params.TaskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Info().
				Str("task_id", params.TaskID).
				Msg("task not found")
			return nil, ErrTaskNotFound
		}

		s.logger.Error().
			Err(err).
			Str("task_id", params.TaskID).
			Msg("failed to lock task")
		return nil, err
	}

	if task.Status == models.StatusComplete {
		// Only the assignment moves; the annotation stays.
		const reassignCompleteQuery = `
UPDATE tasks
SET assigned_to = $1
WHERE id = $2
`
		_, err = tx.Exec(ctx, reassignCompleteQuery, params.NewReviewer, task.ID)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("task_id", task.ID).
				Msg("failed to reassign complete task")
			return nil, err
		}
		task.AssignedTo = params.NewReviewer
	} else {
		const resetTaskQuery = `
UPDATE tasks
SET status = $1,
    assigned_to = ''
WHERE id = $2
`
		_, err = tx.Exec(ctx, resetTaskQuery, models.StatusToDo, task.ID)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("task_id", task.ID).
				Msg("failed to reset task")
			return nil, err
		}
		task.Status = models.StatusToDo
		task.AssignedTo = ""

		if params.UnassignOthers {
			const stripEarmarksQuery = `
DELETE
FROM task_tags
WHERE task_id = $1
  AND tag_id IN (SELECT id FROM tags WHERE text LIKE '@%' AND text <> $2)
`
			_, err = tx.Exec(ctx, stripEarmarksQuery, task.ID, models.EarmarkFor(params.NewReviewer))
			if err != nil {
				s.logger.Error().
					Err(err).
					Str("task_id", task.ID).
					Msg("failed to strip earmarks")
				return nil, err
			}
		}

		err = attachEarmarkInTx(ctx, tx, task.ID, params.NewReviewer)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("task_id", task.ID).
				Str("reviewer", params.NewReviewer).
				Msg("failed to attach earmark")
			return nil, err
		}
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
		Str("new_reviewer", params.NewReviewer).
		Str("caller", params.Caller).
		Msg("reassigned task")
	return task, nil
}

// attachEarmarkInTx creates @reviewer if needed and links it to the task,
// inside the caller's transaction.
func attachEarmarkInTx(ctx context.Context, tx pgx.Tx, taskID, reviewer string) error {
	tagUUID, err := uuid.NewV7()
	if err != nil {
		return err
	}

	const upsertTagQuery = `
INSERT INTO tags (id, text, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (text) DO UPDATE SET text = EXCLUDED.text
RETURNING id
`
	var tagID string
	err = tx.QueryRow(
		ctx,
		upsertTagQuery,
		tagUUID.String(),
		models.EarmarkFor(reviewer),
		time.Now(),
	).Scan(&tagID)
	if err != nil {
		return err
	}

	const linkTagQuery = `
INSERT INTO task_tags (task_id, tag_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`
	_, err = tx.Exec(ctx, linkTagQuery, taskID, tagID)
	return err
}
