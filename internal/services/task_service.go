package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

type taskServiceImpl struct {
	logger zerolog.Logger
	pgPool PostgresPool
}

func NewTaskService(
	logger zerolog.Logger,
	pgPool PostgresPool,
) TaskService {
	return &taskServiceImpl{
		logger: logger,
		pgPool: pgPool,
	}
}

const selectTaskColumns = `id,
       code,
       paper,
       question,
       version,
       status,
       assigned_to,
       priority,
       priority_modified,
       COALESCE(latest_annotation_id::text, ''),
       created_at,
       retired_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	task := new(models.Task)
	err := row.Scan(
		&task.ID,
		&task.Code,
		&task.Paper,
		&task.Question,
		&task.Version,
		&task.Status,
		&task.AssignedTo,
		&task.Priority,
		&task.PriorityModified,
		&task.LatestAnnotationID,
		&task.CreatedAt,
		&task.RetiredAt,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *taskServiceImpl) Create(ctx context.Context, params CreateTaskParams) (*CreateTaskResult, error) {
	if params.Question <= 0 {
		s.logger.Error().
			Int("question", params.Question).
			Msg("invalid question index")
		return nil, ErrInvalidQuestionIndex
	}

	tx, err := s.pgPool.Begin(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to begin transaction")
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := createTaskInTx(ctx, tx, s.logger, params)
	if err != nil {
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
		Str("code", result.Created.Code).
		Bool("retired_predecessor", result.Retired != nil).
		Msg("created task")
	return result, nil
}

// createTaskInTx retires the pair's current task (if any) and inserts the
// replacement, holding the row lock for the whole transition. Shared with
// the outdating supervisor so retire-and-replace stays one transaction.
func createTaskInTx(ctx context.Context, tx pgx.Tx, logger zerolog.Logger, params CreateTaskParams) (*CreateTaskResult, error) {
	const selectCurrentForUpdateQuery = `
SELECT ` + selectTaskColumns + `
FROM tasks
WHERE paper = $1 AND question = $2 AND status <> $3
FOR UPDATE
`
	result := new(CreateTaskResult)
	retired, err := scanTask(tx.QueryRow(
		ctx,
		selectCurrentForUpdateQuery,
		params.Paper,
		params.Question,
		models.StatusOutOfDate,
	))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		logger.Error().
			Err(err).
			Int("paper", params.Paper).
			Int("question", params.Question).
			Msg("failed to select current task")
		return nil, err
	}

	now := time.Now()
	if retired != nil {
		const retireTaskQuery = `
UPDATE tasks
SET status = $1,
    assigned_to = '',
    retired_at = $2
WHERE id = $3
`
		_, err = tx.Exec(ctx, retireTaskQuery, models.StatusOutOfDate, now, retired.ID)
		if err != nil {
			logger.Error().
				Err(err).
				Str("task_id", retired.ID).
				Msg("failed to retire task")
			return nil, err
		}
		retired.Status = models.StatusOutOfDate
		retired.AssignedTo = ""
		retired.RetiredAt = &now
		result.Retired = retired
		logger.Debug().
			Str("task_id", retired.ID).
			Msg("retired prior task")
	}

	taskUUID, err := uuid.NewV7()
	if err != nil {
		logger.Error().
			Err(err).
			Msg("failed to generate task uuid")
		return nil, err
	}

	task := &models.Task{
		ID:        taskUUID.String(),
		Code:      models.EncodeTaskCode(params.Paper, params.Question),
		Paper:     params.Paper,
		Question:  params.Question,
		Version:   params.Version,
		Status:    models.StatusToDo,
		CreatedAt: now,
	}

	const insertTaskQuery = `
INSERT INTO tasks (id,
                   code,
                   paper,
                   question,
                   version,
                   status,
                   created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err = tx.Exec(
		ctx,
		insertTaskQuery,
		task.ID,
		task.Code,
		task.Paper,
		task.Question,
		task.Version,
		task.Status,
		task.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// The one-current-task index stopped a concurrent create for
			// the same pair. Expected under contention; the winner's task
			// is the current one.
			logger.Info().
				Str("code", task.Code).
				Msg("lost create race for pair")
			return nil, fmt.Errorf("%w: %s", ErrConcurrentCreate, task.Code)
		}

		logger.Error().
			Err(err).
			Str("code", task.Code).
			Msg("failed to insert task")
		return nil, err
	}
	logger.Debug().
		Str("task_id", task.ID).
		Str("code", task.Code).
		Msg("inserted task")

	if params.CopyTags {
		// Carry tags forward from the most recent retired predecessor, which
		// is the row retired above when one existed.
		const copyTagsQuery = `
INSERT INTO task_tags (task_id, tag_id)
SELECT $1, tag_id
FROM task_tags
WHERE task_id = (SELECT id
                 FROM tasks
                 WHERE paper = $2 AND question = $3 AND status = $4
                 ORDER BY retired_at DESC NULLS LAST, created_at DESC
                 LIMIT 1)
ON CONFLICT DO NOTHING
`
		_, err = tx.Exec(
			ctx,
			copyTagsQuery,
			task.ID,
			params.Paper,
			params.Question,
			models.StatusOutOfDate,
		)
		if err != nil {
			logger.Error().
				Err(err).
				Str("task_id", task.ID).
				Msg("failed to copy forward tags")
			return nil, err
		}
	}

	result.Created = task
	return result, nil
}

func (s *taskServiceImpl) GetCurrent(ctx context.Context, paper, question int, version *int) (*models.Task, error) {
	const selectCurrentTaskQuery = `
SELECT ` + selectTaskColumns + `
FROM tasks
WHERE paper = $1 AND question = $2 AND status <> $3
`
	task, err := scanTask(s.pgPool.QueryRow(
		ctx,
		selectCurrentTaskQuery,
		paper,
		question,
		models.StatusOutOfDate,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Info().
				Int("paper", paper).
				Int("question", question).
				Msg("no current task for pair")
			return nil, ErrTaskNotFound
		}

		s.logger.Error().
			Err(err).
			Int("paper", paper).
			Int("question", question).
			Msg("failed to select current task")
		return nil, err
	}

	if version != nil && task.Version != *version {
		s.logger.Info().
			Str("task_id", task.ID).
			Int("want_version", *version).
			Int("have_version", task.Version).
			Msg("task version mismatch")
		return nil, ErrTaskVersionMismatch
	}
	s.logger.Debug().
		Str("task_id", task.ID).
		Str("code", task.Code).
		Msg("selected current task")
	return task, nil
}

func (s *taskServiceImpl) List(ctx context.Context, params ListTasksParams) ([]*models.Task, error) {
	if params.Limit == 0 {
		params.Limit = 100
	}

	const selectTasksQuery = `
SELECT ` + selectTaskColumns + `
FROM tasks
WHERE ($1 = '' OR status = $1)
  AND ($2 = 0 OR question = $2)
ORDER BY paper ASC, question ASC, created_at DESC
LIMIT $3 OFFSET $4
`
	rows, err := s.pgPool.Query(
		ctx,
		selectTasksQuery,
		params.Status,
		params.Question,
		params.Limit,
		params.Offset,
	)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to select tasks")
		return nil, err
	}
	defer rows.Close()

	tasks := make([]*models.Task, 0, params.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			s.logger.Error().
				Err(err).
				Msg("failed to scan task")
			return nil, err
		}
		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to iterate over rows")
		return nil, err
	}

	s.logger.Debug().
		Int("count", len(tasks)).
		Msg("selected tasks")
	return tasks, nil
}
