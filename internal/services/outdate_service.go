package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

type outdateServiceImpl struct {
	logger   zerolog.Logger
	pgPool   PostgresPool
	gradable GradableChecker
}

func NewOutdateService(
	logger zerolog.Logger,
	pgPool PostgresPool,
	gradable GradableChecker,
) OutdateService {
	return &outdateServiceImpl{
		logger:   logger,
		pgPool:   pgPool,
		gradable: gradable,
	}
}

func (s *outdateServiceImpl) SetOutdated(ctx context.Context, paper, question int) (*OutdateResult, error) {
	tx, err := s.pgPool.Begin(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to begin transaction")
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const selectCurrentForUpdateQuery = `
SELECT ` + selectTaskColumns + `
FROM tasks
WHERE paper = $1 AND question = $2 AND status <> $3
FOR UPDATE
`
	rows, err := tx.Query(ctx, selectCurrentForUpdateQuery, paper, question, models.StatusOutOfDate)
	if err != nil {
		s.logger.Error().
			Err(err).
			Int("paper", paper).
			Int("question", question).
			Msg("failed to lock current tasks")
		return nil, err
	}

	var current []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			s.logger.Error().
				Err(err).
				Msg("failed to scan task")
			return nil, err
		}
		current = append(current, task)
	}
	rows.Close()
	err = rows.Err()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to iterate over rows")
		return nil, err
	}

	if len(current) > 1 {
		// The one-current-task invariant is broken; refuse to touch
		// anything and make noise.
		s.logger.Error().
			Int("paper", paper).
			Int("question", question).
			Int("current_tasks", len(current)).
			Msg("more than one current task for pair")
		return nil, ErrIntegrityAnomaly
	}

	result := new(OutdateResult)
	if len(current) == 0 {
		const countPairTasksQuery = `
SELECT COUNT(*)
FROM tasks
WHERE paper = $1 AND question = $2
`
		var known int
		err = tx.QueryRow(ctx, countPairTasksQuery, paper, question).Scan(&known)
		if err != nil {
			s.logger.Error().
				Err(err).
				Msg("failed to count pair tasks")
			return nil, err
		}
		if known == 0 {
			s.logger.Info().
				Int("paper", paper).
				Int("question", question).
				Msg("no task known for pair")
			return nil, ErrNoSuchPaper
		}
		// Already fully outdated; nothing to retire.
	} else {
		task := current[0]
		now := time.Now()
		const retireTaskQuery = `
UPDATE tasks
SET status = $1,
    assigned_to = '',
    retired_at = $2
WHERE id = $3
`
		_, err = tx.Exec(ctx, retireTaskQuery, models.StatusOutOfDate, now, task.ID)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("task_id", task.ID).
				Msg("failed to retire task")
			return nil, err
		}
		task.Status = models.StatusOutOfDate
		task.AssignedTo = ""
		task.RetiredAt = &now
		result.Retired = task
		s.logger.Debug().
			Str("task_id", task.ID).
			Str("code", task.Code).
			Msg("retired task")
	}

	version, gradable, err := s.gradable(ctx, paper, question)
	if err != nil {
		s.logger.Error().
			Err(err).
			Int("paper", paper).
			Int("question", question).
			Msg("readiness check failed")
		return nil, err
	}
	if gradable {
		created, err := createTaskInTx(ctx, tx, s.logger, CreateTaskParams{
			Paper:    paper,
			Question: question,
			Version:  version,
			CopyTags: true,
		})
		if err != nil {
			return nil, err
		}
		result.Replaced = created.Created
	}

	err = tx.Commit(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to commit transaction")
		return nil, err
	}

	s.logger.Info().
		Int("paper", paper).
		Int("question", question).
		Bool("retired", result.Retired != nil).
		Bool("replaced", result.Replaced != nil).
		Msg("outdated pair")
	return result, nil
}
