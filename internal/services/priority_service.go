package services

import (
	"context"
	"math/rand"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

type priorityServiceImpl struct {
	logger zerolog.Logger
	pgPool PostgresPool

	// rngMu guards rng; *rand.Rand is not safe for concurrent use.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewPriorityService builds the engine with an injected random source so the
// shuffle strategy is deterministic under test.
func NewPriorityService(
	logger zerolog.Logger,
	pgPool PostgresPool,
	rng *rand.Rand,
) PriorityService {
	return &priorityServiceImpl{
		logger: logger,
		pgPool: pgPool,
		rng:    rng,
	}
}

// paperNumberPriority prefers lower paper numbers, clamped at zero.
func paperNumberPriority(largestPaper, paper int) float64 {
	p := largestPaper - paper
	if p < 0 {
		p = 0
	}
	return float64(p)
}

func (s *priorityServiceImpl) shufflePriority() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() * PriorityBound
}

func (s *priorityServiceImpl) Recompute(ctx context.Context, strategy string) (int64, error) {
	switch strategy {
	case StrategyShuffle:
		return s.recomputeShuffle(ctx)
	case StrategyPaperNumber:
		return s.recomputePaperNumber(ctx)
	default:
		s.logger.Error().
			Str("strategy", strategy).
			Msg("unknown priority strategy")
		return 0, ErrUnknownStrategy
	}
}

func (s *priorityServiceImpl) recomputePaperNumber(ctx context.Context) (int64, error) {
	// One set-based statement so the lock on the to_do rows is short-lived.
	const recomputePaperNumberQuery = `
UPDATE tasks
SET priority = GREATEST(0, (SELECT COALESCE(MAX(paper), 0) FROM tasks) - paper),
    priority_modified = FALSE
WHERE status = $1
`
	tag, err := s.pgPool.Exec(ctx, recomputePaperNumberQuery, models.StatusToDo)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to recompute paper_number priorities")
		return 0, err
	}

	s.logger.Info().
		Int64("updated", tag.RowsAffected()).
		Str("strategy", StrategyPaperNumber).
		Msg("recomputed priorities")
	return tag.RowsAffected(), nil
}

func (s *priorityServiceImpl) recomputeShuffle(ctx context.Context) (int64, error) {
	const selectToDoIDsQuery = `
SELECT id
FROM tasks
WHERE status = $1
`
	rows, err := s.pgPool.Query(ctx, selectToDoIDsQuery, models.StatusToDo)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to select to_do tasks")
		return 0, err
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to collect task ids")
		return 0, err
	}
	if len(ids) == 0 {
		s.logger.Info().Msg("no to_do tasks to shuffle")
		return 0, nil
	}

	// Batched rather than row-at-a-time round trips; a task claimed between
	// the select and the batch simply keeps the freshly drawn value, which
	// is harmless.
	const updatePriorityQuery = `
UPDATE tasks
SET priority = $1,
    priority_modified = FALSE
WHERE id = $2 AND status = $3
`
	batch := new(pgx.Batch)
	for _, id := range ids {
		batch.Queue(updatePriorityQuery, s.shufflePriority(), id, models.StatusToDo)
	}

	var updated int64
	results := s.pgPool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range ids {
		tag, err := results.Exec()
		if err != nil {
			s.logger.Error().
				Err(err).
				Msg("failed to execute shuffle batch")
			return updated, err
		}
		updated += tag.RowsAffected()
	}

	s.logger.Info().
		Int64("updated", updated).
		Str("strategy", StrategyShuffle).
		Msg("recomputed priorities")
	return updated, nil
}

func (s *priorityServiceImpl) RecomputeCustom(ctx context.Context, priorities map[PaperQuestion]float64) (int64, error) {
	if len(priorities) == 0 {
		s.logger.Info().Msg("empty custom priority mapping")
		return 0, nil
	}

	// Named pairs always apply, even over a manual override; unnamed tasks
	// keep their prior priority by construction.
	const updateCustomPriorityQuery = `
UPDATE tasks
SET priority = $1,
    priority_modified = FALSE
WHERE paper = $2 AND question = $3 AND status = $4
`
	batch := new(pgx.Batch)
	for pair, priority := range priorities {
		batch.Queue(updateCustomPriorityQuery, priority, pair.Paper, pair.Question, models.StatusToDo)
	}

	var updated int64
	results := s.pgPool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range priorities {
		tag, err := results.Exec()
		if err != nil {
			s.logger.Error().
				Err(err).
				Msg("failed to execute custom priority batch")
			return updated, err
		}
		updated += tag.RowsAffected()
	}

	s.logger.Info().
		Int64("updated", updated).
		Str("strategy", StrategyCustom).
		Msg("recomputed priorities")
	return updated, nil
}

func (s *priorityServiceImpl) SetPriority(ctx context.Context, taskID string, priority float64) error {
	const overridePriorityQuery = `
UPDATE tasks
SET priority = $1,
    priority_modified = TRUE
WHERE id = $2
`
	tag, err := s.pgPool.Exec(ctx, overridePriorityQuery, priority, taskID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", taskID).
			Msg("failed to override priority")
		return err
	}
	if tag.RowsAffected() == 0 {
		s.logger.Error().
			Str("task_id", taskID).
			Msg("task not found")
		return ErrTaskNotFound
	}

	s.logger.Info().
		Str("task_id", taskID).
		Float64("priority", priority).
		Msg("overrode task priority")
	return nil
}
