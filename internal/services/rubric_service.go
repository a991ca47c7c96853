package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

type rubricServiceImpl struct {
	logger zerolog.Logger
	pgPool PostgresPool
}

func NewRubricService(
	logger zerolog.Logger,
	pgPool PostgresPool,
) RubricService {
	return &rubricServiceImpl{
		logger: logger,
		pgPool: pgPool,
	}
}

func (s *rubricServiceImpl) ListByQuestion(ctx context.Context, question int) ([]*models.Rubric, error) {
	const selectRubricsQuery = `
SELECT id, revision, question, value, published, latest, text
FROM rubrics
WHERE question = $1
ORDER BY id, revision
`
	rows, err := s.pgPool.Query(ctx, selectRubricsQuery, question)
	if err != nil {
		s.logger.Error().
			Err(err).
			Int("question", question).
			Msg("failed to select rubrics")
		return nil, err
	}
	defer rows.Close()

	var rubrics []*models.Rubric
	for rows.Next() {
		rubric := new(models.Rubric)
		err = rows.Scan(
			&rubric.ID,
			&rubric.Revision,
			&rubric.Question,
			&rubric.Value,
			&rubric.Published,
			&rubric.Latest,
			&rubric.Text,
		)
		if err != nil {
			s.logger.Error().
				Err(err).
				Msg("failed to scan rubric")
			return nil, err
		}
		rubrics = append(rubrics, rubric)
	}

	err = rows.Err()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to iterate over rows")
		return nil, err
	}

	s.logger.Debug().
		Int("question", question).
		Int("count", len(rubrics)).
		Msg("selected rubrics")
	return rubrics, nil
}
