package services

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

type sessionServiceImpl struct {
	logger zerolog.Logger
	pgPool PostgresPool
}

func NewSessionService(
	logger zerolog.Logger,
	pgPool PostgresPool,
) SessionService {
	return &sessionServiceImpl{
		logger: logger,
		pgPool: pgPool,
	}
}

func (s *sessionServiceImpl) GetReviewer(ctx context.Context, sessionID string) (*models.Reviewer, error) {
	const selectSessionReviewerQuery = `
SELECT r.id, r.username, r.role, r.created_at
FROM reviewers r
         JOIN sessions s ON s.reviewer_id = r.id
WHERE s.id = $1
`
	reviewer := new(models.Reviewer)
	err := s.pgPool.QueryRow(ctx, selectSessionReviewerQuery, sessionID).Scan(
		&reviewer.ID,
		&reviewer.Username,
		&reviewer.Role,
		&reviewer.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn().
				Str("session_id", sessionID).
				Msg("session not found")
			return nil, ErrSessionNotFound
		}

		s.logger.Error().
			Err(err).
			Str("session_id", sessionID).
			Msg("failed to select session reviewer")
		return nil, err
	}
	return reviewer, nil
}
