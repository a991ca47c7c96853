package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

type tagServiceImpl struct {
	logger zerolog.Logger
	pgPool PostgresPool
}

func NewTagService(
	logger zerolog.Logger,
	pgPool PostgresPool,
) TagService {
	return &tagServiceImpl{
		logger: logger,
		pgPool: pgPool,
	}
}

func (s *tagServiceImpl) CreateOrGet(ctx context.Context, text string) (*models.Tag, error) {
	if !models.ValidTagText(text) {
		s.logger.Error().
			Str("text", text).
			Msg("invalid tag text")
		return nil, ErrInvalidTagText
	}

	tagUUID, err := uuid.NewV7()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to generate tag uuid")
		return nil, err
	}

	tag := &models.Tag{
		ID:        tagUUID.String(),
		Text:      text,
		CreatedAt: time.Now(),
	}

	const insertTagQuery = `
INSERT INTO tags (id, text, created_at)
VALUES ($1, $2, $3)
`
	_, err = s.pgPool.Exec(ctx, insertTagQuery, tag.ID, tag.Text, tag.CreatedAt)
	if err == nil {
		s.logger.Info().
			Str("tag_id", tag.ID).
			Str("text", tag.Text).
			Msg("created tag")
		return tag, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		s.logger.Error().
			Err(err).
			Str("text", text).
			Msg("failed to insert tag")
		return nil, err
	}

	// Lost the insert race or the tag already existed; either way the
	// existing row wins.
	existing, err := s.getByText(ctx, text)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("tag_id", existing.ID).
		Str("text", existing.Text).
		Msg("returning existing tag")
	return existing, nil
}

func (s *tagServiceImpl) getByText(ctx context.Context, text string) (*models.Tag, error) {
	const selectTagByTextQuery = `
SELECT id, text, created_at
FROM tags
WHERE text = $1
`
	tag := new(models.Tag)
	err := s.pgPool.QueryRow(ctx, selectTagByTextQuery, text).Scan(
		&tag.ID,
		&tag.Text,
		&tag.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSuchTag
		}

		s.logger.Error().
			Err(err).
			Str("text", text).
			Msg("failed to select tag by text")
		return nil, err
	}
	return tag, nil
}

func (s *tagServiceImpl) Attach(ctx context.Context, taskID, text string) error {
	tag, err := s.getByText(ctx, text)
	if err != nil {
		if errors.Is(err, ErrNoSuchTag) {
			s.logger.Info().
				Str("text", text).
				Msg("no such tag")
		}
		return err
	}

	const linkTagQuery = `
INSERT INTO task_tags (task_id, tag_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`
	_, err = s.pgPool.Exec(ctx, linkTagQuery, taskID, tag.ID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", taskID).
			Str("tag_id", tag.ID).
			Msg("failed to attach tag")
		return err
	}

	s.logger.Info().
		Str("task_id", taskID).
		Str("text", text).
		Msg("attached tag")
	return nil
}

func (s *tagServiceImpl) Detach(ctx context.Context, taskID, text string) error {
	tag, err := s.getByText(ctx, text)
	if err != nil {
		if errors.Is(err, ErrNoSuchTag) {
			s.logger.Info().
				Str("text", text).
				Msg("no such tag")
		}
		return err
	}

	const unlinkTagQuery = `
DELETE
FROM task_tags
WHERE task_id = $1 AND tag_id = $2
`
	cmdTag, err := s.pgPool.Exec(ctx, unlinkTagQuery, taskID, tag.ID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", taskID).
			Str("tag_id", tag.ID).
			Msg("failed to detach tag")
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		s.logger.Info().
			Str("task_id", taskID).
			Str("text", text).
			Msg("task does not carry tag")
		return ErrNotTagged
	}

	s.logger.Info().
		Str("task_id", taskID).
		Str("text", text).
		Msg("detached tag")
	return nil
}

func (s *tagServiceImpl) TagsOfTask(ctx context.Context, taskID string) ([]*models.Tag, error) {
	const selectTaskTagsQuery = `
SELECT g.id, g.text, g.created_at
FROM tags g
         JOIN task_tags tt ON tt.tag_id = g.id
WHERE tt.task_id = $1
ORDER BY g.text
`
	rows, err := s.pgPool.Query(ctx, selectTaskTagsQuery, taskID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", taskID).
			Msg("failed to select task tags")
		return nil, err
	}
	defer rows.Close()

	var tags []*models.Tag
	for rows.Next() {
		tag := new(models.Tag)
		err = rows.Scan(&tag.ID, &tag.Text, &tag.CreatedAt)
		if err != nil {
			s.logger.Error().
				Err(err).
				Msg("failed to scan tag")
			return nil, err
		}
		tags = append(tags, tag)
	}

	err = rows.Err()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to iterate over rows")
		return nil, err
	}
	return tags, nil
}
