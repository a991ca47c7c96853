package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/models"
)

type authServiceImpl struct {
	logger zerolog.Logger
	pgPool PostgresPool

	jwtIssuer          string
	jwtSigningKey      []byte
	jwtAccessTokenTTL  time.Duration
	jwtRefreshTokenTTL time.Duration
}

func NewAuthService(
	logger zerolog.Logger,
	pgPool PostgresPool,
	jwtIssuer string,
	jwtSigningKey string,
	jwtAccessTokenTTL time.Duration,
	jwtRefreshTokenTTL time.Duration,
) AuthService {
	return &authServiceImpl{
		logger:             logger,
		pgPool:             pgPool,
		jwtIssuer:          jwtIssuer,
		jwtSigningKey:      []byte(jwtSigningKey),
		jwtAccessTokenTTL:  jwtAccessTokenTTL,
		jwtRefreshTokenTTL: jwtRefreshTokenTTL,
	}
}

func (s *authServiceImpl) Register(ctx context.Context, params LoginParams) (*LoginResult, error) {
	passwordHash, err := argon2id.CreateHash(params.Password, argon2id.DefaultParams)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to hash password")
		return nil, err
	}

	reviewerUUID, err := uuid.NewV7()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to generate reviewer uuid")
		return nil, err
	}

	reviewer := models.Reviewer{
		ID:           reviewerUUID.String(),
		Username:     params.Username,
		PasswordHash: passwordHash,
		Role:         models.RoleMarker,
		CreatedAt:    time.Now(),
	}

	const insertReviewerQuery = `
INSERT INTO reviewers (id,
                       username,
                       password_hash,
                       role,
                       created_at)
VALUES ($1, $2, $3, $4, $5)
`
	_, err = s.pgPool.Exec(
		ctx,
		insertReviewerQuery,
		reviewer.ID,
		reviewer.Username,
		reviewer.PasswordHash,
		reviewer.Role,
		reviewer.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			s.logger.Error().
				Str("username", params.Username).
				Msg("reviewer already exists")
			return nil, ErrUserAlreadyExists
		}

		s.logger.Error().
			Err(err).
			Msg("failed to insert reviewer")
		return nil, err
	}
	s.logger.Debug().
		Str("reviewer_id", reviewer.ID).
		Str("username", reviewer.Username).
		Msg("inserted reviewer")

	result, err := s.openSession(ctx, &reviewer)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("reviewer_id", reviewer.ID).
		Str("username", reviewer.Username).
		Msg("registered reviewer")
	return result, nil
}

func (s *authServiceImpl) Login(ctx context.Context, params LoginParams) (*LoginResult, error) {
	const selectReviewerByUsernameQuery = `
SELECT id, username, password_hash, role, created_at
FROM reviewers
WHERE username = $1
`
	reviewer := models.Reviewer{}
	err := s.pgPool.QueryRow(ctx, selectReviewerByUsernameQuery, params.Username).Scan(
		&reviewer.ID,
		&reviewer.Username,
		&reviewer.PasswordHash,
		&reviewer.Role,
		&reviewer.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Error().
				Str("username", params.Username).
				Msg("reviewer not found")
			return nil, ErrUserNotFound
		}

		s.logger.Error().
			Err(err).
			Str("username", params.Username).
			Msg("failed to select reviewer")
		return nil, err
	}

	match, err := argon2id.ComparePasswordAndHash(params.Password, reviewer.PasswordHash)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to compare password")
		return nil, err
	} else if !match {
		s.logger.Error().
			Str("username", params.Username).
			Msg("passwords do not match")
		return nil, ErrUserPasswordMismatch
	}

	result, err := s.openSession(ctx, &reviewer)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("reviewer_id", reviewer.ID).
		Str("username", reviewer.Username).
		Msg("logged in")
	return result, nil
}

// openSession replaces the reviewer's sessions with a fresh one and issues a
// new JWT token pair, in one transaction.
func (s *authServiceImpl) openSession(ctx context.Context, reviewer *models.Reviewer) (*LoginResult, error) {
	tx, err := s.pgPool.Begin(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to begin transaction")
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const deleteSessionsQuery = `
DELETE
FROM sessions
WHERE reviewer_id = $1
`
	_, err = tx.Exec(ctx, deleteSessionsQuery, reviewer.ID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to delete prior sessions")
		return nil, err
	}

	sessionUUID, err := uuid.NewV7()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to generate session uuid")
		return nil, err
	}

	refreshToken, err := generateRefreshToken()
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to generate refresh token")
		return nil, err
	}

	now := time.Now()
	session := models.Session{
		ID:           sessionUUID.String(),
		ReviewerID:   reviewer.ID,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(s.jwtRefreshTokenTTL),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	const insertSessionQuery = `
INSERT INTO sessions (id,
                      reviewer_id,
                      refresh_token,
                      expires_at,
                      created_at,
                      updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err = tx.Exec(
		ctx,
		insertSessionQuery,
		session.ID,
		session.ReviewerID,
		session.RefreshToken,
		session.ExpiresAt,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to insert session")
		return nil, err
	}
	s.logger.Debug().
		Str("session_id", session.ID).
		Msg("inserted session")

	accessToken, accessTokenExpiresAt, err := s.generateAccessToken(session.ID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to generate access token")
		return nil, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("failed to commit transaction")
		return nil, err
	}

	return &LoginResult{
		ReviewerID:            reviewer.ID,
		Username:              reviewer.Username,
		Role:                  reviewer.Role,
		SessionID:             session.ID,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessTokenExpiresAt,
		RefreshToken:          session.RefreshToken,
		RefreshTokenExpiresAt: session.ExpiresAt,
	}, nil
}

func (s *authServiceImpl) Refresh(ctx context.Context, params RefreshParams) (*LoginResult, error) {
	const selectSessionByTokenQuery = `
SELECT s.id, s.reviewer_id, s.expires_at, r.username, r.role
FROM sessions s
         JOIN reviewers r ON r.id = s.reviewer_id
WHERE s.refresh_token = $1
`
	var (
		session  models.Session
		reviewer models.Reviewer
	)
	err := s.pgPool.QueryRow(ctx, selectSessionByTokenQuery, params.RefreshToken).Scan(
		&session.ID,
		&session.ReviewerID,
		&session.ExpiresAt,
		&reviewer.Username,
		&reviewer.Role,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Error().Msg("session not found")
			return nil, ErrSessionNotFound
		}

		s.logger.Error().
			Err(err).
			Msg("failed to select session by refresh token")
		return nil, err
	}
	reviewer.ID = session.ReviewerID

	if time.Now().After(session.ExpiresAt) {
		s.logger.Error().
			Str("session_id", session.ID).
			Msg("session expired")
		return nil, ErrSessionExpired
	}

	result, err := s.openSession(ctx, &reviewer)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("reviewer_id", reviewer.ID).
		Str("session_id", result.SessionID).
		Msg("refreshed session")
	return result, nil
}

func (s *authServiceImpl) Logout(ctx context.Context, reviewerID string) error {
	const deleteSessionsQuery = `
DELETE
FROM sessions
WHERE reviewer_id = $1
`
	tag, err := s.pgPool.Exec(ctx, deleteSessionsQuery, reviewerID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("reviewer_id", reviewerID).
			Msg("failed to delete sessions")
		return err
	}

	s.logger.Info().
		Str("reviewer_id", reviewerID).
		Int64("sessions", tag.RowsAffected()).
		Msg("logged out")
	return nil
}

func (s *authServiceImpl) ParseJWTToken(tokenString string) (*jwt.RegisteredClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		return s.jwtSigningKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return nil, errors.New("failed to parse token claims")
	}
	return claims, nil
}

func (s *authServiceImpl) generateAccessToken(sessionID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.jwtAccessTokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    s.jwtIssuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})

	signed, err := token.SignedString(s.jwtSigningKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func generateRefreshToken() (string, error) {
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
