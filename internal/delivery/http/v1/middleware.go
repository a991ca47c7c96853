package v1

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/plomgrading/plom-sub001/internal/models"
)

const (
	reviewerCtxKey   = "reviewer"
	reviewerIDCtxKey = "reviewer_id"
	roleCtxKey       = "role"
)

// HandleAuthMiddleware resolves the bearer token to the calling reviewer and
// stores their username and role on the request context.
func (h *handlerImpl) HandleAuthMiddleware(c *gin.Context) {
	const authHeader = "Authorization"
	header := c.GetHeader(authHeader)
	if header == "" {
		h.logger.Error().Msg("authorization header required")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	const bearerPrefix = "Bearer"
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != bearerPrefix {
		h.logger.Error().Msg("invalid authorization header")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	claims, err := h.auth.ParseJWTToken(parts[1])
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to parse token")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	reviewer, err := h.sessions.GetReviewer(c, claims.Subject)
	if err != nil {
		h.logger.Warn().
			Err(err).
			Msg("session does not resolve to a reviewer")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	c.Set(reviewerCtxKey, reviewer.Username)
	c.Set(reviewerIDCtxKey, reviewer.ID)
	c.Set(roleCtxKey, reviewer.Role)
	c.Next()
}

// HandleLeadOnlyMiddleware refuses administrative routes for non-lead
// callers. The authorization policy itself lives outside this service; this
// is only the refusal hook.
func (h *handlerImpl) HandleLeadOnlyMiddleware(c *gin.Context) {
	if role := c.GetString(roleCtxKey); role != models.RoleLead {
		h.logger.Error().
			Str("reviewer", c.GetString(reviewerCtxKey)).
			Str("role", role).
			Msg("administrative route refused")
		abort(c, newForbiddenError("lead role required"))
		return
	}
	c.Next()
}

// callingReviewer returns the authenticated reviewer's username and role.
func callingReviewer(c *gin.Context) (username, role string, ok bool) {
	value, exists := c.Get(reviewerCtxKey)
	if !exists {
		return "", "", false
	}
	username, _ = value.(string)
	return username, c.GetString(roleCtxKey), username != ""
}
