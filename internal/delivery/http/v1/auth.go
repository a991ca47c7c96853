package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/plomgrading/plom-sub001/internal/services"
)

type credentialsRequest struct {
	Username string `json:"username" binding:"required,max=255"`
	Password string `json:"password" binding:"required,min=8"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type loginResponse struct {
	Username              string    `json:"username"`
	Role                  string    `json:"role"`
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

func newLoginResponse(result *services.LoginResult) loginResponse {
	return loginResponse{
		Username:              result.Username,
		Role:                  result.Role,
		AccessToken:           result.AccessToken,
		AccessTokenExpiresAt:  result.AccessTokenExpiresAt,
		RefreshToken:          result.RefreshToken,
		RefreshTokenExpiresAt: result.RefreshTokenExpiresAt,
	}
}

func (h *handlerImpl) HandleRegister(c *gin.Context) {
	var req credentialsRequest
	err := c.ShouldBindJSON(&req)
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to bind json")
		abort(c, newBadRequestError("invalid request body"))
		return
	}

	result, err := h.auth.Register(c, services.LoginParams{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, services.ErrUserAlreadyExists) {
			abort(c, newConflictError("username is taken"))
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusCreated, newLoginResponse(result))
}

func (h *handlerImpl) HandleLogin(c *gin.Context) {
	var req credentialsRequest
	err := c.ShouldBindJSON(&req)
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to bind json")
		abort(c, newBadRequestError("invalid request body"))
		return
	}

	result, err := h.auth.Login(c, services.LoginParams{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) ||
			errors.Is(err, services.ErrUserPasswordMismatch) {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, newLoginResponse(result))
}

func (h *handlerImpl) HandleRefresh(c *gin.Context) {
	var req refreshRequest
	err := c.ShouldBindJSON(&req)
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to bind json")
		abort(c, newBadRequestError("invalid request body"))
		return
	}

	result, err := h.auth.Refresh(c, services.RefreshParams{RefreshToken: req.RefreshToken})
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) ||
			errors.Is(err, services.ErrSessionExpired) {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, newLoginResponse(result))
}

func (h *handlerImpl) HandleLogout(c *gin.Context) {
	reviewerID := c.GetString(reviewerIDCtxKey)
	if reviewerID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	err := h.auth.Logout(c, reviewerID)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}
