package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/services"
	"github.com/maartenbreddels/ipywebrtc/pkg/errors"
	"github.com/maartenbreddels/ipywebrtc/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
	accessTTL   time.Duration
}

func NewAuthHandler(authService services.AuthService, accessTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		accessTTL:   accessTTL,
	}
}

// SetupRoutes mounts the token routes. issue guards minting new tokens;
// refresh is open since the refresh token is the credential.
func (h *AuthHandler) SetupRoutes(api gin.IRouter, issue ...gin.HandlerFunc) {
	auth := api.Group("/auth")
	{
		auth.POST("/token", append(issue, h.IssueToken)...)
		auth.POST("/refresh", h.RefreshToken)
	}
}

type IssueTokenRequest struct {
	ClientID string        `json:"client_id" binding:"required,max=128"`
	Role     services.Role `json:"role" binding:"required"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

func validRole(r services.Role) bool {
	switch r {
	case services.RoleViewer, services.RoleFrontend, services.RoleController:
		return true
	}
	return false
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.ClientID = strings.TrimSpace(req.ClientID)
	if err := validation.ValidateStringLength(req.ClientID, 1, 128, "client_id"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if !validRole(req.Role) {
		c.Error(errors.NewInvalidInputError("role must be viewer, frontend or controller"))
		return
	}

	accessToken, err := h.authService.GenerateToken(req.ClientID, req.Role)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}
	refreshToken, err := h.authService.GenerateRefreshToken(req.ClientID, req.Role)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate refresh token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"client_id":     req.ClientID,
		"role":          req.Role,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(h.accessTTL / time.Second),
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		c.Error(errors.NewUnauthorizedError("invalid refresh token"))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.ClientID, claims.Role)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"expires_in":   int(h.accessTTL / time.Second),
	})
}
