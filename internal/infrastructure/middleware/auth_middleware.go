package middleware

import (
	"context"
	"strings"

	"github.com/maartenbreddels/ipywebrtc/internal/core/services"
	apperrors "github.com/maartenbreddels/ipywebrtc/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket upgrade, so access_token in the query is accepted as well.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		token := c.Query("access_token")
		return token, token != ""
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// setClaims exposes the caller on both the gin context and the request
// context, so plain http.Handlers mounted behind gin can read client_id.
func setClaims(c *gin.Context, claims *services.Claims) {
	c.Set(claimsKey, claims)
	c.Set("client_id", claims.ClientID)
	c.Set("role", string(claims.Role))
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), "client_id", claims.ClientID))
}

func abortWith(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error":   string(err.Code),
		"message": err.Message,
	})
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			if c.GetHeader("Authorization") == "" {
				abortWith(c, apperrors.NewUnauthorizedError("authorization header required"))
				return
			}
			abortWith(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// OptionalAuthMiddleware records the caller when a valid token is present
// and lets anonymous requests through untouched.
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				setClaims(c, claims)
			}
		}
		c.Next()
	}
}

// RequireRole must run after AuthMiddleware.
func RequireRole(authService services.AuthService, role services.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(claimsKey)
		if !exists {
			abortWith(c, apperrors.NewUnauthorizedError("authentication required"))
			return
		}
		claims, _ := v.(*services.Claims)
		if err := authService.CheckPermission(claims, role); err != nil {
			abortWith(c, apperrors.NewForbiddenError("insufficient permissions"))
			return
		}
		c.Next()
	}
}

// Passthrough stands in for auth middleware when auth is disabled.
func Passthrough() gin.HandlerFunc {
	return func(c *gin.Context) { c.Next() }
}
