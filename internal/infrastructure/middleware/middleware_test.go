package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuth() services.AuthService {
	return services.NewAuthService("test-secret", "ipywebrtc-test", time.Minute, time.Hour)
}

func authedRouter(auth services.AuthService, role services.Role) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/entities", AuthMiddleware(auth), RequireRole(auth, role), func(c *gin.Context) {
		clientID, err := auth.GetClientFromContext(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"client_id": clientID, "role": c.GetString("role")})
	})
	return router
}

func request(router http.Handler, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/entities", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	auth := newAuth()
	router := authedRouter(auth, services.RoleViewer)

	assert.Equal(t, http.StatusUnauthorized, request(router, "").Code)
	assert.Equal(t, http.StatusUnauthorized, request(router, "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, request(router, "Bearer garbage").Code)

	refresh, err := auth.GenerateRefreshToken("nb", services.RoleController)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, request(router, "Bearer "+refresh).Code)

	token, err := auth.GenerateToken("nb", services.RoleController)
	require.NoError(t, err)
	w := request(router, "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "nb", body["client_id"])
	assert.Equal(t, "controller", body["role"])
}

func TestRequireRole(t *testing.T) {
	auth := newAuth()
	router := authedRouter(auth, services.RoleController)

	viewer, err := auth.GenerateToken("v", services.RoleViewer)
	require.NoError(t, err)
	w := request(router, "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "FORBIDDEN")

	gin.SetMode(gin.TestMode)
	bare := gin.New()
	bare.GET("/entities", RequireRole(auth, services.RoleViewer), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusUnauthorized, request(bare, "").Code)
}

func TestOptionalAuthMiddleware(t *testing.T) {
	auth := newAuth()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/entities", OptionalAuthMiddleware(auth), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("client_id"))
	})

	assert.Equal(t, "", request(router, "").Body.String())
	assert.Equal(t, "", request(router, "Bearer garbage").Body.String())

	token, err := auth.GenerateToken("nb", services.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, "nb", request(router, "Bearer "+token).Body.String())
}

func TestErrorHandlerMapsDomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/missing", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("lookup e3: %w", domain.ErrEntityNotFound))
	})
	router.GET("/invalid", func(c *gin.Context) {
		_ = c.Error(&domain.ValidationError{Kind: domain.KindVideoRecorder, Attr: "filename", Reason: "must not contain a path separator"})
	})
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("disk on fire"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("unreachable state")
	})

	do := func(path string) (int, map[string]any) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return w.Code, body
	}

	code, body := do("/missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["error"])

	code, body = do("/invalid")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "VALIDATION_FAILED", body["error"])
	assert.Equal(t, "filename", body["details"].(map[string]any)["attr"])

	code, body = do("/boom")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Internal server error", body["message"])

	code, body = do("/panic")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
}

func TestTracingMiddlewarePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/entities/:id", func(c *gin.Context) { c.String(http.StatusOK, c.Param("id")) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/entities/e1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "e1", w.Body.String())
}

func TestAuthMiddlewareAcceptsQueryToken(t *testing.T) {
	auth := newAuth()
	router := authedRouter(auth, services.RoleFrontend)

	token, err := auth.GenerateToken("notebook", services.RoleFrontend)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/entities?access_token="+token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "notebook")
}
