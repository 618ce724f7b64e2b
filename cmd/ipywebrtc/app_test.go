package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/codec"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/services"
	"github.com/maartenbreddels/ipywebrtc/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Transport.Kind = "memory"
	cfg.Transport.Encoding = "json"
	cfg.Storage.Directory = t.TempDir()
	cfg.Monitoring.PrometheusEnabled = true
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) (*app, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	a, err := newApp(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		a.stop(stopCtx)
		cancel()
	})
	return a, a.router()
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAppMemoryLoopbackMirrorsEntities(t *testing.T) {
	a, router := startApp(t, testConfig(t))
	require.Eventually(t, a.transport.Connected, 2*time.Second, 10*time.Millisecond)

	w := do(t, router, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/entities", `{"kind":"ImageStream","attrs":{"width":320}}`, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID domain.EntityID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	require.Eventually(t, func() bool {
		mirror, err := a.loopback.Lookup(created.ID)
		if err != nil {
			return false
		}
		v, _ := mirror.Get("width")
		return v == int64(320)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAppReattachedFrontendReceivesSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.Kind = "websocket"
	a, router := startApp(t, cfg)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?client_id=notebook"

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, a.transport.Connected, 2*time.Second, 10*time.Millisecond)

	w := do(t, router, http.MethodPost, "/api/v1/entities", `{"kind":"WebRTCRoom","attrs":{"room":"lobby"}}`, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID domain.EntityID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Eventually(t, func() bool {
		return a.host.Bus().SyncState(created.ID) == domain.SyncSynced
	}, 2*time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := second.ReadMessage()
		require.NoError(t, err, "no state for %s on the new connection", created.ID)
		msg, err := codec.UnmarshalFrame(codec.EncodingJSON, data)
		require.NoError(t, err)
		if msg.Type == domain.MessageStateUpdate && msg.EntityID == created.ID {
			break
		}
	}
}

func TestAppSeedsICEServers(t *testing.T) {
	_, router := startApp(t, testConfig(t))

	w := do(t, router, http.MethodGet, "/api/v1/ice-servers", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stun:stun.l.google.com:19302")

	w = do(t, router, http.MethodPost, "/api/v1/entities", `{"kind":"WebRTCPeer"}`, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "stun:stun.l.google.com:19302")
}

func TestAppReadinessAndMetrics(t *testing.T) {
	_, router := startApp(t, testConfig(t))

	require.Eventually(t, func() bool {
		return do(t, router, http.MethodGet, "/ready", "", "").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	w := do(t, router, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ipywebrtc_frontend_attached 1")
}

func TestAppAuthGuardsRoutes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Enabled = true
	a, router := startApp(t, cfg)

	w := do(t, router, http.MethodGet, "/api/v1/kinds", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	viewer, err := a.auth.GenerateToken("v", services.RoleViewer)
	require.NoError(t, err)
	w = do(t, router, http.MethodGet, "/api/v1/kinds", "", viewer)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, router, http.MethodPost, "/api/v1/entities", `{"kind":"WebRTCRoom"}`, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	controller, err := a.auth.GenerateToken("c", services.RoleController)
	require.NoError(t, err)
	w = do(t, router, http.MethodPost, "/api/v1/entities", `{"kind":"WebRTCRoom"}`, controller)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/health", "", "").Code)
}

func TestNewAppRejectsRedisTransportWithoutClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.Kind = "redis"
	_, err := newApp(cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestMintToken(t *testing.T) {
	auth := services.NewAuthService("secret", "test", time.Minute, time.Hour)

	token, err := mintToken(auth, "notebook", services.RoleFrontend, false)
	require.NoError(t, err)
	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "notebook", claims.ClientID)

	refresh, err := mintToken(auth, "notebook", services.RoleFrontend, true)
	require.NoError(t, err)
	_, err = auth.ValidateRefreshToken(refresh)
	assert.NoError(t, err)

	_, err = mintToken(auth, "notebook", "root", false)
	assert.Error(t, err)
	_, err = mintToken(auth, "", services.RoleViewer, false)
	assert.Error(t, err)
}
