package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/auth"
	"github.com/lakowske/net-servers/internal/certmanager"
	"github.com/lakowske/net-servers/internal/container"
	"github.com/lakowske/net-servers/internal/environment"
	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/ports"
	"github.com/lakowske/net-servers/internal/procconfig"
	"github.com/lakowske/net-servers/internal/store"
	"github.com/lakowske/net-servers/internal/syncfw"
)

func zapNopLogger() *zap.Logger { return zap.NewNop() }

func extractToken(t *testing.T, body string) string {
	t.Helper()
	var parsed struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &parsed))
	require.NotEmpty(t, parsed.Token)
	return parsed.Token
}

func newRouterFixture(t *testing.T) (Deps, *procconfig.Config) {
	t.Helper()
	dir := t.TempDir()
	p, err := paths.Resolve(dir, "")
	require.NoError(t, err)
	s := store.New(p, nil)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	registry := filepath.Join(dir, "environments.yaml")
	envManager := environment.New(registry, dir, nil)
	require.NoError(t, envManager.Init(dir, "local.dev", "admin@local.dev", false))

	certs := certmanager.New(s, p, nil)
	alloc := ports.New(nil).WithProber(func(hostPort int, protocol string) (bool, error) { return false, nil })
	sup := container.New(s, p, alloc, "development", "true", nil)
	syncRegistry := syncfw.New(nil, nil)

	cfg := procconfig.Default()
	hash, err := auth.HashPassword("operator-pass")
	require.NoError(t, err)
	cfg.Admin.OperatorPasswordHash = hash
	cfg.Admin.JWTSecret = "router-test-secret"
	cfg.Admin.JWTIssuer = "net-servers-core"
	cfg.Admin.TokenExpiration = time.Hour

	return Deps{
		Config:      cfg,
		Store:       s,
		Environment: envManager,
		Registry:    syncRegistry,
		Certs:       certs,
		Containers:  sup,
		Logger:      nil,
	}, cfg
}

func TestRouter_LoginThenAccessProtectedRoute(t *testing.T) {
	deps, cfg := newRouterFixture(t)
	deps.Logger = zapNopLogger()
	router := NewRouter(deps)

	loginReq, _ := http.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(
		`{"username":"`+cfg.Admin.OperatorUsername+`","password":"operator-pass"}`))
	loginReq.Header.Set("Content-Type", "application/json")
	loginW := httptest.NewRecorder()
	router.ServeHTTP(loginW, loginReq)
	require.Equal(t, http.StatusOK, loginW.Code)

	token := extractToken(t, loginW.Body.String())

	envReq, _ := http.NewRequest(http.MethodGet, "/api/v1/environments", nil)
	envReq.Header.Set("Authorization", "Bearer "+token)
	envW := httptest.NewRecorder()
	router.ServeHTTP(envW, envReq)
	assert.Equal(t, http.StatusOK, envW.Code)
}

func TestRouter_ProtectedRouteRejectsMissingToken(t *testing.T) {
	deps, _ := newRouterFixture(t)
	deps.Logger = zapNopLogger()
	router := NewRouter(deps)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/environments", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
