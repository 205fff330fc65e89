package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakowske/net-servers/internal/certmanager"
	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/schema"
	"github.com/lakowske/net-servers/internal/store"
)

func newCertificateFixture(t *testing.T, mode schema.CertificateMode) (*store.Store, *certmanager.Manager) {
	t.Helper()
	p, err := paths.Resolve(t.TempDir(), "")
	require.NoError(t, err)
	s := store.New(p, nil)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))
	require.NoError(t, s.SaveDomains(&schema.DomainsDocument{Domains: []schema.Domain{
		{Name: "local.dev", ARecords: map[string]string{"www": "192.0.2.10"}, CertificateMode: mode},
	}}))
	return s, certmanager.New(s, p, nil)
}

func TestCertificateHandler_List_NilForUnissuedDomain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, m := newCertificateFixture(t, schema.CertModeSelfSigned)
	h := NewCertificateHandler(s, m, zapNop())

	router := gin.New()
	router.GET("/certificates", h.List)

	req, _ := http.NewRequest(http.MethodGet, "/certificates", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "local.dev")
	assert.Contains(t, w.Body.String(), `"certificate":null`)
}

func TestCertificateHandler_Provision_SelfSigned(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, m := newCertificateFixture(t, schema.CertModeSelfSigned)
	h := NewCertificateHandler(s, m, zapNop())

	router := gin.New()
	router.POST("/certificates/:domain/provision", h.Provision)

	req, _ := http.NewRequest(http.MethodPost, "/certificates/local.dev/provision", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "local.dev")
	assert.NotContains(t, w.Body.String(), `"certificate":null`)
}

func TestCertificateHandler_Provision_NoneModeReturnsNilCertificate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, m := newCertificateFixture(t, schema.CertModeNone)
	h := NewCertificateHandler(s, m, zapNop())

	router := gin.New()
	router.POST("/certificates/:domain/provision", h.Provision)

	req, _ := http.NewRequest(http.MethodPost, "/certificates/local.dev/provision", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"none"`)
}
