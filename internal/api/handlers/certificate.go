package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/certmanager"
	"github.com/lakowske/net-servers/internal/schema"
	"github.com/lakowske/net-servers/internal/store"
)

// CertificateHandler serves the admin API's certificate endpoints,
// backed by the Certificate Manager.
type CertificateHandler struct {
	store   *store.Store
	manager *certmanager.Manager
	logger  *zap.Logger
}

// NewCertificateHandler constructs a CertificateHandler.
func NewCertificateHandler(s *store.Store, manager *certmanager.Manager, logger *zap.Logger) *CertificateHandler {
	return &CertificateHandler{store: s, manager: manager, logger: logger}
}

type certificateEntry struct {
	Domain      string               `json:"domain"`
	Certificate *schema.Certificate  `json:"certificate"`
}

// List handles GET /certificates, returning every domain's current
// certificate metadata (nil for domains with no certificate issued yet).
func (h *CertificateHandler) List(c *gin.Context) {
	domains, err := h.store.LoadDomains()
	if err != nil {
		writeError(c, err)
		return
	}

	var out []certificateEntry
	for _, d := range domains.Domains {
		meta, err := h.manager.Metadata(d.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, certificateEntry{Domain: d.Name, Certificate: meta})
	}
	c.JSON(http.StatusOK, gin.H{"certificates": out})
}

// provisionRequest is the body of POST /certificates/:domain/provision.
type provisionRequest struct {
	Force bool `json:"force"`
}

// Provision handles POST /certificates/:domain/provision.
func (h *CertificateHandler) Provision(c *gin.Context) {
	domain := c.Param("domain")

	var req provisionRequest
	_ = c.ShouldBindJSON(&req)

	cert, err := h.manager.EnsureIssued(c.Request.Context(), domain, req.Force)
	if err != nil {
		writeError(c, err)
		return
	}
	if cert == nil {
		c.JSON(http.StatusOK, gin.H{"domain": domain, "certificate": nil, "mode": "none"})
		return
	}
	h.logger.Info("certificate provisioned via admin API", zap.String("domain", domain))
	c.JSON(http.StatusOK, gin.H{"domain": domain, "certificate": cert})
}
