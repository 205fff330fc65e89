package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/certmanager"
	"github.com/lakowske/net-servers/internal/container"
	"github.com/lakowske/net-servers/internal/environment"
	"github.com/lakowske/net-servers/internal/schema"
	"github.com/lakowske/net-servers/internal/secretsafe"
	"github.com/lakowske/net-servers/internal/store"
)

// ContainerHandler serves the admin API's container lifecycle
// endpoints, backed by the Container Supervisor.
type ContainerHandler struct {
	store      *store.Store
	supervisor *container.Supervisor
	environ    *environment.Manager
	certs      *certmanager.Manager
	logger     *zap.Logger
}

// NewContainerHandler constructs a ContainerHandler.
func NewContainerHandler(s *store.Store, supervisor *container.Supervisor, environ *environment.Manager, certs *certmanager.Manager, logger *zap.Logger) *ContainerHandler {
	return &ContainerHandler{store: s, supervisor: supervisor, environ: environ, certs: certs, logger: logger}
}

// findService looks up a ServiceConfig by its container_ref.
func (h *ContainerHandler) findService(containerRef string) (schema.ServiceConfig, bool, error) {
	services, err := h.store.LoadServices()
	if err != nil {
		return schema.ServiceConfig{}, false, err
	}
	svc, found := services.FindByContainerRef(containerRef)
	return svc, found, nil
}

// Run handles POST /containers/:name/run.
func (h *ContainerHandler) Run(c *gin.Context) {
	name := c.Param("name")
	forcePort := c.Query("force_port") == "true"

	svc, found, err := h.findService(name)
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no service configured for container", "container": name})
		return
	}

	global, err := h.store.LoadGlobal()
	if err != nil {
		writeError(c, err)
		return
	}

	current, _, err := h.environ.Current()
	if err != nil {
		writeError(c, err)
		return
	}
	allEnvs, err := h.environ.List()
	if err != nil {
		writeError(c, err)
		return
	}

	var cert *schema.Certificate
	if global.System.Domain != "" {
		cert, _ = h.certs.Metadata(global.System.Domain)
	}

	h.logger.Debug("resolved service settings for run",
		zap.String("container", name), zap.Any("settings", secretsafe.Redact(svc.Settings)))

	output, err := h.supervisor.Run(c.Request.Context(), container.RunOptions{
		Global:      global,
		Service:     svc,
		Certificate: cert,
		Siblings:    allEnvs,
		Environment: current,
		ForcePort:   forcePort,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("container run via admin API", zap.String("container", name))
	c.JSON(http.StatusOK, gin.H{"container": name, "output": output})
}

// Build handles POST /containers/:name/build.
func (h *ContainerHandler) Build(c *gin.Context) {
	name := c.Param("name")
	rebuild := c.Query("rebuild") == "true"

	output, err := h.supervisor.Build(c.Request.Context(), name, rebuild)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("container built via admin API", zap.String("container", name))
	c.JSON(http.StatusOK, gin.H{"container": name, "output": output})
}

// Stop handles POST /containers/:name/stop.
func (h *ContainerHandler) Stop(c *gin.Context) {
	name := c.Param("name")
	output, err := h.supervisor.Stop(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("container stopped via admin API", zap.String("container", name))
	c.JSON(http.StatusOK, gin.H{"container": name, "output": output})
}

// Remove handles POST /containers/:name/remove.
func (h *ContainerHandler) Remove(c *gin.Context) {
	name := c.Param("name")
	force := c.Query("force") == "true"

	output, err := h.supervisor.Remove(c.Request.Context(), name, force)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("container removed via admin API", zap.String("container", name))
	c.JSON(http.StatusOK, gin.H{"container": name, "output": output})
}

// List handles GET /containers.
func (h *ContainerHandler) List(c *gin.Context) {
	output, err := h.supervisor.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}
