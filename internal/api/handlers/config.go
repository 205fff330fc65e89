package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/syncfw"
)

// ConfigHandler serves the admin API's manual config-sync endpoint,
// for operators who want to force a reconcile pass without waiting on
// the file watcher's debounce window.
type ConfigHandler struct {
	registry *syncfw.Registry
	logger   *zap.Logger
}

// NewConfigHandler constructs a ConfigHandler.
func NewConfigHandler(registry *syncfw.Registry, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{registry: registry, logger: logger}
}

// syncRequest is the body of POST /config/sync.
type syncRequest struct {
	DryRun bool `json:"dry_run"`
}

// Sync handles POST /config/sync: runs every registered synchronizer
// against the current on-disk configuration.
func (h *ConfigHandler) Sync(c *gin.Context) {
	var req syncRequest
	_ = c.ShouldBindJSON(&req)

	reconcileErr, err := h.registry.ReconcileAll(c.Request.Context(), req.DryRun)
	if err != nil {
		writeError(c, err)
		return
	}

	if reconcileErr != nil && reconcileErr.HasErrors() {
		h.logger.Warn("config sync completed with errors", zap.Int("count", len(reconcileErr.Errors)))
		errs := make([]gin.H, 0, len(reconcileErr.Errors))
		for _, e := range reconcileErr.Errors {
			errs = append(errs, gin.H{"synchronizer": e.Synchronizer, "path": e.Path, "error": e.Err.Error()})
		}
		c.JSON(http.StatusMultiStatus, gin.H{"errors": errs})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "synced", "dry_run": req.DryRun})
}
