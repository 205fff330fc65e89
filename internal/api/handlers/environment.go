package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/environment"
)

// EnvironmentHandler serves the admin API's environment endpoints,
// backed directly by the Environment Manager.
type EnvironmentHandler struct {
	manager *environment.Manager
	logger  *zap.Logger
}

// NewEnvironmentHandler constructs an EnvironmentHandler.
func NewEnvironmentHandler(manager *environment.Manager, logger *zap.Logger) *EnvironmentHandler {
	return &EnvironmentHandler{manager: manager, logger: logger}
}

// List handles GET /environments.
func (h *EnvironmentHandler) List(c *gin.Context) {
	envs, err := h.manager.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environments": envs})
}

// Switch handles POST /environments/:name/switch.
func (h *EnvironmentHandler) Switch(c *gin.Context) {
	name := c.Param("name")
	if err := h.manager.Switch(name, nil); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("environment switched via admin API", zap.String("name", name))
	c.JSON(http.StatusOK, gin.H{"current": name})
}

// writeError maps a corerr.CoreError to the admin API's response
// envelope, matching spec.md §6's exit code / --json error contract:
// the error kind and a redacted context travel in the body.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var kind corerr.Kind
	var context map[string]any

	var ce *corerr.CoreError
	if errors.As(err, &ce) {
		kind = ce.Kind
		context = ce.Redacted()
		status = statusForKind(ce.Kind)
	}

	body := gin.H{"error": err.Error()}
	if kind != "" {
		body["kind"] = kind
	}
	if context != nil {
		body["context"] = context
	}
	c.JSON(status, body)
}

func statusForKind(kind corerr.Kind) int {
	switch kind {
	case corerr.EnvNotFound:
		return http.StatusNotFound
	case corerr.EnvNotEnabled, corerr.EnvLastRemaining, corerr.EnvCurrentRemove,
		corerr.ConfigValidate, corerr.PathNotAbsolute, corerr.PathConflict,
		corerr.PortConflict, corerr.PlanConflict:
		return http.StatusConflict
	case corerr.ConfigParse:
		return http.StatusBadRequest
	case corerr.RuntimeUnavailable, corerr.RuntimeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
