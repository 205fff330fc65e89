package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/auth"
	"github.com/lakowske/net-servers/internal/procconfig"
)

// AuthHandler authenticates the daemon's single bootstrapped operator
// account against the credentials in procconfig.AdminConfig.
type AuthHandler struct {
	cfg    *procconfig.Config
	logger *zap.Logger
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(cfg *procconfig.Config, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, logger: logger}
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates the operator account and mints a JWT.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	admin := h.cfg.Admin
	if req.Username != admin.OperatorUsername {
		h.logger.Warn("login failed", zap.String("username", req.Username))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := auth.VerifyPassword(req.Password, admin.OperatorPasswordHash); err != nil {
		h.logger.Warn("login failed", zap.String("username", req.Username))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := auth.GenerateOperatorToken(admin.OperatorUsername, admin.OperatorRole, admin.JWTSecret, admin.JWTIssuer, admin.TokenExpiration)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	h.logger.Info("operator logged in", zap.String("username", req.Username))
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// GetCurrentUser returns the authenticated operator's identity.
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	username, _ := c.Get("username")
	role, _ := c.Get("role")

	c.JSON(http.StatusOK, gin.H{
		"username": username,
		"role":     role,
	})
}
