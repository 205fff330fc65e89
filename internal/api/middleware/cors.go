package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/lakowske/net-servers/internal/procconfig"
)

// CORSMiddleware configures CORS based on the daemon's admin config.
func CORSMiddleware(cfg *procconfig.Config) gin.HandlerFunc {
	if !cfg.Admin.CORSEnabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	corsCfg := cors.Config{
		AllowOrigins:     cfg.Admin.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}

	return cors.New(corsCfg)
}
