// Package api provides HTTP routing for the local admin API (spec.md
// §6's CLI verbs, exposed over HTTP so the CLI and other local tooling
// share one backing surface).
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/api/handlers"
	"github.com/lakowske/net-servers/internal/api/middleware"
	"github.com/lakowske/net-servers/internal/certmanager"
	"github.com/lakowske/net-servers/internal/container"
	"github.com/lakowske/net-servers/internal/environment"
	"github.com/lakowske/net-servers/internal/procconfig"
	"github.com/lakowske/net-servers/internal/store"
	"github.com/lakowske/net-servers/internal/syncfw"
)

// Deps bundles every component the admin API's handlers need.
type Deps struct {
	Config      *procconfig.Config
	Store       *store.Store
	Environment *environment.Manager
	Registry    *syncfw.Registry
	Certs       *certmanager.Manager
	Containers  *container.Supervisor
	Logger      *zap.Logger
}

// NewRouter creates and configures the admin API's HTTP router.
func NewRouter(d Deps) *gin.Engine {
	if d.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(d.Logger))
	router.Use(middleware.CORSMiddleware(d.Config))

	authHandler := handlers.NewAuthHandler(d.Config, d.Logger)
	envHandler := handlers.NewEnvironmentHandler(d.Environment, d.Logger)
	certHandler := handlers.NewCertificateHandler(d.Store, d.Certs, d.Logger)
	containerHandler := handlers.NewContainerHandler(d.Store, d.Containers, d.Environment, d.Certs, d.Logger)
	configHandler := handlers.NewConfigHandler(d.Registry, d.Logger)

	public := router.Group("/api/v1")
	{
		public.POST("/auth/login", authHandler.Login)
	}

	protected := router.Group("/api/v1")
	protected.Use(middleware.AuthMiddleware(d.Config))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)

		protected.GET("/environments", envHandler.List)
		protected.POST("/environments/:name/switch", middleware.RequireRole("operator"), envHandler.Switch)

		protected.POST("/config/sync", middleware.RequireRole("operator"), configHandler.Sync)

		protected.GET("/certificates", certHandler.List)
		protected.POST("/certificates/:domain/provision", middleware.RequireRole("admin"), certHandler.Provision)

		protected.GET("/containers", containerHandler.List)
		protected.POST("/containers/:name/build", middleware.RequireRole("operator"), containerHandler.Build)
		protected.POST("/containers/:name/run", middleware.RequireRole("operator"), containerHandler.Run)
		protected.POST("/containers/:name/stop", middleware.RequireRole("operator"), containerHandler.Stop)
		protected.POST("/containers/:name/remove", middleware.RequireRole("operator"), containerHandler.Remove)
	}

	return router
}
