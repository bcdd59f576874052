package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultMaxBody = 32 << 20

// RouterConfig collects everything the HTTP surface is built from.
type RouterConfig struct {
	Auth           *JwtAuth
	Plugins        PluginService
	Events         EventSource  // optional
	Metrics        http.Handler // optional, served unauthenticated
	MaxUploadBytes int64
}

// NewRouter builds the gin engine with public and JWT-protected routes.
func NewRouter(rc RouterConfig) *gin.Engine {
	if rc.MaxUploadBytes <= 0 {
		rc.MaxUploadBytes = defaultMaxBody
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), SecurityHeaders())

	// Public routes (no auth)
	router.POST("/login", rc.Auth.LoginHandler)
	router.GET("/healthz", healthzHandler(rc.Plugins))
	if rc.Metrics != nil {
		router.GET("/metrics", gin.WrapH(rc.Metrics))
	}

	apiGroup := router.Group("/api/v1")
	apiGroup.Use(rc.Auth.JWTMiddleware())
	{
		RegisterPluginRoutes(apiGroup, rc.Plugins)
		RegisterFunctionRoutes(apiGroup, rc.Plugins, rc.MaxUploadBytes)
		RegisterStorageRoutes(apiGroup, rc.Plugins, rc.MaxUploadBytes)
		if rc.Events != nil {
			apiGroup.GET("/events", eventsHandler(rc.Events))
			apiGroup.GET("/monitor", monitorHandler(rc.Plugins, rc.Events))
		}
	}
	return router
}

// RegisterPluginRoutes creates the lifecycle query and control routes.
func RegisterPluginRoutes(g *gin.RouterGroup, svc PluginService) {
	r := g.Group("/plugins")
	r.GET("", listPluginsHandler(svc))
	r.POST("/health", healthAllHandler(svc))
	r.GET("/:id", getPluginHandler(svc))
	r.GET("/:id/health", pluginHealthHandler(svc))
	r.GET("/:id/metrics", pluginMetricsHandler(svc))
	r.POST("/:id/stop", controlHandler(svc, "stop", svc.StopPlugin))
	r.POST("/:id/restart", controlHandler(svc, "restart", svc.RestartPlugin))
}

// RegisterFunctionRoutes relays JSON bodies to function-provider plugins.
func RegisterFunctionRoutes(g *gin.RouterGroup, svc PluginService, maxBody int64) {
	g.POST("/functions/:id/:name", executeHandler(svc, maxBody))
}

// RegisterStorageRoutes relays file operations to storage-provider plugins.
func RegisterStorageRoutes(g *gin.RouterGroup, svc PluginService, maxBody int64) {
	r := g.Group("/storage/:id/files")
	r.GET("", listFilesHandler(svc))
	r.POST("", uploadFileHandler(svc, maxBody))
	r.DELETE("", deleteFilesHandler(svc))
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"component", "API",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
