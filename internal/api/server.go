package api

import (
	"log/slog"
	"net/http"

	_ "github.com/isaccanedo/microsservico02/docs" // register generated Swagger spec

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/host"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const otelServiceName = "microsservico02"

// Router wraps a configured Gin engine and exposes it as an http.Handler.
type Router struct {
	engine *gin.Engine
}

// NewRouter constructs a Router with the full middleware chain and all routes
// registered. Middleware order:
//  1. Recovery: panic → 500
//  2. TraceContext: OTEL span per request
//  3. RequestLogger: structured request/response logging
//
// metrics may be nil, in which case /metrics is not served.
func NewRouter(a agentService, metrics http.Handler, build BuildInfo) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(Recovery(slog.Default()))
	engine.Use(TraceContext(otelServiceName))
	engine.Use(RequestLogger(slog.Default()))

	h := &Handler{agent: a, build: build, hostInfo: host.InfoWithContext}

	v1 := engine.Group("/api/v1")
	v1.GET("/registration", h.Registration)
	v1.POST("/registration", h.Reregister)
	v1.PUT("/registration/status", h.SetStatus)
	v1.GET("/services", h.Services)
	v1.GET("/services/:name/instances", h.Instances)

	engine.GET("/health", h.Health)
	engine.GET("/health/deep", h.DeepHealth)
	engine.GET("/ready", h.Ready)
	engine.GET("/info", h.Info)

	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics))
	}

	// API docs: http://localhost:8080/api-docs
	engine.GET("/api-docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/api-docs/index.html")
	})
	engine.GET("/api-docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return &Router{engine: engine}
}

// Handler returns the underlying http.Handler for use with net/http servers.
func (r *Router) Handler() http.Handler {
	return r.engine
}
