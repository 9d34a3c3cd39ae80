package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(
		correlationMiddleware(),
		recoveryMiddleware(s.logger),
		tracingMiddleware(s.deps.Tracer),
		latencyMiddleware(s.logger),
	)

	corsConfig := cors.DefaultConfig()
	if allowAll(s.cfg.AllowedOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", CorrelationHeader}
	corsConfig.ExposeHeaders = []string{CorrelationHeader}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	engine.NoRoute(func(c *gin.Context) {
		writeProblem(c, http.StatusNotFound, "not_found", "no route for "+c.Request.Method+" "+c.Request.URL.Path)
	})

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := engine.Group("/api")
	{
		tasks := api.Group("/tasks")
		tasks.POST("", s.handleSubmitTask)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:id", s.handleGetTask)
		tasks.DELETE("/:id", s.handleCancelTask)

		api.GET("/agents", s.handleListAgents)
		api.GET("/models", s.handleListModels)
		api.GET("/scheduler", s.handleScheduler)
		api.GET("/events", s.handleEvents)
		api.POST("/logs/frontend", s.handleFrontendLog)
	}
	return engine
}
