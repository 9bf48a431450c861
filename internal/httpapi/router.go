package httpapi

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sarathsp06/orderhook/internal/logger"
)

// NewRouter builds the gin engine with every route registered
func NewRouter(h *Handler, debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(recovery())
	router.Use(requestLogger())

	router.GET("/healthz", h.HealthCheck)

	hooks := router.Group("/webhooks")
	{
		hooks.POST("/:platform", h.ReceiveWebhook)

		hooks.GET("/events/:id", h.GetEvent)
		hooks.GET("/locations/:locationID", h.ListLocationEvents)
		hooks.GET("/platforms/:platform", h.ListPlatformEvents)
		hooks.GET("/stats", h.GetStats)
		hooks.GET("/queue", h.GetQueue)

		hooks.POST("/retry", h.RetryFailed)
		hooks.DELETE("/cleanup", h.Cleanup)
	}
	return router
}

// requestLogger logs one line per request
func requestLogger() gin.HandlerFunc {
	log := logger.NewLogger("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("API request",
			"method", c.Request.Method,
			"path", path,
			"query", c.Request.URL.RawQuery,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// recovery turns a handler panic into a 500
func recovery() gin.HandlerFunc {
	log := logger.NewLogger("http")
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("Panic recovered",
					"error", fmt.Sprint(err),
					"path", c.Request.URL.Path,
				)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
