package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the engine's HTTP surface.
func NewRouter(h *Handlers, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/contracts", h.CreateContract)
		v1.GET("/contracts/:id", h.GetContract)
		v1.POST("/contracts/:id/reschedule", h.RescheduleContract)
		v1.POST("/installments/:id/amend", h.AmendInstallment)
		v1.GET("/customers/:id/status", h.AccountStatus)

		v1.POST("/payments/interactive", h.ChargeInteractive)
		v1.POST("/payments/mandate", h.ChargeViaMandate)
		v1.GET("/attempts/failed", h.ListFailedAttempts)
		v1.GET("/attempts/:id", h.GetAttempt)
		v1.POST("/attempts/:id/resolve", h.ResolveAttempt)
		v1.POST("/attempts/:id/poll", h.PollAttempt)
		v1.POST("/attempts/:id/retry", h.RetryAttempt)
		v1.POST("/attempts/retry", h.BulkRetry)

		v1.GET("/retry-policy", h.GetRetryPolicy)
		v1.PUT("/retry-policy", h.UpdateRetryPolicy)

		v1.GET("/reports/collections", h.CollectionReport)
		v1.GET("/reports/aging", h.AgingReport)

		v1.POST("/mandates", h.InitiateMandate)
		v1.POST("/mandates/verify", h.VerifyMandate)
		v1.GET("/mandates/:id", h.GetMandate)
		v1.POST("/mandates/:id/cancel", h.CancelMandate)
	}

	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
