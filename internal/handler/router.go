package handler

import (
	"predictapi/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		api.POST("/predictions", h.CreatePrediction)
		api.POST("/bets", h.PlaceBets)

		requests := api.Group("/requests")
		{
			requests.GET("", h.ListRequests)
			requests.GET("/by-key/:key", h.GetRequestByKey)
			requests.GET("/:id", h.GetRequest)
		}

		api.GET("/outbox/events", h.ListOutboxEvents)

		breakers := api.Group("/breakers")
		{
			breakers.GET("", h.ListBreakers)
			breakers.POST("/:name/reset", h.ResetBreaker)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		response.ErrorWithStatus(c, 404, response.CodeNotFound, "接口不存在")
	})

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
