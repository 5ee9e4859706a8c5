package router

import (
	"github.com/gin-gonic/gin"
	"github.com/pawtrack/internal/handler"
	"github.com/pawtrack/internal/metrics"
	"github.com/pawtrack/internal/service"
)

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(rules *service.RecurrenceService) *gin.Engine {
	r := gin.Default()
	handler.RegisterValidators()

	api := handler.NewAPI(rules)
	r.Use(metrics.Middleware(), api.LocaleMiddleware())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	group := r.Group("/api")
	{
		ruleRoutes := group.Group("/recurrence-rules")
		{
			ruleRoutes.POST("", api.CreateRule)
			ruleRoutes.POST("/preview", api.PreviewRule)
			ruleRoutes.GET("/:id", api.GetRule)
			ruleRoutes.PATCH("/:id", api.UpdateRule)
			ruleRoutes.DELETE("/:id", api.DeleteRule)
			ruleRoutes.POST("/:id/regenerate", api.RegenerateRule)
			ruleRoutes.POST("/:id/exceptions", api.AddException)
			ruleRoutes.DELETE("/:id/exceptions/:date", api.RemoveException)
			ruleRoutes.GET("/:id/events", api.ListRuleEvents)
		}

		pets := group.Group("/pets/:petId")
		{
			pets.GET("/recurrence-rules", api.ListPetRules)
			pets.GET("/upcoming", api.ListPetUpcoming)
		}

		group.PATCH("/events/:id/status", api.SetEventStatus)
	}

	return r
}
