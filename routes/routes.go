package routes

import (
	"chat-sync/config"
	"chat-sync/controllers"
	"chat-sync/middlewares"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有路由
func RegisterRoutes(cfg config.ServerConfig, h *controllers.Handlers) *gin.Engine {
	r := gin.Default()
	// 配置跨域中间件
	corsConfig := cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Prefer"},
		ExposeHeaders:    []string{"Content-Range"},
		AllowCredentials: true,
	}
	if len(cfg.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	r.Use(cors.New(corsConfig))

	r.GET("/realtime/v1", h.WSController)

	auth := r.Group("/auth/v1")
	auth.POST("/signup", h.Register)
	auth.POST("/token", h.Login)
	auth.GET("/user", middlewares.TokenAuthMiddleware(h.Tokens), h.GetUserInfo)

	rest := r.Group("/rest/v1")
	{
		rest.Use(middlewares.TokenAuthMiddleware(h.Tokens))
		rest.GET("/:table", h.SelectRows)
		rest.POST("/:table", h.InsertRow)
		rest.DELETE("/:table", h.DeleteRows)
	}

	return r
}
