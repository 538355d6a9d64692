package server

import (
	"github.com/gin-gonic/gin"
)

// setupRouter 设置路由
func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())

	r.GET("/ws", s.handleWebSocket)
	r.GET("/health", s.handleHealth)
	r.GET("/ready", gin.WrapH(s.checker))

	api := r.Group("/api")
	api.Use(s.tokenAuth())
	{
		api.GET("/presence", s.handlePresence)
		api.GET("/presence/:userId", s.handleUserPresence)
	}

	return r
}
