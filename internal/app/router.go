package app

import (
	"docsense-go/internal/handler"
	"docsense-go/internal/middleware"
	"docsense-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// Router 注册所有 HTTP 路由。
func (a *App) Router() *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	docs := handler.NewDocumentHandler(a.Documents)
	qa := handler.NewQAHandler(a.QA)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(a.JWT))
	{
		documents := apiV1.Group("/documents")
		{
			documents.GET("", docs.List)
			documents.POST("/upload", docs.Upload)
			documents.POST("/ingest", docs.Ingest)
			documents.GET("/status", docs.Status)
			documents.GET("/chunks", docs.Chunks)
			documents.DELETE("", middleware.RequireRole(token.RoleAdmin), docs.Delete)
		}

		qaGroup := apiV1.Group("/qa")
		{
			qaGroup.POST("/answer", qa.Answer)
			qaGroup.GET("/summary", qa.Summary)
		}
	}

	// WebSocket 无法携带 Authorization 头，token 放在路径中
	r.GET("/chat/:token", handler.NewChatHandler(a.QA, a.JWT).Handle)
	return r
}
