package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/httpapi/handlers"
	"collabcore/backend/internal/httpapi/middleware"
	"collabcore/backend/internal/ws"
)

// NewRouter /collab 下除 healthz 外都需要 JWT
func NewRouter(svc *collab.Service, manager *ws.Manager, secret []byte) *gin.Engine {
	r := gin.New()
	// 中间件
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）；比 AllowOrigins:["*"] 更兼容
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	h := handlers.NewDocumentHandler(svc, manager)
	r.GET("/collab/healthz", h.Healthz)

	collabGroup := r.Group("/collab")
	// 会从 Authorization 或 ?token= 提取 token，并写入 userId/username
	collabGroup.Use(middleware.AuthMiddleware(secret))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/documents/:docID/history", h.History)
	collabGroup.GET("/documents/:docID/presence", h.Presence)
	return r
}
