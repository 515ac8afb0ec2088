package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/agri-chat/internal/common"
	"github.com/suPer8Hu/agri-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/agri-chat/internal/httpapi/middleware"
)

type Deps struct {
	Handler  *handlers.Handler
	Resolver middleware.TokenResolver
	// WebSocket serves GET /ws/chat; it authenticates on its own.
	WebSocket gin.HandlerFunc
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := d.Handler

	r.GET("/ping", h.Ping)
	if d.WebSocket != nil {
		r.GET("/ws/chat", d.WebSocket)
	}

	api := r.Group("/api")
	api.Use(middleware.AuthRequired(d.Resolver))
	api.GET("/me", h.Me)
	api.POST("/logout", h.Logout)
	api.GET("/users/:id/status", h.UserStatus)

	msgs := api.Group("/messages")
	msgs.GET("/conversations", h.ListConversations)
	msgs.GET("/conversation", h.ConversationHistory)
	msgs.POST("/mark-read", h.MarkRead)
	msgs.GET("/unread-count", h.UnreadCount)
	return r
}
