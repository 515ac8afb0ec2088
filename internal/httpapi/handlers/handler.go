package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/agri-chat/internal/chat"
	"github.com/suPer8Hu/agri-chat/internal/common"
	"github.com/suPer8Hu/agri-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/agri-chat/internal/users"
)

type TokenRevoker interface {
	RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error
}

type SessionKicker interface {
	Kick(userID uint64) bool
}

type Handler struct {
	ChatSvc *chat.Service
	Users   *users.Directory
	Revoker TokenRevoker
	Kicker  SessionKicker
}

func NewHandler(svc *chat.Service, dir *users.Directory, revoker TokenRevoker, kicker SessionKicker) *Handler {
	return &Handler{ChatSvc: svc, Users: dir, Revoker: revoker, Kicker: kicker}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func currentUser(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}
