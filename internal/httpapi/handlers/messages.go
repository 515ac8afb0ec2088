package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/chat"
	"github.com/suPer8Hu/agri-chat/internal/common"
)

func queryUint(c *gin.Context, key string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Query(key), 10, 64)
	if err != nil || v == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+key)
		return 0, false
	}
	return v, true
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return def, true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+key)
		return 0, false
	}
	return v, true
}

func (h *Handler) serviceError(c *gin.Context, op string, err error) {
	if errors.Is(err, chat.ErrInvalidInput) {
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		return
	}
	log.Error().Err(err).Str("op", op).Msg("chat service error")
	common.Fail(c, http.StatusInternalServerError, 20001, "db error")
}

// ListConversations GET /api/messages/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convs, err := h.ChatSvc.UserConversations(c.Request.Context(), uid)
	if err != nil {
		h.serviceError(c, "list conversations", err)
		return
	}
	common.OK(c, convs)
}

// ConversationHistory GET /api/messages/conversation?userId=&page=&size=
func (h *Handler) ConversationHistory(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	other, ok := queryUint(c, "userId")
	if !ok {
		return
	}
	page, ok := queryInt(c, "page", 0)
	if !ok {
		return
	}
	size, ok := queryInt(c, "size", 0)
	if !ok {
		return
	}

	msgs, err := h.ChatSvc.ConversationMessages(c.Request.Context(), uid, other, page, size)
	if err != nil {
		h.serviceError(c, "conversation history", err)
		return
	}
	common.OK(c, gin.H{
		"page":     max(page, 0),
		"messages": msgs,
	})
}

// MarkRead POST /api/messages/mark-read?senderId=
// The caller is the reader.
func (h *Handler) MarkRead(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	sender, ok := queryUint(c, "senderId")
	if !ok {
		return
	}
	n, err := h.ChatSvc.MarkRead(c.Request.Context(), sender, uid)
	if err != nil {
		h.serviceError(c, "mark read", err)
		return
	}
	common.OK(c, gin.H{"updated": n})
}

// UnreadCount GET /api/messages/unread-count
func (h *Handler) UnreadCount(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	n, err := h.ChatSvc.UnreadCount(c.Request.Context(), uid)
	if err != nil {
		h.serviceError(c, "unread count", err)
		return
	}
	common.OK(c, gin.H{"unreadCount": n})
}
