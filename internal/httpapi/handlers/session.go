package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/common"
	"github.com/suPer8Hu/agri-chat/internal/httpapi/middleware"
)

// Logout POST /api/logout
// Revokes the presented token for the rest of its lifetime and drops the
// caller's live socket.
func (h *Handler) Logout(c *gin.Context) {
	ident, ok := middleware.Identity(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Revoker == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "revocation unavailable")
		return
	}
	if ident.TokenID == "" {
		common.Fail(c, http.StatusBadRequest, 10005, "token cannot be revoked")
		return
	}

	ttl := time.Until(ident.ExpiresAt)
	if err := h.Revoker.RevokeToken(c.Request.Context(), ident.TokenID, ttl); err != nil {
		log.Error().Err(err).Uint64("user_id", ident.UserID).Msg("revoke token")
		common.Fail(c, http.StatusInternalServerError, 20007, "failed to revoke token")
		return
	}

	kicked := false
	if h.Kicker != nil {
		kicked = h.Kicker.Kick(ident.UserID)
	}
	log.Info().Uint64("user_id", ident.UserID).Bool("socket_closed", kicked).Msg("user logged out")
	common.OK(c, gin.H{"revoked": true, "socketClosed": kicked})
}
