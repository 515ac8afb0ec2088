package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/auth"
	"github.com/suPer8Hu/agri-chat/internal/common"
)

const (
	UserIDKey   = "user_id"
	IdentityKey = "identity"
)

type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*auth.Identity, error)
}

// AuthRequired accepts only an Authorization: Bearer header.
func AuthRequired(resolver TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			return
		}

		ident, err := resolver.Resolve(c.Request.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrExpiredToken):
			common.AbortFail(c, http.StatusUnauthorized, 40102, "token expired")
			return
		case errors.Is(err, auth.ErrRevokedToken):
			common.AbortFail(c, http.StatusUnauthorized, 40103, "token revoked")
			return
		case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnknownUser), errors.Is(err, auth.ErrMissingToken):
			common.AbortFail(c, http.StatusUnauthorized, 40101, "invalid token")
			return
		default:
			log.Error().Err(err).Msg("resolve identity")
			common.AbortFail(c, http.StatusServiceUnavailable, 50301, "identity check unavailable")
			return
		}

		c.Set(UserIDKey, ident.UserID)
		c.Set(IdentityKey, ident)
		c.Next()
	}
}

func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func Identity(c *gin.Context) (*auth.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*auth.Identity)
	return id, ok
}
