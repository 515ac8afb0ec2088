package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/agri-chat/internal/models"
	"github.com/suPer8Hu/agri-chat/internal/users"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
	ErrUnknownUser  = errors.New("auth: unknown user")
	ErrRevokedToken = errors.New("auth: token revoked")
)

type UserFinder interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Identity is what a successful handshake attaches to a connection.
type Identity struct {
	UserID    uint64
	Username  string
	TokenID   string
	ExpiresAt time.Time
}

// Resolver turns a bearer credential into a user identity.
type Resolver struct {
	secret  string
	issuer  string
	users   UserFinder
	revoked RevocationChecker
}

// NewResolver builds a Resolver. revoked may be nil when no revocation list is
// available.
func NewResolver(secret, issuer string, users UserFinder, revoked RevocationChecker) *Resolver {
	return &Resolver{secret: secret, issuer: issuer, users: users, revoked: revoked}
}

// Authenticate extracts the credential from r and resolves it.
func (r *Resolver) Authenticate(ctx context.Context, req *http.Request) (*Identity, error) {
	return r.Resolve(ctx, TokenFromRequest(req))
}

// Resolve validates token and maps its subject to a user. Every failure is
// terminal for the caller; nothing is created on the way.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims, err := ParseToken(token, r.secret, r.issuer)
	if err != nil {
		return nil, err
	}
	username := strings.TrimSpace(claims.Subject)
	if username == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	u, err := r.users.FindByEmail(ctx, username)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, username)
		}
		return nil, fmt.Errorf("auth: lookup user: %w", err)
	}
	if !strings.EqualFold(u.Email, username) {
		return nil, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}

	if r.revoked != nil && claims.ID != "" {
		revoked, err := r.revoked.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			// fail closed
			return nil, fmt.Errorf("auth: revocation check: %w", err)
		}
		if revoked {
			return nil, ErrRevokedToken
		}
	}

	id := &Identity{UserID: u.ID, Username: u.Email, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
