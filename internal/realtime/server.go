// Package realtime runs the websocket side of chat: the handshake, one read
// loop per connection, and dispatch of client envelopes to the chat service.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/auth"
	"github.com/suPer8Hu/agri-chat/internal/chat"
	"github.com/suPer8Hu/agri-chat/internal/common"
	"github.com/suPer8Hu/agri-chat/internal/presence"
)

const (
	envelopeTimeout = 10 * time.Second

	// CloseLoggedOut is sent when the user's credential is revoked.
	CloseLoggedOut = 4002
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*auth.Identity, error)
}

// Messenger is the part of the chat service the protocol handler drives.
type Messenger interface {
	SendMessage(ctx context.Context, senderID, receiverID uint64, content string, msgType chat.MessageType) (*chat.MessageView, error)
	MarkRead(ctx context.Context, senderID, readerID uint64) (int64, error)
	Typing(senderID, receiverID uint64) bool
	OnlineStatus(requesterID, targetID uint64) bool
	AnnouncePresence(ctx context.Context, userID uint64, online bool) (int, error)
}

type Server struct {
	auth       Authenticator
	registry   *presence.Registry
	messenger  Messenger
	upgrader   websocket.Upgrader
	sendBuffer int
	base       context.Context
}

type Option func(*Server)

// WithAllowedOrigins restricts browser origins. Empty allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = originChecker(origins) }
}

func WithSendBuffer(n int) Option { return func(s *Server) { s.sendBuffer = n } }

// WithBaseContext sets the parent of every per-envelope context.
func WithBaseContext(ctx context.Context) Option { return func(s *Server) { s.base = ctx } }

func NewServer(a Authenticator, reg *presence.Registry, m Messenger, opts ...Option) *Server {
	s := &Server{
		auth:      a,
		registry:  reg,
		messenger: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(nil),
		},
		sendBuffer: defaultSendBuffer,
		base:       context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser client
			return true
		}
		_, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
}

// Handle is the gin handler for the websocket endpoint. It authenticates
// before upgrading; a rejected handshake gets a 401 and nothing is registered.
// For an accepted one it blocks for the life of the connection.
func (s *Server) Handle(c *gin.Context) {
	ident, err := s.auth.Authenticate(c.Request.Context(), c.Request)
	if err != nil {
		log.Info().Err(err).Str("remote", c.ClientIP()).Msg("websocket handshake rejected")
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		log.Warn().Err(err).Uint64("user_id", ident.UserID).Msg("websocket upgrade failed")
		return
	}

	s.serve(NewConnection(ident.UserID, ws, s.sendBuffer))
}

func (s *Server) serve(conn *Connection) {
	uid := conn.UserID()
	conn.Start()
	s.registry.Register(uid, conn)
	s.announce(uid, true)

	err := conn.ReadLoop(func(data []byte) { s.dispatch(conn, data) })
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, presence.CloseSessionReplaced, CloseLoggedOut) {
		log.Debug().Err(err).Uint64("user_id", uid).Str("conn_id", conn.ID()).Msg("read loop ended")
	}

	// a failed push may already have dropped this handle; only a successor
	// session suppresses the offline announcement
	if removed := s.registry.UnregisterHandle(uid, conn); removed || !s.registry.IsOnline(uid) {
		s.announce(uid, false)
	}
	conn.Close(websocket.CloseNormalClosure, "")
}

func (s *Server) announce(uid uint64, online bool) {
	ctx, cancel := context.WithTimeout(s.base, envelopeTimeout)
	defer cancel()
	if _, err := s.messenger.AnnouncePresence(ctx, uid, online); err != nil {
		log.Warn().Err(err).Uint64("user_id", uid).Bool("online", online).Msg("presence fan-out failed")
	}
}

// dispatch handles one envelope. Nothing that happens here ends the
// connection.
func (s *Server) dispatch(conn *Connection, data []byte) {
	uid := conn.UserID()
	env, err := decodeEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Uint64("user_id", uid).Msg("dropping envelope")
		return
	}
	if env.SenderID != uid {
		log.Warn().
			Uint64("user_id", uid).
			Uint64("claimed_sender_id", env.SenderID).
			Str("action", string(env.Action)).
			Msg("sender mismatch, dropping envelope")
		return
	}

	ctx, cancel := context.WithTimeout(s.base, envelopeTimeout)
	defer cancel()

	switch env.Action {
	case ActionSendMessage:
		if _, err := s.messenger.SendMessage(ctx, uid, env.ReceiverID, env.Content, chat.MessageType(env.MessageType)); err != nil {
			s.replyError(conn, env.Action, err)
		}
	case ActionMarkRead:
		if _, err := s.messenger.MarkRead(ctx, env.ReceiverID, uid); err != nil {
			s.replyError(conn, env.Action, err)
		}
	case ActionTyping:
		s.messenger.Typing(uid, env.ReceiverID)
	case ActionGetOnlineStatus:
		s.messenger.OnlineStatus(uid, env.ReceiverID)
	default:
		log.Warn().Uint64("user_id", uid).Str("action", string(env.Action)).Msg("unknown action, dropping envelope")
	}
}

func (s *Server) replyError(conn *Connection, action InboundAction, err error) {
	msg := "internal error"
	if errors.Is(err, chat.ErrInvalidInput) {
		msg = err.Error()
		log.Info().Err(err).Uint64("user_id", conn.UserID()).Str("action", string(action)).Msg("rejected envelope")
	} else {
		log.Error().Err(err).Uint64("user_id", conn.UserID()).Str("action", string(action)).Msg("envelope failed")
	}

	payload, encErr := chat.ErrorEvent(string(action), msg).Encode()
	if encErr != nil {
		return
	}
	_ = conn.Send(payload)
}

// Kick closes userID's live connection, if any. The read loop then runs the
// usual teardown.
func (s *Server) Kick(userID uint64) bool {
	h, ok := s.registry.Lookup(userID)
	if !ok {
		return false
	}
	h.Close(CloseLoggedOut, "logged out")
	return true
}

// Shutdown closes every live connection with 1001 going away.
func (s *Server) Shutdown() {
	s.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
}
