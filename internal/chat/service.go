package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/common"
	"github.com/suPer8Hu/agri-chat/internal/users"
)

const (
	MaxContentLength = 8000

	defaultPageSize = 50
	maxPageSize     = 100

	publishTimeout = 5 * time.Second
)

// Pusher delivers encoded events to live connections.
type Pusher interface {
	Push(userID uint64, payload []byte) bool
	IsOnline(userID uint64) bool
	OnlineSubset(ids []uint64) []uint64
}

type NameResolver interface {
	DisplayNames(ctx context.Context, ids []uint64) (map[uint64]string, error)
}

// ContactCache stores derived contact lists. ok is false on a miss. gen is
// the list's generation as of the read; SetContacts drops the write when an
// invalidation has happened since.
type ContactCache interface {
	Contacts(ctx context.Context, userID uint64) (ids []uint64, gen int64, ok bool, err error)
	SetContacts(ctx context.Context, userID uint64, ids []uint64, gen int64) error
	InvalidateContacts(ctx context.Context, userIDs ...uint64) error
}

// Service is the messaging service: the only place that mutates
// conversation state and triggers pushes.
type Service struct {
	repo     *Repo
	names    NameResolver
	pusher   Pusher
	contacts ContactCache
	events   EventPublisher
	now      func() time.Time
}

type Option func(*Service)

func WithContactCache(c ContactCache) Option { return func(s *Service) { s.contacts = c } }

func WithEventPublisher(p EventPublisher) Option { return func(s *Service) { s.events = p } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo *Repo, names NameResolver, pusher Pusher, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		names:  names,
		pusher: pusher,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func validatePair(a, b uint64) error {
	if a == 0 || b == 0 {
		return fmt.Errorf("%w: user ids must be set", ErrInvalidInput)
	}
	if a == b {
		return fmt.Errorf("%w: sender and receiver must differ", ErrInvalidInput)
	}
	return nil
}

// SendMessage persists a message, then pushes NEW_MESSAGE to the receiver
// (when live) and MESSAGE_SENT to the sender. The stored row is the record of
// delivery; pushes are best effort.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID uint64, content string, msgType MessageType) (*MessageView, error) {
	if err := validatePair(senderID, receiverID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, fmt.Errorf("%w: content longer than %d characters", ErrInvalidInput, MaxContentLength)
	}
	msgType, err := ParseMessageType(string(msgType))
	if err != nil {
		return nil, err
	}

	m := &Message{
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Content:     content,
		MessageType: msgType,
		Timestamp:   s.now(),
		IsRead:      false,
	}
	_, created, err := s.repo.InsertMessage(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("chat: store message: %w", err)
	}

	if created && s.contacts != nil {
		if err := s.contacts.InvalidateContacts(ctx, senderID, receiverID); err != nil {
			log.Warn().Err(err).Uint64("sender_id", senderID).Uint64("receiver_id", receiverID).Msg("contact cache invalidation failed")
		}
	}

	view := NewMessageView(*m, s.displayName(ctx, senderID))
	delivered := s.push(receiverID, NewMessageEvent(view))
	s.push(senderID, MessageSentEvent(view))

	s.publish(ctx, view, delivered, created)

	log.Debug().
		Uint64("message_id", m.ID).
		Uint64("sender_id", senderID).
		Uint64("receiver_id", receiverID).
		Bool("delivered", delivered).
		Msg("message sent")
	return &view, nil
}

// MarkRead marks every unread message from senderID to readerID as read and,
// when anything changed, tells the sender. Repeating it is a no-op.
func (s *Service) MarkRead(ctx context.Context, senderID, readerID uint64) (int64, error) {
	if err := validatePair(senderID, readerID); err != nil {
		return 0, err
	}
	n, err := s.repo.MarkRead(ctx, senderID, readerID)
	if err != nil {
		return 0, fmt.Errorf("chat: mark read: %w", err)
	}
	if n > 0 {
		s.push(senderID, MessagesReadEvent(readerID))
	}
	return n, nil
}

// Typing forwards a typing indicator. Nothing is stored.
func (s *Service) Typing(senderID, receiverID uint64) bool {
	if validatePair(senderID, receiverID) != nil {
		return false
	}
	return s.push(receiverID, TypingEvent(senderID))
}

// OnlineStatus answers the requester with the target's presence.
func (s *Service) OnlineStatus(requesterID, targetID uint64) bool {
	online := s.pusher.IsOnline(targetID)
	s.push(requesterID, OnlineStatusEvent(targetID, online))
	return online
}

func (s *Service) IsOnline(userID uint64) bool {
	return s.pusher.IsOnline(userID)
}

// AnnouncePresence tells userID's online contacts that it came online or
// went offline and returns how many were notified. Offline contacts are not
// queued for later.
func (s *Service) AnnouncePresence(ctx context.Context, userID uint64, online bool) (int, error) {
	contacts, err := s.Contacts(ctx, userID)
	if err != nil {
		return 0, err
	}
	targets := s.pusher.OnlineSubset(contacts)
	if len(targets) == 0 {
		return 0, nil
	}

	payload, err := PresenceEvent(userID, online).Encode()
	if err != nil {
		return 0, err
	}
	notified := 0
	for _, id := range targets {
		if id == userID {
			continue
		}
		if s.pusher.Push(id, payload) {
			notified++
		}
	}
	return notified, nil
}

// Contacts returns the other participants of userID's conversations.
func (s *Service) Contacts(ctx context.Context, userID uint64) ([]uint64, error) {
	// gen must be read before the database so a conversation committed in
	// between is caught by SetContacts
	var (
		gen       int64
		writeBack bool
	)
	if s.contacts != nil {
		ids, g, ok, err := s.contacts.Contacts(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Uint64("user_id", userID).Msg("contact cache read failed")
		} else if ok {
			return ids, nil
		} else {
			gen, writeBack = g, true
		}
	}

	ids, err := s.repo.ContactIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: contacts: %w", err)
	}

	if writeBack {
		if err := s.contacts.SetContacts(ctx, userID, ids, gen); err != nil {
			log.Warn().Err(err).Uint64("user_id", userID).Msg("contact cache write failed")
		}
	}
	return ids, nil
}

// ConversationMessages returns one page of the history between a and b,
// newest first. page is zero based; size is clamped to 1..100.
func (s *Service) ConversationMessages(ctx context.Context, a, b uint64, page, size int) ([]MessageView, error) {
	if err := validatePair(a, b); err != nil {
		return nil, err
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	msgs, err := s.repo.ListConversationMessages(ctx, a, b, page*size, size)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	names := s.displayNames(ctx, []uint64{a, b})

	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewMessageView(m, names[m.SenderID]))
	}
	return out, nil
}

// UserConversations returns userID's inbox, most recent first. Unread counts
// only include messages sent to userID by that conversation's other member.
func (s *Service) UserConversations(ctx context.Context, userID uint64) ([]ConversationSummary, error) {
	convs, err := s.repo.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	if len(convs) == 0 {
		return []ConversationSummary{}, nil
	}
	unread, err := s.repo.UnreadBySender(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: unread counts: %w", err)
	}

	others := make([]uint64, 0, len(convs))
	for _, c := range convs {
		others = append(others, c.Other(userID))
	}
	names := s.displayNames(ctx, others)

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		other := c.Other(userID)
		out = append(out, ConversationSummary{
			ConversationID: c.ID,
			OtherUserID:    other,
			OtherUserName:  names[other],
			LastMessageAt:  c.LastMessageAt,
			UnreadCount:    unread[other],
		})
	}
	return out, nil
}

// UnreadCount totals unread messages addressed to userID.
func (s *Service) UnreadCount(ctx context.Context, userID uint64) (int64, error) {
	n, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("chat: unread count: %w", err)
	}
	return n, nil
}

func (s *Service) push(userID uint64, ev Event) bool {
	payload, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("action", string(ev.Action)).Msg("encode push event")
		return false
	}
	return s.pusher.Push(userID, payload)
}

func (s *Service) publish(ctx context.Context, view MessageView, delivered, created bool) {
	if s.events == nil {
		return
	}
	eventID, err := common.NewULID()
	if err != nil {
		log.Error().Err(err).Msg("new event id")
		return
	}
	ev := MessageEvent{
		EventID:             eventID,
		MessageID:           view.MessageID,
		SenderID:            view.SenderID,
		ReceiverID:          view.ReceiverID,
		SenderName:          view.SenderName,
		Content:             view.Content,
		MessageType:         view.MessageType,
		Timestamp:           view.Timestamp,
		Delivered:           delivered,
		ConversationCreated: created,
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.PublishMessageEvent(pctx, ev); err != nil {
		log.Warn().Err(err).Uint64("message_id", view.MessageID).Msg("publish message event failed")
	}
}

func (s *Service) displayName(ctx context.Context, userID uint64) string {
	return s.displayNames(ctx, []uint64{userID})[userID]
}

// displayNames never fails; lookup errors degrade to the unknown-user label.
func (s *Service) displayNames(ctx context.Context, ids []uint64) map[uint64]string {
	if s.names != nil {
		names, err := s.names.DisplayNames(ctx, ids)
		if err == nil {
			return names
		}
		log.Warn().Err(err).Msg("resolve display names")
	}
	out := make(map[uint64]string, len(ids))
	for _, id := range ids {
		out[id] = users.UnknownName
	}
	return out
}
