package chat

import (
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageSystem MessageType = "SYSTEM"
)

// ParseMessageType accepts the wire names case-insensitively; empty means TEXT.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(strings.ToUpper(strings.TrimSpace(s))) {
	case "", MessageText:
		return MessageText, nil
	case MessageImage:
		return MessageImage, nil
	case MessageSystem:
		return MessageSystem, nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, s)
	}
}

// Conversation is the single row for an unordered pair of users. The pair is
// stored with User1ID < User2ID.
type Conversation struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	User1ID       uint64    `gorm:"not null;uniqueIndex:uniq_conversation_pair,priority:1;index:idx_conversation_user1" json:"user1_id"`
	User2ID       uint64    `gorm:"not null;uniqueIndex:uniq_conversation_pair,priority:2;index:idx_conversation_user2" json:"user2_id"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	LastMessageAt time.Time `gorm:"not null;index" json:"last_message_at"`
}

func (Conversation) TableName() string { return "conversations" }

// Other returns the participant that is not userID.
func (c Conversation) Other(userID uint64) uint64 {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// Message belongs to the conversation of its sender/receiver pair.
type Message struct {
	ID          uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID    uint64      `gorm:"not null;index:idx_msg_pair,priority:1" json:"sender_id"`
	ReceiverID  uint64      `gorm:"not null;index:idx_msg_pair,priority:2;index:idx_msg_unread,priority:1" json:"receiver_id"`
	Content     string      `gorm:"type:text;not null" json:"content"`
	MessageType MessageType `gorm:"type:varchar(16);not null;default:TEXT" json:"message_type"`
	Timestamp   time.Time   `gorm:"not null;index" json:"timestamp"`
	IsRead      bool        `gorm:"not null;default:false;index:idx_msg_unread,priority:2" json:"is_read"`
}

func (Message) TableName() string { return "messages" }

// Tables lists the models owned by this package, for migration.
func Tables() []any {
	return []any{&Conversation{}, &Message{}}
}

// MessageView is the wire shape of a message.
type MessageView struct {
	MessageID   uint64      `json:"messageId"`
	SenderID    uint64      `json:"senderId"`
	ReceiverID  uint64      `json:"receiverId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	Timestamp   time.Time   `json:"timestamp"`
	IsRead      bool        `json:"isRead"`
	SenderName  string      `json:"senderName"`
}

func NewMessageView(m Message, senderName string) MessageView {
	return MessageView{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		MessageType: m.MessageType,
		Timestamp:   m.Timestamp,
		IsRead:      m.IsRead,
		SenderName:  senderName,
	}
}

// ConversationSummary is one row of a user's inbox.
type ConversationSummary struct {
	ConversationID uint64    `json:"conversationId"`
	OtherUserID    uint64    `json:"otherUserId"`
	OtherUserName  string    `json:"otherUserName"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	UnreadCount    int64     `json:"unreadCount"`
}

func canonicalPair(a, b uint64) (uint64, uint64) {
	if a < b {
		return a, b
	}
	return b, a
}
