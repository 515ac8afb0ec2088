package chat

import (
	"context"
	"time"
)

// MessageEvent is published after a message is persisted, for consumers
// outside this process (offline notifications).
type MessageEvent struct {
	EventID             string      `json:"eventId"`
	MessageID           uint64      `json:"messageId"`
	SenderID            uint64      `json:"senderId"`
	ReceiverID          uint64      `json:"receiverId"`
	SenderName          string      `json:"senderName"`
	Content             string      `json:"content"`
	MessageType         MessageType `json:"messageType"`
	Timestamp           time.Time   `json:"timestamp"`
	Delivered           bool        `json:"delivered"`
	ConversationCreated bool        `json:"conversationCreated"`
}

type EventPublisher interface {
	PublishMessageEvent(ctx context.Context, ev MessageEvent) error
}
