package chat

import "encoding/json"

// Action discriminates outbound push envelopes.
type Action string

const (
	ActionNewMessage   Action = "NEW_MESSAGE"
	ActionMessageSent  Action = "MESSAGE_SENT"
	ActionMessagesRead Action = "MESSAGES_READ"
	ActionTyping       Action = "TYPING"
	ActionOnlineStatus Action = "ONLINE_STATUS"
	ActionUserOnline   Action = "USER_ONLINE"
	ActionUserOffline  Action = "USER_OFFLINE"
	ActionError        Action = "ERROR"
)

// Event is an outbound push envelope. Only the fields relevant to Action are
// set; booleans are pointers so an explicit false is still written.
type Event struct {
	Action        Action       `json:"action"`
	Message       *MessageView `json:"message,omitempty"`
	UserID        uint64       `json:"userId,omitempty"`
	SenderID      uint64       `json:"senderId,omitempty"`
	IsTyping      *bool        `json:"isTyping,omitempty"`
	IsOnline      *bool        `json:"isOnline,omitempty"`
	RequestAction string       `json:"requestAction,omitempty"`
	Error         string       `json:"error,omitempty"`
}

func NewMessageEvent(m MessageView) Event {
	return Event{Action: ActionNewMessage, Message: &m}
}

func MessageSentEvent(m MessageView) Event {
	return Event{Action: ActionMessageSent, Message: &m}
}

// MessagesReadEvent tells a sender that readerID has read their messages.
func MessagesReadEvent(readerID uint64) Event {
	return Event{Action: ActionMessagesRead, UserID: readerID}
}

func TypingEvent(senderID uint64) Event {
	t := true
	return Event{Action: ActionTyping, SenderID: senderID, IsTyping: &t}
}

func OnlineStatusEvent(userID uint64, online bool) Event {
	return Event{Action: ActionOnlineStatus, UserID: userID, IsOnline: &online}
}

func PresenceEvent(userID uint64, online bool) Event {
	if online {
		return Event{Action: ActionUserOnline, UserID: userID}
	}
	return Event{Action: ActionUserOffline, UserID: userID}
}

func ErrorEvent(requestAction, msg string) Event {
	return Event{Action: ActionError, RequestAction: requestAction, Error: msg}
}

// Encode marshals e. Event holds only plain values, so this cannot fail in
// practice; the error is still returned for callers that want it.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
