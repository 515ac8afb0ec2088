package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// InboundAction is what a client asks the server to do.
type InboundAction string

const (
	ActionSendMessage     InboundAction = "SEND_MESSAGE"
	ActionMarkRead        InboundAction = "MARK_READ"
	ActionTyping          InboundAction = "TYPING"
	ActionGetOnlineStatus InboundAction = "GET_ONLINE_STATUS"
)

var errMalformed = errors.New("malformed envelope")

// Envelope is one inbound frame. Which fields matter depends on Action.
//
// MARK_READ is sent by the reader. Its receiverId is the user whose messages
// are being marked read, that is the sender of the original messages, not the
// caller:
//
//	{"action":"MARK_READ","senderId":<reader>,"receiverId":<original sender>}
//
// The original sender then gets MESSAGES_READ carrying the reader's id.
type Envelope struct {
	SenderID    uint64        `json:"senderId"`
	ReceiverID  uint64        `json:"receiverId"`
	Content     string        `json:"content"`
	MessageType string        `json:"messageType"`
	Action      InboundAction `json:"action"`
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.Action == "" {
		return env, fmt.Errorf("%w: missing action", errMalformed)
	}
	return env, nil
}
