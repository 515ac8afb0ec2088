// Package notify emails users about messages that reached them while they
// had no live connection.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/agri-chat/internal/chat"
	"github.com/suPer8Hu/agri-chat/internal/models"
	"github.com/suPer8Hu/agri-chat/internal/users"
)

const previewLength = 140

type Mailer interface {
	SendText(to, subject, body string) error
}

// Throttle grants at most one notification per (receiver, sender) per window.
type Throttle interface {
	AcquireNotifySlot(ctx context.Context, receiverID, senderID uint64, ttl time.Duration) (bool, error)
}

type UserFinder interface {
	FindByID(ctx context.Context, id uint64) (*models.User, error)
}

type Notifier struct {
	mailer   Mailer
	throttle Throttle
	users    UserFinder
	cooldown time.Duration
	product  string
}

func NewNotifier(mailer Mailer, throttle Throttle, finder UserFinder, cooldown time.Duration) *Notifier {
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &Notifier{
		mailer:   mailer,
		throttle: throttle,
		users:    finder,
		cooldown: cooldown,
		product:  "Agri Chat",
	}
}

// Handle is the worker's message-event handler. It returns an error only for
// failures worth dead-lettering.
func (n *Notifier) Handle(ctx context.Context, ev chat.MessageEvent) error {
	if ev.Delivered {
		return nil
	}
	if ev.MessageType == chat.MessageSystem {
		return nil
	}

	receiver, err := n.users.FindByID(ctx, ev.ReceiverID)
	if errors.Is(err, users.ErrNotFound) {
		log.Warn().Uint64("receiver_id", ev.ReceiverID).Msg("notify: receiver not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("notify: load receiver: %w", err)
	}
	if receiver.Email == "" {
		return nil
	}

	ok, err := n.throttle.AcquireNotifySlot(ctx, ev.ReceiverID, ev.SenderID, n.cooldown)
	if err != nil {
		return fmt.Errorf("notify: throttle: %w", err)
	}
	if !ok {
		log.Debug().Uint64("receiver_id", ev.ReceiverID).Uint64("sender_id", ev.SenderID).Msg("notify: throttled")
		return nil
	}

	subject, body := n.render(receiver, ev)
	if err := n.mailer.SendText(receiver.Email, subject, body); err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	log.Info().
		Str("event_id", ev.EventID).
		Uint64("receiver_id", ev.ReceiverID).
		Uint64("sender_id", ev.SenderID).
		Msg("offline notification sent")
	return nil
}

func (n *Notifier) render(receiver *models.User, ev chat.MessageEvent) (string, string) {
	sender := ev.SenderName
	if sender == "" {
		sender = users.UnknownName
	}
	subject := fmt.Sprintf("%s: new message from %s", n.product, sender)

	preview := ev.Content
	if ev.MessageType == chat.MessageImage {
		preview = "[image]"
	} else if utf8.RuneCountInString(preview) > previewLength {
		preview = string([]rune(preview)[:previewLength]) + "..."
	}

	body := "Hello " + receiver.DisplayName() + ",\n\n" +
		sender + " sent you a message while you were away:\n\n" +
		"    " + preview + "\n\n" +
		"Open " + n.product + " to reply.\n"
	return subject, body
}
