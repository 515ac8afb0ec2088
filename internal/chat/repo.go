package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo is the conversation store.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// InsertMessage persists m inside one transaction together with the
// find-or-create of its conversation and the last_message_at bump, so no
// reader sees the message without its conversation reflecting it.
// created reports whether the conversation row was new.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) (conv *Conversation, created bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, isNew, err := findOrCreateConversation(tx, m.SenderID, m.ReceiverID, m.Timestamp)
		if err != nil {
			return err
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		// conditional so last_message_at never moves backwards
		res := tx.Model(&Conversation{}).
			Where("id = ? AND last_message_at < ?", c.ID, m.Timestamp).
			Update("last_message_at", m.Timestamp)
		if res.Error != nil {
			return res.Error
		}
		if m.Timestamp.After(c.LastMessageAt) {
			c.LastMessageAt = m.Timestamp
		}
		conv, created = c, isNew
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

func findOrCreateConversation(tx *gorm.DB, a, b uint64, now time.Time) (*Conversation, bool, error) {
	lo, hi := canonicalPair(a, b)

	existing, err := conversationByPair(tx, lo, hi)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	c := &Conversation{User1ID: lo, User2ID: hi, CreatedAt: now, LastMessageAt: now}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return c, true, nil
	}

	// Lost a race with a concurrent first message for the same pair. A plain
	// read would reuse the snapshot taken above and miss the winner's row
	// under REPEATABLE READ; a locking read sees the latest committed version.
	existing, err = conversationByPair(lockShared(tx), lo, hi)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// lockShared turns the next read into SELECT ... FOR SHARE. The sqlite
// dialect drops the clause since its writer lock already serialises.
func lockShared(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "SHARE"})
}

func conversationByPair(tx *gorm.DB, lo, hi uint64) (*Conversation, error) {
	var c Conversation
	if err := tx.Where("user1_id = ? AND user2_id = ?", lo, hi).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// FindConversation matches the pair in either order.
func (r *Repo) FindConversation(ctx context.Context, a, b uint64) (*Conversation, error) {
	lo, hi := canonicalPair(a, b)
	return conversationByPair(r.db.WithContext(ctx), lo, hi)
}

// ListConversationMessages returns messages between a and b, newest first.
func (r *Repo) ListConversationMessages(ctx context.Context, a, b uint64, offset, limit int) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", a, b, b, a).
		Order("timestamp DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListUserConversations returns every conversation userID takes part in,
// most recently active first.
func (r *Repo) ListUserConversations(ctx context.Context, userID uint64) ([]Conversation, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("last_message_at DESC").
		Order("id DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// UnreadBySender counts unread messages addressed to receiverID, per sender.
func (r *Repo) UnreadBySender(ctx context.Context, receiverID uint64) (map[uint64]int64, error) {
	var rows []struct {
		SenderID uint64
		Total    int64
	}
	if err := r.db.WithContext(ctx).
		Model(&Message{}).
		Select("sender_id, COUNT(*) AS total").
		Where("receiver_id = ? AND is_read = ?", receiverID, false).
		Group("sender_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint64]int64, len(rows))
	for _, row := range rows {
		out[row.SenderID] = row.Total
	}
	return out, nil
}

// CountUnread counts unread messages addressed to receiverID.
func (r *Repo) CountUnread(ctx context.Context, receiverID uint64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("receiver_id = ? AND is_read = ?", receiverID, false).
		Count(&n).Error
	return n, err
}

// MarkRead flips every unread message from senderID to receiverID and returns
// how many changed. Already-read rows are untouched.
func (r *Repo) MarkRead(ctx context.Context, senderID, receiverID uint64) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("sender_id = ? AND receiver_id = ? AND is_read = ?", senderID, receiverID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// ContactIDs returns the other participant of each of userID's conversations.
func (r *Repo) ContactIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	convs, err := r.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.Other(userID))
	}
	return out, nil
}
