package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	contactsPrefix = "chat:contacts:"
	contactsGenKey = "chat:contacts:gen:"
	revokedPrefix  = "auth:revoked:"
	notifyPrefix   = "chat:notify:"
)

// Store wraps a go-redis client with the few key families this service uses.
type Store struct {
	rdb        *redis.Client
	contactTTL time.Duration
}

type Option func(*Store)

// WithContactTTL sets how long a cached contact list lives.
func WithContactTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.contactTTL = d
		}
	}
}

// New connects and pings. The caller owns Close.
func New(addr, password string, db int, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return NewWithClient(rdb, opts...), nil
}

func NewWithClient(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, contactTTL: 10 * time.Minute}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func contactsKey(userID uint64) string {
	return contactsPrefix + strconv.FormatUint(userID, 10)
}

// Each user's list has a generation counter that InvalidateContacts bumps.
// The counters do not expire.
func contactsGen(userID uint64) string {
	return contactsGenKey + strconv.FormatUint(userID, 10)
}

// Contacts reads a cached contact list together with its generation. An empty
// cached list is still a hit. On a miss the generation is what SetContacts
// expects back.
func (s *Store) Contacts(ctx context.Context, userID uint64) ([]uint64, int64, bool, error) {
	vals, err := s.rdb.MGet(ctx, contactsKey(userID), contactsGen(userID)).Result()
	if err != nil {
		return nil, 0, false, err
	}
	gen, err := parseGen(vals[1])
	if err != nil {
		return nil, 0, false, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, false, nil
	}
	var ids []uint64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		// unreadable entry: drop it and report a miss
		_ = s.rdb.Del(ctx, contactsKey(userID)).Err()
		return nil, gen, false, nil
	}
	if ids == nil {
		ids = []uint64{}
	}
	return ids, gen, true, nil
}

func parseGen(v any) (int64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: contacts generation %q: %w", str, err)
	}
	return gen, nil
}

// SetContacts caches ids only if the generation is still gen, so a list read
// from the database before a concurrent InvalidateContacts is never written
// back over it. A skipped write is not an error.
func (s *Store) SetContacts(ctx context.Context, userID uint64, ids []uint64, gen int64) error {
	if ids == nil {
		ids = []uint64{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	genKey := contactsGen(userID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, contactsKey(userID), raw, s.contactTTL)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		// invalidated between the check and the write
		return nil
	}
	return err
}

func (s *Store) InvalidateContacts(ctx context.Context, userIDs ...uint64) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Incr(ctx, contactsGen(id))
			pipe.Del(ctx, contactsKey(id))
		}
		return nil
	})
	return err
}

// RevokeToken denies tokenID until ttl elapses; ttl should cover the token's
// remaining lifetime. A non-positive ttl is a no-op since the token has
// already expired.
func (s *Store) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" {
		return errors.New("redis: empty token id")
	}
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, revokedPrefix+tokenID, "1", ttl).Err()
}

func (s *Store) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	n, err := s.rdb.Exists(ctx, revokedPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AcquireNotifySlot reports whether a notification about senderID's messages
// may be sent to receiverID now. The slot stays taken for ttl.
func (s *Store) AcquireNotifySlot(ctx context.Context, receiverID, senderID uint64, ttl time.Duration) (bool, error) {
	key := notifyPrefix + strconv.FormatUint(receiverID, 10) + ":" + strconv.FormatUint(senderID, 10)
	return s.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}
