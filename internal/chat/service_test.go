package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/agri-chat/internal/models"
	"github.com/suPer8Hu/agri-chat/internal/store/redisstore"
	"github.com/suPer8Hu/agri-chat/internal/testutil"
	"github.com/suPer8Hu/agri-chat/internal/users"
)

type pushed struct {
	userID uint64
	event  Event
}

// recordingPusher stands in for the session registry.
type recordingPusher struct {
	mu     sync.Mutex
	online map[uint64]bool
	pushes []pushed
}

func newRecordingPusher(online ...uint64) *recordingPusher {
	p := &recordingPusher{online: map[uint64]bool{}}
	for _, id := range online {
		p.online[id] = true
	}
	return p
}

func (p *recordingPusher) Push(userID uint64, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[userID] {
		return false
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		panic(err)
	}
	p.pushes = append(p.pushes, pushed{userID: userID, event: ev})
	return true
}

func (p *recordingPusher) IsOnline(userID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *recordingPusher) OnlineSubset(ids []uint64) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint64
	for _, id := range ids {
		if p.online[id] {
			out = append(out, id)
		}
	}
	return out
}

func (p *recordingPusher) to(userID uint64) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ps := range p.pushes {
		if ps.userID == userID {
			out = append(out, ps.event)
		}
	}
	return out
}

type recordingPublisher struct {
	events []MessageEvent
	err    error
}

func (p *recordingPublisher) PublishMessageEvent(ctx context.Context, ev MessageEvent) error {
	_ = ctx
	p.events = append(p.events, ev)
	return p.err
}

type memoryContacts struct {
	data        map[uint64][]uint64
	gens        map[uint64]int64
	invalidated []uint64
	// beforeSet runs once, ahead of the next SetContacts.
	beforeSet func()
}

func newMemoryContacts() *memoryContacts {
	return &memoryContacts{data: map[uint64][]uint64{}, gens: map[uint64]int64{}}
}

func (m *memoryContacts) Contacts(ctx context.Context, userID uint64) ([]uint64, int64, bool, error) {
	_ = ctx
	ids, ok := m.data[userID]
	return ids, m.gens[userID], ok, nil
}

func (m *memoryContacts) SetContacts(ctx context.Context, userID uint64, ids []uint64, gen int64) error {
	_ = ctx
	if hook := m.beforeSet; hook != nil {
		m.beforeSet = nil
		hook()
	}
	if m.gens[userID] != gen {
		return nil
	}
	m.data[userID] = ids
	return nil
}

func (m *memoryContacts) InvalidateContacts(ctx context.Context, userIDs ...uint64) error {
	_ = ctx
	for _, id := range userIDs {
		m.gens[id]++
		delete(m.data, id)
		m.invalidated = append(m.invalidated, id)
	}
	return nil
}

// stepClock returns strictly increasing timestamps one second apart.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type fixture struct {
	db     *gorm.DB
	svc    *Service
	pusher *recordingPusher
	alice  models.User
	bob    models.User
	carol  models.User
}

func newFixture(t *testing.T, pusher *recordingPusher, opts ...Option) *fixture {
	t.Helper()
	tables := append([]any{&models.User{}}, Tables()...)
	db := testutil.OpenDB(t, tables...)

	f := &fixture{db: db, pusher: pusher}
	f.alice = testutil.SeedUser(t, db, "alice@example.com", "alice")
	f.bob = testutil.SeedUser(t, db, "bob@example.com", "bob")
	f.carol = testutil.SeedUser(t, db, "carol@example.com", "carol")

	opts = append([]Option{WithClock(stepClock())}, opts...)
	f.svc = NewService(NewRepo(db), users.NewDirectory(db), pusher, opts...)
	return f
}

func TestSendMessage_ThenHistoryReturnsIt(t *testing.T) {
	f := newFixture(t, newRecordingPusher())
	ctx := context.Background()

	sent, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "Hello", "")
	require.NoError(t, err)
	assert.NotZero(t, sent.MessageID)
	assert.Equal(t, MessageText, sent.MessageType)
	assert.Equal(t, "alice", sent.SenderName)

	history, err := f.svc.ConversationMessages(ctx, f.bob.ID, f.alice.ID, 0, 20)
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := history[0]
	assert.Equal(t, sent.MessageID, got.MessageID)
	assert.Equal(t, f.alice.ID, got.SenderID)
	assert.Equal(t, f.bob.ID, got.ReceiverID)
	assert.Equal(t, "Hello", got.Content)
	assert.False(t, got.IsRead)
}

func TestSendMessage_OneConversationPerPair(t *testing.T) {
	f := newFixture(t, newRecordingPusher())
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "hi", MessageText)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, f.bob.ID, f.alice.ID, "hey", MessageText)
	require.NoError(t, err)

	var n int64
	require.NoError(t, f.db.Model(&Conversation{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	conv, err := NewRepo(f.db).FindConversation(ctx, f.bob.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Less(t, conv.User1ID, conv.User2ID)
}

func TestSendMessage_LastMessageAtAdvances(t *testing.T) {
	f := newFixture(t, newRecordingPusher())
	ctx := context.Background()
	repo := NewRepo(f.db)

	first, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "one", MessageText)
	require.NoError(t, err)
	conv, err := repo.FindConversation(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, conv.LastMessageAt.Equal(first.Timestamp))

	second, err := f.svc.SendMessage(ctx, f.bob.ID, f.alice.ID, "two", MessageText)
	require.NoError(t, err)
	conv, err = repo.FindConversation(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, conv.LastMessageAt.Equal(second.Timestamp))
}

func TestSendMessage_LastMessageAtNeverMovesBack(t *testing.T) {
	f := newFixture(t, newRecordingPusher())
	ctx := context.Background()
	repo := NewRepo(f.db)

	late := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := repo.InsertMessage(ctx, &Message{SenderID: f.alice.ID, ReceiverID: f.bob.ID, Content: "late", MessageType: MessageText, Timestamp: late})
	require.NoError(t, err)
	_, _, err = repo.InsertMessage(ctx, &Message{SenderID: f.bob.ID, ReceiverID: f.alice.ID, Content: "skewed", MessageType: MessageText, Timestamp: late.Add(-time.Hour)})
	require.NoError(t, err)

	conv, err := repo.FindConversation(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, conv.LastMessageAt.Equal(late))
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t, newRecordingPusher())
	ctx := context.Background()

	cases := []struct {
		name     string
		sender   uint64
		receiver uint64
		content  string
		typ      MessageType
	}{
		{"self", f.alice.ID, f.alice.ID, "hi", MessageText},
		{"zero receiver", f.alice.ID, 0, "hi", MessageText},
		{"blank content", f.alice.ID, f.bob.ID, "   ", MessageText},
		{"unknown type", f.alice.ID, f.bob.ID, "hi", MessageType("VIDEO")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SendMessage(ctx, tc.sender, tc.receiver, tc.content, tc.typ)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	var n int64
	require.NoError(t, f.db.Model(&Message{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestSendMessage_PushesToOnlineReceiverAndSender(t *testing.T) {
	pusher := newRecordingPusher()
	f := newFixture(t, pusher)
	pusher.online[f.alice.ID] = true
	pusher.online[f.bob.ID] = true

	sent, err := f.svc.SendMessage(context.Background(), f.alice.ID, f.bob.ID, "Hello", MessageText)
	require.NoError(t, err)

	toBob := pusher.to(f.bob.ID)
	require.Len(t, toBob, 1)
	assert.Equal(t, ActionNewMessage, toBob[0].Action)
	require.NotNil(t, toBob[0].Message)
	assert.Equal(t, sent.MessageID, toBob[0].Message.MessageID)
	assert.Equal(t, "Hello", toBob[0].Message.Content)
	assert.False(t, toBob[0].Message.IsRead)

	toAlice := pusher.to(f.alice.ID)
	require.Len(t, toAlice, 1)
	assert.Equal(t, ActionMessageSent, toAlice[0].Action)
	assert.Equal(t, sent.MessageID, toAlice[0].Message.MessageID)
}

func TestSendMessage_OfflineReceiverStillPersisted(t *testing.T) {
	pusher := newRecordingPusher()
	pub := &recordingPublisher{}
	f := newFixture(t, pusher, WithEventPublisher(pub))
	pusher.online[f.alice.ID] = true
	ctx := context.Background()

	sent, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "are you there?", MessageText)
	require.NoError(t, err)

	assert.Empty(t, pusher.to(f.bob.ID))
	history, err := f.svc.ConversationMessages(ctx, f.alice.ID, f.bob.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sent.MessageID, history[0].MessageID)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, sent.MessageID, ev.MessageID)
	assert.False(t, ev.Delivered)
	assert.True(t, ev.ConversationCreated)
	assert.Len(t, ev.EventID, 26)
}

func TestSendMessage_PublishFailureIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	f := newFixture(t, newRecordingPusher(), WithEventPublisher(pub))

	_, err := f.svc.SendMessage(context.Background(), f.alice.ID, f.bob.ID, "hi", MessageText)
	require.NoError(t, err)
	assert.Len(t, pub.events, 1)
}

func TestMarkRead_ZeroesUnreadAndIsIdempotent(t *testing.T) {
	pusher := newRecordingPusher()
	f := newFixture(t, pusher)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		_, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, c, MessageText)
		require.NoError(t, err)
	}
	_, err := f.svc.SendMessage(ctx, f.carol.ID, f.bob.ID, "from carol", MessageText)
	require.NoError(t, err)

	unread, err := f.svc.UnreadCount(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, unread)

	pusher.online[f.alice.ID] = true
	n, err := f.svc.MarkRead(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	unread, err = f.svc.UnreadCount(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread, "only carol's message stays unread")

	readNotes := pusher.to(f.alice.ID)
	require.Len(t, readNotes, 1)
	assert.Equal(t, ActionMessagesRead, readNotes[0].Action)
	assert.Equal(t, f.bob.ID, readNotes[0].UserID)

	n, err = f.svc.MarkRead(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pusher.to(f.alice.ID), 1, "no second notification")

	history, err := f.svc.ConversationMessages(ctx, f.alice.ID, f.bob.ID, 0, 10)
	require.NoError(t, err)
	for _, m := range history {
		assert.True(t, m.IsRead)
	}
}

func TestUserConversations_OrderedByRecency(t *testing.T) {
	f := newFixture(t, newRecordingPusher())
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "to bob", MessageText)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, f.carol.ID, f.alice.ID, "from carol", MessageText)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, f.carol.ID, f.alice.ID, "again", MessageText)
	require.NoError(t, err)

	convs, err := f.svc.UserConversations(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, f.carol.ID, convs[0].OtherUserID)
	assert.Equal(t, "carol", convs[0].OtherUserName)
	assert.EqualValues(t, 2, convs[0].UnreadCount)
	assert.Equal(t, f.bob.ID, convs[1].OtherUserID)
	assert.EqualValues(t, 0, convs[1].UnreadCount)

	// a new message to bob moves him to the top
	_, err = f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "bump", MessageText)
	require.NoError(t, err)

	convs, err = f.svc.UserConversations(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, f.bob.ID, convs[0].OtherUserID)
	assert.False(t, convs[0].LastMessageAt.Before(convs[1].LastMessageAt))

	empty, err := f.svc.UserConversations(ctx, 424242)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConversationMessages_Pagination(t *testing.T) {
	f := newFixture(t, newRecordingPusher())
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 5; i++ {
		m, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "msg", MessageText)
		require.NoError(t, err)
		ids = append(ids, m.MessageID)
	}

	page0, err := f.svc.ConversationMessages(ctx, f.alice.ID, f.bob.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page0, 2)
	assert.Equal(t, ids[4], page0[0].MessageID)
	assert.Equal(t, ids[3], page0[1].MessageID)

	page2, err := f.svc.ConversationMessages(ctx, f.alice.ID, f.bob.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, ids[0], page2[0].MessageID)

	all, err := f.svc.ConversationMessages(ctx, f.alice.ID, f.bob.ID, -1, 1000)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestContacts_UsesCacheAndInvalidatesOnNewConversation(t *testing.T) {
	cache := newMemoryContacts()
	f := newFixture(t, newRecordingPusher(), WithContactCache(cache))
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "hi", MessageText)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{f.alice.ID, f.bob.ID}, cache.invalidated)

	contacts, err := f.svc.Contacts(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{f.bob.ID}, contacts)
	assert.Equal(t, []uint64{f.bob.ID}, cache.data[f.alice.ID])

	// served from cache even though the store has more
	cache.data[f.alice.ID] = []uint64{f.bob.ID, 99}
	contacts, err = f.svc.Contacts(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{f.bob.ID, 99}, contacts)

	_, err = f.svc.SendMessage(ctx, f.carol.ID, f.alice.ID, "new pair", MessageText)
	require.NoError(t, err)
	contacts, err = f.svc.Contacts(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{f.bob.ID, f.carol.ID}, contacts)
}

// racingContacts lets a test commit a new conversation between the database
// read and the cache write of a Contacts call.
type racingContacts struct {
	*redisstore.Store
	beforeSet func()
}

func (r *racingContacts) SetContacts(ctx context.Context, userID uint64, ids []uint64, gen int64) error {
	if hook := r.beforeSet; hook != nil {
		r.beforeSet = nil
		hook()
	}
	return r.Store.SetContacts(ctx, userID, ids, gen)
}

func TestContacts_NewConversationDuringReadIsNotCachedStale(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := redisstore.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache := &racingContacts{Store: store}
	f := newFixture(t, newRecordingPusher(), WithContactCache(cache))
	ctx := context.Background()

	cache.beforeSet = func() {
		_, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "first", MessageText)
		require.NoError(t, err)
	}
	contacts, err := f.svc.Contacts(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Empty(t, contacts, "read before the conversation existed")
	assert.False(t, mr.Exists("chat:contacts:"+strconv.FormatUint(f.bob.ID, 10)))

	contacts, err = f.svc.Contacts(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{f.alice.ID}, contacts)
}

func TestContacts_FakeCacheDropsStaleWrite(t *testing.T) {
	cache := newMemoryContacts()
	f := newFixture(t, newRecordingPusher(), WithContactCache(cache))
	ctx := context.Background()

	cache.beforeSet = func() {
		_, err := f.svc.SendMessage(ctx, f.carol.ID, f.bob.ID, "first", MessageText)
		require.NoError(t, err)
	}
	_, err := f.svc.Contacts(ctx, f.bob.ID)
	require.NoError(t, err)
	_, cached := cache.data[f.bob.ID]
	assert.False(t, cached)

	contacts, err := f.svc.Contacts(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{f.carol.ID}, contacts)
	assert.Equal(t, []uint64{f.carol.ID}, cache.data[f.bob.ID])
}

func TestAnnouncePresence_OnlyOnlineContacts(t *testing.T) {
	pusher := newRecordingPusher()
	f := newFixture(t, pusher)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, f.alice.ID, f.bob.ID, "hi", MessageText)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, f.carol.ID, f.alice.ID, "hi", MessageText)
	require.NoError(t, err)

	pusher.online[f.bob.ID] = true
	n, err := f.svc.AnnouncePresence(ctx, f.alice.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	toBob := pusher.to(f.bob.ID)
	require.Len(t, toBob, 1)
	assert.Equal(t, ActionUserOffline, toBob[0].Action)
	assert.Equal(t, f.alice.ID, toBob[0].UserID)
	assert.Empty(t, pusher.to(f.carol.ID))
}

func TestTypingAndOnlineStatus(t *testing.T) {
	pusher := newRecordingPusher()
	f := newFixture(t, pusher)
	pusher.online[f.alice.ID] = true

	assert.False(t, f.svc.Typing(f.alice.ID, f.bob.ID), "offline receiver drops typing")

	assert.False(t, f.svc.OnlineStatus(f.alice.ID, f.bob.ID))
	got := pusher.to(f.alice.ID)
	require.Len(t, got, 1)
	assert.Equal(t, ActionOnlineStatus, got[0].Action)
	require.NotNil(t, got[0].IsOnline)
	assert.False(t, *got[0].IsOnline)

	pusher.online[f.bob.ID] = true
	assert.True(t, f.svc.Typing(f.alice.ID, f.bob.ID))
	typing := pusher.to(f.bob.ID)
	require.Len(t, typing, 1)
	assert.Equal(t, ActionTyping, typing[0].Action)
	assert.Equal(t, f.alice.ID, typing[0].SenderID)
	require.NotNil(t, typing[0].IsTyping)
	assert.True(t, *typing[0].IsTyping)
}

func TestParseMessageType(t *testing.T) {
	for in, want := range map[string]MessageType{"": MessageText, "text": MessageText, " IMAGE ": MessageImage, "System": MessageSystem} {
		got, err := ParseMessageType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMessageType("AUDIO")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
