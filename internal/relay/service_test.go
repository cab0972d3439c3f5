package relay

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	telebot "gopkg.in/telebot.v3"

	"github.com/Proton-105/forward-bot/internal/autoreply"
	"github.com/Proton-105/forward-bot/internal/directory"
	"github.com/Proton-105/forward-bot/internal/domain"
	"github.com/Proton-105/forward-bot/internal/repository"
	"github.com/Proton-105/forward-bot/internal/spam"
	"github.com/Proton-105/forward-bot/internal/state"
	"github.com/Proton-105/forward-bot/internal/transport"
	appredis "github.com/Proton-105/forward-bot/pkg/redis"
)

// --- in-memory persistence fakes ---

type memoryUsers struct {
	mu    sync.Mutex
	users map[int64]*domain.User
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: make(map[int64]*domain.User)}
}

func (r *memoryUsers) FindByID(_ context.Context, id int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.users[id]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, sql.ErrNoRows
}

func (r *memoryUsers) Upsert(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		clone := *user
		r.users[user.ID] = &clone
	}
	return nil
}

func (r *memoryUsers) SetBanned(_ context.Context, id int64, banned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.users[id]; ok {
		user.Banned = banned
	}
	return nil
}

func (r *memoryUsers) SetVerification(_ context.Context, id int64, v domain.Verification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.users[id]; ok {
		user.Verification = v
	}
	return nil
}

func (r *memoryUsers) ListActiveIDs(context.Context) ([]int64, error) { return nil, nil }

type memoryTopics struct {
	mu     sync.Mutex
	byUser map[int64]*domain.Topic
}

func newMemoryTopics() *memoryTopics {
	return &memoryTopics{byUser: make(map[int64]*domain.Topic)}
}

func (r *memoryTopics) FindByUser(_ context.Context, userID int64) (*domain.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if topic, ok := r.byUser[userID]; ok {
		clone := *topic
		return &clone, nil
	}
	return nil, sql.ErrNoRows
}

func (r *memoryTopics) FindByTopic(_ context.Context, topicID int64) (*domain.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range r.byUser {
		if topic.ID == topicID {
			clone := *topic
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memoryTopics) Insert(_ context.Context, topic *domain.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *topic
	r.byUser[topic.UserID] = &clone
	return nil
}

func (r *memoryTopics) DeleteByUser(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, userID)
	return nil
}

func (r *memoryTopics) DeleteByTopic(_ context.Context, topicID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, topic := range r.byUser {
		if topic.ID == topicID {
			delete(r.byUser, userID)
		}
	}
	return nil
}

type memoryLinks struct {
	mu    sync.Mutex
	links []repository.MessageLink
}

func (r *memoryLinks) Insert(_ context.Context, link *repository.MessageLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links = append(r.links, *link)
	return nil
}

func (r *memoryLinks) FindForwarded(_ context.Context, receivedID, topicID int64, inGroup bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.links {
		if l.ReceivedID == receivedID && l.TopicID == topicID && l.InGroup == inGroup {
			return l.ForwardedID, nil
		}
	}
	return 0, sql.ErrNoRows
}

func (r *memoryLinks) FindReceived(_ context.Context, forwardedID, topicID int64, inGroup bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.links {
		if l.ForwardedID == forwardedID && l.TopicID == topicID && l.InGroup == inGroup {
			return l.ReceivedID, nil
		}
	}
	return 0, sql.ErrNoRows
}

func (r *memoryLinks) DeleteByTopic(_ context.Context, topicID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.links[:0]
	for _, l := range r.links {
		if l.TopicID != topicID {
			kept = append(kept, l)
		}
	}
	r.links = kept
	return nil
}

func (r *memoryLinks) DeleteLink(_ context.Context, receivedID, topicID int64, inGroup bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.links[:0]
	for _, l := range r.links {
		if l.ReceivedID == receivedID && l.TopicID == topicID && l.InGroup == inGroup {
			continue
		}
		kept = append(kept, l)
	}
	r.links = kept
	return nil
}

func (r *memoryLinks) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

type memorySettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *memorySettings) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *memorySettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	return nil
}

// --- transport fake ---

type sentItem struct {
	kind    string // "user", "topic", "pin"
	target  int64
	payload transport.Payload
	silent  bool
}

type editItem struct {
	kind      string // "user", "topic"
	target    int64  // user id for user-side edits
	messageID int
	text      string
}

type deletedItem struct {
	userID    int64
	messageID int
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sentItem
	edits     []editItem
	deleted   []deletedItem
	nextMsgID int
	nextTopic int64
	failTopic bool
	failUser  bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{nextMsgID: 1000, nextTopic: 500}
}

func (s *fakeSender) SendToUser(_ context.Context, userID int64, p transport.Payload) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUser {
		return 0, fmt.Errorf("user %d unreachable", userID)
	}
	s.nextMsgID++
	s.sent = append(s.sent, sentItem{kind: "user", target: userID, payload: p})
	return s.nextMsgID, nil
}

func (s *fakeSender) SendToTopic(_ context.Context, topicID int64, p transport.Payload, silent bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTopic {
		return 0, fmt.Errorf("topic %d unreachable", topicID)
	}
	s.nextMsgID++
	s.sent = append(s.sent, sentItem{kind: "topic", target: topicID, payload: p, silent: silent})
	return s.nextMsgID, nil
}

func (s *fakeSender) Pin(_ context.Context, topicID int64, p transport.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentItem{kind: "pin", target: topicID, payload: p})
	return nil
}

func (s *fakeSender) CreateTopic(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTopic++
	return s.nextTopic, nil
}

func (s *fakeSender) DeleteTopic(context.Context, int64) error { return nil }

func (s *fakeSender) EditUserMessage(_ context.Context, userID int64, messageID int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, editItem{kind: "user", target: userID, messageID: messageID, text: text})
	return nil
}

func (s *fakeSender) EditTopicMessage(_ context.Context, messageID int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, editItem{kind: "topic", messageID: messageID, text: text})
	return nil
}

func (s *fakeSender) DeleteUserMessage(_ context.Context, userID int64, messageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, deletedItem{userID: userID, messageID: messageID})
	return nil
}

func (s *fakeSender) byKind(kind string) []sentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentItem
	for _, item := range s.sent {
		if item.kind == kind {
			out = append(out, item)
		}
	}
	return out
}

// keyTranslator echoes keys so assertions can match on them.
type keyTranslator struct{}

func (keyTranslator) T(key string) string { return key }
func (keyTranslator) Tf(key string, args ...any) string {
	return fmt.Sprintf("%s %v", key, args)
}
func (keyTranslator) Lang() string { return "en" }

type memoryRules struct {
	mu    sync.Mutex
	rules []domain.AutoReplyRule
}

func (r *memoryRules) List(context.Context) ([]domain.AutoReplyRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AutoReplyRule(nil), r.rules...), nil
}

func (r *memoryRules) Add(_ context.Context, rule *domain.AutoReplyRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule.ID = int64(len(r.rules) + 1)
	r.rules = append(r.rules, *rule)
	return nil
}

func (r *memoryRules) Delete(context.Context, int64) (bool, error) { return false, nil }

// --- fixture ---

type fixture struct {
	svc    *Service
	sender *fakeSender
	users  *memoryUsers
	topics *memoryTopics
	links  *memoryLinks
}

type fixtureOptions struct {
	captcha      state.CaptchaMode
	keywords     []string
	rules        []domain.AutoReplyRule
	checkAll     bool
	bannedNotice bool
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := &appredis.Client{Client: rdb}

	if opts.captcha == "" {
		opts.captcha = state.CaptchaDisabled
	}

	users := newMemoryUsers()
	topics := newMemoryTopics()
	links := &memoryLinks{}
	sender := newFakeSender()

	states := state.NewService(users, cache, opts.captcha, time.Minute, nil)
	dir := directory.NewService(topics, sender, cache, nil)
	detector := spam.NewKeywordDetector(opts.keywords)
	keeper := spam.NewTopicKeeper(&memorySettings{}, sender, "Spam", nil)

	ruleRepo := &memoryRules{rules: opts.rules}
	replies := autoreply.NewEngine(ruleRepo, nil)
	require.NoError(t, replies.Load(context.Background()))

	svc := NewService(states, detector, keeper, replies, dir, sender, links,
		keyTranslator{}, Config{SpamCheckAll: opts.checkAll, BannedNotice: opts.bannedNotice}, nil)

	return &fixture{svc: svc, sender: sender, users: users, topics: topics, links: links}
}

func userEvent(userID int64, messageID int, text string) transport.Event {
	return transport.Event{
		Origin:    transport.OriginUser,
		UserID:    userID,
		MessageID: messageID,
		Text:      text,
		Message: &telebot.Message{
			ID:     messageID,
			Text:   text,
			Sender: &telebot.User{ID: userID, FirstName: "Ada", Username: "ada"},
		},
		Timestamp: time.Now(),
	}
}

func topicEvent(topicID int64, messageID int, text string) transport.Event {
	return transport.Event{
		Origin:    transport.OriginTopic,
		TopicID:   topicID,
		MessageID: messageID,
		Text:      text,
		Message: &telebot.Message{
			ID:       messageID,
			Text:     text,
			ThreadID: int(topicID),
		},
		Timestamp: time.Now(),
	}
}

// --- tests ---

func TestHandle_FirstContactCreatesTopicAndForwards(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))

	// Exactly one topic exists and carries the copied message.
	topic, err := f.topics.FindByUser(context.Background(), 1)
	require.NoError(t, err)

	forwards := f.sender.byKind("topic")
	require.Len(t, forwards, 1)
	assert.Equal(t, topic.ID, forwards[0].target)
	require.NotNil(t, forwards[0].payload.Copy)
	assert.Equal(t, 11, forwards[0].payload.Copy.ID)

	// The user card is pinned and the user is welcomed.
	pins := f.sender.byKind("pin")
	require.Len(t, pins, 1)
	assert.Contains(t, pins[0].payload.Text, "topic.card")

	toUser := f.sender.byKind("user")
	require.Len(t, toUser, 1)
	assert.Equal(t, "relay.welcome", toUser[0].payload.Text)

	// The link is recorded user-side.
	require.Len(t, f.links.links, 1)
	link := f.links.links[0]
	assert.Equal(t, int64(11), link.ReceivedID)
	assert.Equal(t, topic.ID, link.TopicID)
	assert.False(t, link.InGroup)
}

func TestHandle_SecondMessageReusesTopic(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "first"))
	f.svc.Handle(context.Background(), userEvent(1, 12, "second"))

	forwards := f.sender.byKind("topic")
	require.Len(t, forwards, 2)
	assert.Equal(t, forwards[0].target, forwards[1].target)

	// Welcome only once.
	welcomes := 0
	for _, item := range f.sender.byKind("user") {
		if item.payload.Text == "relay.welcome" {
			welcomes++
		}
	}
	assert.Equal(t, 1, welcomes)
}

func TestHandle_BannedUserIsSilentlyDropped(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	require.NoError(t, f.users.SetBanned(context.Background(), 1, true))
	before := len(f.sender.sent)

	f.svc.Handle(context.Background(), userEvent(1, 12, "anyone?"))

	assert.Len(t, f.sender.sent, before, "no reaction of any kind for banned users")
}

func TestHandle_FirstContactSpamIsQuarantined(t *testing.T) {
	f := newFixture(t, fixtureOptions{keywords: []string{"casino"}})

	f.svc.Handle(context.Background(), userEvent(1, 11, "best casino bonuses"))

	// No personal topic, no user-facing reaction.
	_, err := f.topics.FindByUser(context.Background(), 1)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Empty(t, f.sender.byKind("user"))

	// Header plus copy land silently in the spam topic.
	forwards := f.sender.byKind("topic")
	require.Len(t, forwards, 2)
	assert.Equal(t, forwards[0].target, forwards[1].target)
	assert.True(t, forwards[0].silent)
	assert.Contains(t, forwards[0].payload.Text, "topic.spam_entry")
	require.NotNil(t, forwards[1].payload.Copy)
}

func TestHandle_KnownUserSkipsSpamFilterByDefault(t *testing.T) {
	f := newFixture(t, fixtureOptions{keywords: []string{"casino"}})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	f.svc.Handle(context.Background(), userEvent(1, 12, "casino story from my trip"))

	topic, err := f.topics.FindByUser(context.Background(), 1)
	require.NoError(t, err)

	forwards := f.sender.byKind("topic")
	require.Len(t, forwards, 2)
	assert.Equal(t, topic.ID, forwards[1].target, "established users are not filtered")
}

func TestHandle_CheckAllExtendsSpamFilter(t *testing.T) {
	f := newFixture(t, fixtureOptions{keywords: []string{"casino"}, checkAll: true})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	topic, err := f.topics.FindByUser(context.Background(), 1)
	require.NoError(t, err)

	f.svc.Handle(context.Background(), userEvent(1, 12, "casino spam again"))

	forwards := f.sender.byKind("topic")
	// hello forward, then spam header + copy in a different thread.
	require.Len(t, forwards, 3)
	assert.NotEqual(t, topic.ID, forwards[1].target)
	assert.NotEqual(t, topic.ID, forwards[2].target)
}

func TestHandle_AutoReplyDoesNotStopForwarding(t *testing.T) {
	f := newFixture(t, fixtureOptions{rules: []domain.AutoReplyRule{
		{ID: 1, Pattern: "price", Response: "See the price list"},
	}})

	f.svc.Handle(context.Background(), userEvent(1, 11, "price"))

	var autoReplies []sentItem
	for _, item := range f.sender.byKind("user") {
		if item.payload.Text == "See the price list" {
			autoReplies = append(autoReplies, item)
		}
	}
	require.Len(t, autoReplies, 1)

	// The original message is still forwarded, with a silent echo of the
	// auto response for the operator.
	forwards := f.sender.byKind("topic")
	require.Len(t, forwards, 2)
	require.NotNil(t, forwards[0].payload.Copy)
	assert.Contains(t, forwards[1].payload.Text, "topic.auto_reply_echo")
	assert.True(t, forwards[1].silent)
}

func TestHandle_BannedNoticeWhenEnabled(t *testing.T) {
	f := newFixture(t, fixtureOptions{bannedNotice: true})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	require.NoError(t, f.users.SetBanned(context.Background(), 1, true))
	topicForwards := len(f.sender.byKind("topic"))

	f.svc.Handle(context.Background(), userEvent(1, 12, "anyone?"))

	toUser := f.sender.byKind("user")
	last := toUser[len(toUser)-1]
	assert.Equal(t, "relay.banned_notice", last.payload.Text)
	assert.Len(t, f.sender.byKind("topic"), topicForwards, "nothing is forwarded for banned users")
}

func TestHandle_CaptchaGateConsumesMessages(t *testing.T) {
	f := newFixture(t, fixtureOptions{captcha: state.CaptchaMath})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))

	toUser := f.sender.byKind("user")
	require.Len(t, toUser, 1)
	assert.Contains(t, toUser[0].payload.Text, "captcha.challenge")
	assert.Empty(t, f.sender.byKind("topic"), "challenged messages are not forwarded")
}

func TestHandle_TopicMessageDeliversToUser(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	topic, err := f.topics.FindByUser(context.Background(), 1)
	require.NoError(t, err)

	f.svc.Handle(context.Background(), topicEvent(topic.ID, 21, "hi, how can we help?"))

	toUser := f.sender.byKind("user")
	var deliveries []sentItem
	for _, item := range toUser {
		if item.payload.Copy != nil {
			deliveries = append(deliveries, item)
		}
	}
	require.Len(t, deliveries, 1)
	assert.Equal(t, int64(1), deliveries[0].target)
	assert.Equal(t, 21, deliveries[0].payload.Copy.ID)

	// Link recorded group-side.
	var groupLinks []repository.MessageLink
	for _, link := range f.links.links {
		if link.InGroup {
			groupLinks = append(groupLinks, link)
		}
	}
	require.Len(t, groupLinks, 1)
	assert.Equal(t, int64(21), groupLinks[0].ReceivedID)
}

func TestHandle_UnmappedTopicIsDropped(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), topicEvent(999, 21, "operator chatter"))

	assert.Empty(t, f.sender.sent)
	assert.Empty(t, f.links.links)
}

func TestHandle_ReplyThreadingBothDirections(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	// User writes, operator answers.
	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	topic, err := f.topics.FindByUser(context.Background(), 1)
	require.NoError(t, err)

	// The operator replies to the forwarded copy in the topic.
	userLink := f.links.links[0]
	opEvent := topicEvent(topic.ID, 21, "answer")
	opEvent.Message.ReplyTo = &telebot.Message{ID: int(userLink.ForwardedID)}
	f.svc.Handle(context.Background(), opEvent)

	var delivered sentItem
	for _, item := range f.sender.byKind("user") {
		if item.payload.Copy != nil {
			delivered = item
		}
	}
	assert.Equal(t, int(userLink.ReceivedID), delivered.payload.ReplyTo,
		"operator reply threads onto the user's original message")

	// The user replies to the operator's answer in their chat.
	var groupLink repository.MessageLink
	for _, link := range f.links.links {
		if link.InGroup {
			groupLink = link
		}
	}
	userReply := userEvent(1, 12, "thanks")
	userReply.Message.ReplyTo = &telebot.Message{ID: int(groupLink.ForwardedID)}
	f.svc.Handle(context.Background(), userReply)

	forwards := f.sender.byKind("topic")
	last := forwards[len(forwards)-1]
	assert.Equal(t, int(groupLink.ReceivedID), last.payload.ReplyTo,
		"user reply threads onto the operator's message in the topic")
}

func edited(ev transport.Event, text string) transport.Event {
	ev.Kind = transport.KindEdit
	ev.Text = text
	ev.Message.Text = text
	return ev
}

func TestHandle_UserEditSyncsTopicCopy(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	require.Len(t, f.links.links, 1)
	link := f.links.links[0]

	f.svc.Handle(context.Background(), edited(userEvent(1, 11, "hello"), "hello, corrected"))

	require.Len(t, f.sender.edits, 1)
	edit := f.sender.edits[0]
	assert.Equal(t, "topic", edit.kind)
	assert.Equal(t, int(link.ForwardedID), edit.messageID)
	assert.Contains(t, edit.text, "hello, corrected")
	assert.Contains(t, edit.text, "relay.edited_at")
}

func TestHandle_OperatorEditSyncsUserCopy(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	topic, err := f.topics.FindByUser(context.Background(), 1)
	require.NoError(t, err)

	f.svc.Handle(context.Background(), topicEvent(topic.ID, 21, "answer"))
	var groupLink repository.MessageLink
	for _, link := range f.links.links {
		if link.InGroup {
			groupLink = link
		}
	}
	require.NotZero(t, groupLink.ForwardedID)

	f.svc.Handle(context.Background(), edited(topicEvent(topic.ID, 21, "answer"), "answer, corrected"))

	require.Len(t, f.sender.edits, 1)
	edit := f.sender.edits[0]
	assert.Equal(t, "user", edit.kind)
	assert.Equal(t, int64(1), edit.target)
	assert.Equal(t, int(groupLink.ForwardedID), edit.messageID)
	assert.Contains(t, edit.text, "answer, corrected")
}

func TestHandle_EditOfUnrelayedMessageIsIgnored(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))

	// Message 99 was never relayed; media edits carry no text.
	f.svc.Handle(context.Background(), edited(userEvent(1, 99, ""), "never seen"))
	f.svc.Handle(context.Background(), edited(userEvent(1, 11, "hello"), ""))

	assert.Empty(t, f.sender.edits)
}

func TestRetractOperatorMessage(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	topic, err := f.topics.FindByUser(context.Background(), 1)
	require.NoError(t, err)

	f.svc.Handle(context.Background(), topicEvent(topic.ID, 21, "wrong answer"))
	var groupLink repository.MessageLink
	for _, link := range f.links.links {
		if link.InGroup {
			groupLink = link
		}
	}

	found, err := f.svc.RetractOperatorMessage(context.Background(), topic.ID, 21)
	require.NoError(t, err)
	assert.True(t, found)

	// The user-chat copy is gone and so is the link.
	require.Len(t, f.sender.deleted, 1)
	assert.Equal(t, int64(1), f.sender.deleted[0].userID)
	assert.Equal(t, int(groupLink.ForwardedID), f.sender.deleted[0].messageID)
	for _, link := range f.links.links {
		assert.False(t, link.InGroup, "retracted link must be dropped")
	}
}

func TestRetractUserMessage(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "oops"))
	link := f.links.links[0]

	found, err := f.svc.RetractUserMessage(context.Background(), 1, 11)
	require.NoError(t, err)
	assert.True(t, found)

	// The topic copy stays; the operator gets a threaded notice instead.
	forwards := f.sender.byKind("topic")
	notice := forwards[len(forwards)-1]
	assert.True(t, notice.silent)
	assert.Equal(t, "topic.deleted_by_user", notice.payload.Text)
	assert.Equal(t, int(link.ForwardedID), notice.payload.ReplyTo)
	assert.Empty(t, f.sender.deleted)
	assert.Empty(t, f.links.links)
}

func TestRetract_UnrelayedMessagesNotFound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	topic, err := f.topics.FindByUser(context.Background(), 1)
	require.NoError(t, err)

	found, err := f.svc.RetractUserMessage(context.Background(), 1, 999)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = f.svc.RetractOperatorMessage(context.Background(), topic.ID, 999)
	require.NoError(t, err)
	assert.False(t, found)

	// Unknown users and unmapped topics resolve to nothing as well.
	found, err = f.svc.RetractUserMessage(context.Background(), 42, 1)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = f.svc.RetractOperatorMessage(context.Background(), 9999, 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandle_DeliveryFailureNotifiesUser(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	// Establish the topic first, then break the group transport.
	f.svc.Handle(context.Background(), userEvent(1, 11, "hello"))
	f.sender.failTopic = true
	linksBefore := len(f.links.links)

	f.svc.Handle(context.Background(), userEvent(1, 12, "still there?"))

	toUser := f.sender.byKind("user")
	last := toUser[len(toUser)-1]
	assert.Equal(t, "relay.delivery_failed", last.payload.Text)
	assert.Len(t, f.links.links, linksBefore, "failed forwards record no link")
}
