package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatbot/changelog"
	"github.com/onnwee/chatbot/users"
)

type fakePerms struct {
	mu          sync.Mutex
	allowed     map[string]bool // permission name -> access
	invalidated int
	err         error
}

func (f *fakePerms) CheckByName(_ context.Context, _ string, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed[name]
}

func (f *fakePerms) InvalidateAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return f.err
}

type recordingSayer struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSayer) Say(_, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
}

func (r *recordingSayer) said() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type harness struct {
	store *users.MemoryStore
	cl    *changelog.Changelog
	perms *fakePerms
	say   *recordingSayer
	pres  *Presence
	bot   *Bot
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: users.NewMemoryStore(),
		perms: &fakePerms{allowed: map[string]bool{"viewers": true}},
		say:   &recordingSayer{},
		pres:  NewPresence(time.Minute),
	}
	h.cl = changelog.New(h.store)
	if cfg.Channel == "" {
		cfg.Channel = "somechannel"
	}
	h.bot = NewBot(cfg, h.cl, h.perms, h.pres, h.say)
	return h
}

func chatMsg(text string, badges map[string]int) Message {
	return Message{
		Channel:     "somechannel",
		UserID:      "u1",
		Username:    "alice",
		DisplayName: "Alice",
		Text:        text,
		Badges:      badges,
		Time:        time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC),
	}
}

func TestHandleMessageRecordsChatter(t *testing.T) {
	h := newHarness(t, Config{PointsPerMessage: 5})
	ctx := context.Background()

	h.bot.HandleMessage(ctx, chatMsg("hello", map[string]int{"vip": 1, "subscriber": 12}))
	h.bot.HandleMessage(ctx, chatMsg("again", map[string]int{"vip": 1, "subscriber": 12}))

	rec, err := h.cl.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, "Alice", rec.DisplayName)
	assert.True(t, rec.IsOnline)
	assert.True(t, rec.IsVIP)
	assert.True(t, rec.IsSubscriber)
	assert.False(t, rec.IsModerator)
	assert.Equal(t, int64(2), rec.Messages)
	assert.Equal(t, int64(10), rec.Points)
	assert.False(t, rec.PointsByMessageGivenAt.IsZero())
	assert.Equal(t, []string{"u1"}, h.pres.Active())

	// nothing persisted until a flush
	assert.Zero(t, h.store.Saves())
	require.NoError(t, h.cl.Flush(ctx))
	assert.Equal(t, 1, h.store.Saves())
}

func TestHandleMessageBroadcasterIsModerator(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.bot.HandleMessage(ctx, chatMsg("hi", map[string]int{"broadcaster": 1}))
	rec, err := h.cl.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.IsModerator)
	assert.Zero(t, rec.Points, "no points without POINTS_PER_MESSAGE")
}

func TestHandleMessageKeepsLockedSubscriber(t *testing.T) {
	h := newHarness(t, Config{})
	locked := users.NewRecord("u1")
	locked.IsSubscriber = true
	locked.HaveSubscriberLock = true
	h.store.Put(locked)

	ctx := context.Background()
	h.bot.HandleMessage(ctx, chatMsg("no badges here", nil))

	rec, err := h.cl.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.IsSubscriber, "automated badge update must not override a locked flag")
}

func TestHandleMessageIgnoresAnonymous(t *testing.T) {
	h := newHarness(t, Config{})
	msg := chatMsg("hi", nil)
	msg.UserID = ""
	h.bot.HandleMessage(context.Background(), msg)
	assert.Zero(t, h.cl.Pending())
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		allowed     map[string]bool
		invalidErr  error
		wantReply   string
		invalidated int
	}{
		{name: "points", text: "!points", allowed: map[string]bool{"viewers": true}, wantReply: "@Alice you have 3 points"},
		{name: "case insensitive", text: "  !POINTS extra", allowed: map[string]bool{"viewers": true}, wantReply: "@Alice you have 3 points"},
		{name: "denied", text: "!points", allowed: map[string]bool{}},
		{name: "unknown command", text: "!dance", allowed: map[string]bool{"viewers": true}},
		{name: "not a command", text: "points please", allowed: map[string]bool{"viewers": true}},
		{name: "perms reload", text: "!perms reload", allowed: map[string]bool{"casters": true}, wantReply: "@Alice permissions reloaded", invalidated: 1},
		{name: "perms usage", text: "!perms", allowed: map[string]bool{"casters": true}, wantReply: "@Alice usage: !perms reload"},
		{name: "perms reload denied", text: "!perms reload", allowed: map[string]bool{"viewers": true}},
		{name: "perms reload fails", text: "!perms reload", allowed: map[string]bool{"casters": true}, invalidErr: errors.New("db down"), invalidated: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.perms.allowed = tt.allowed
			h.perms.err = tt.invalidErr
			seed := users.NewRecord("u1")
			// the message itself adds nothing to points here
			seed.Points = 3
			h.store.Put(seed)

			h.bot.HandleMessage(context.Background(), chatMsg(tt.text, nil))

			said := h.say.said()
			if tt.wantReply == "" {
				assert.Empty(t, said)
			} else {
				assert.Equal(t, []string{tt.wantReply}, said)
			}
			assert.Equal(t, tt.invalidated, h.perms.invalidated)
		})
	}
}

func TestRegisterCustomCommand(t *testing.T) {
	h := newHarness(t, Config{Prefix: "?"})
	h.bot.Register(Command{Name: "Ping", Permission: "viewers", Run: func(context.Context, *Bot, Message, []string) (string, error) {
		return "pong", nil
	}})
	h.bot.HandleMessage(context.Background(), chatMsg("?ping", nil))
	h.bot.HandleMessage(context.Background(), chatMsg("!ping", nil))
	assert.Equal(t, []string{"pong"}, h.say.said())
}

func TestWatchtimeCommand(t *testing.T) {
	h := newHarness(t, Config{})
	seed := users.NewRecord("u1")
	seed.WatchedTime = (90 * time.Minute).Milliseconds()
	h.store.Put(seed)
	h.bot.HandleMessage(context.Background(), chatMsg("!watchtime", nil))
	assert.Equal(t, []string{"@Alice you have watched for 1.5 hours"}, h.say.said())
}

func TestSubscriberMonths(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"subscriber/14", 14},
		{"predictions/blue-1,subscriber/3", 3},
		{"founder/27", 27},
		{"subscriber/x", 0},
		{"bits/100", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, subscriberMonths(tt.in), tt.in)
	}
}

func TestFromPrivateMessage(t *testing.T) {
	at := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	pm := twitch.PrivateMessage{
		User: twitch.User{
			ID:          "42",
			Name:        "SomeUser",
			DisplayName: "SomeUser",
			Badges:      map[string]int{"subscriber": 12},
		},
		Channel: "somechannel",
		Message: "!points",
		ID:      "msg-1",
		Time:    at,
		Tags:    map[string]string{"badge-info": "subscriber/14"},
	}
	msg := FromPrivateMessage(pm)
	assert.Equal(t, "42", msg.UserID)
	assert.Equal(t, "someuser", msg.Username)
	assert.Equal(t, "SomeUser", msg.DisplayName)
	assert.Equal(t, "!points", msg.Text)
	assert.Equal(t, int64(14), msg.SubMonths)
	assert.Equal(t, at, msg.Time)
	assert.True(t, msg.hasBadge("subscriber"))
}
