package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/chatbot/telemetry"
	"github.com/onnwee/chatbot/users"
)

// Changelog is the write-behind user state the bot reads and mutates.
type Changelog interface {
	Update(userID string, patch users.Patch)
	Increment(userID string, patch users.Patch)
	Get(ctx context.Context, userID string) (*users.Record, error)
}

// Permissions gates commands.
type Permissions interface {
	CheckByName(ctx context.Context, userID, name string) bool
	InvalidateAll(ctx context.Context) error
}

// Sayer sends a chat line. *twitch.Client satisfies it.
type Sayer interface {
	Say(channel, text string)
}

// Message is the part of a PRIVMSG the bot acts on.
type Message struct {
	ID          string
	Channel     string
	UserID      string
	Username    string
	DisplayName string
	Text        string
	Badges      map[string]int
	// SubMonths comes from the subscriber badge-info tag.
	SubMonths int64
	Time      time.Time
}

// FromPrivateMessage converts a go-twitch-irc message.
func FromPrivateMessage(m twitch.PrivateMessage) Message {
	msg := Message{
		ID:          m.ID,
		Channel:     m.Channel,
		UserID:      m.User.ID,
		Username:    strings.ToLower(m.User.Name),
		DisplayName: m.User.DisplayName,
		Text:        m.Message,
		Badges:      m.User.Badges,
		Time:        m.Time,
	}
	msg.SubMonths = subscriberMonths(m.Tags["badge-info"])
	return msg
}

// subscriberMonths parses "subscriber/14,predictions/blue-1".
func subscriberMonths(badgeInfo string) int64 {
	for _, part := range strings.Split(badgeInfo, ",") {
		name, v, ok := strings.Cut(part, "/")
		if !ok || (name != "subscriber" && name != "founder") {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func (m Message) hasBadge(names ...string) bool {
	for _, n := range names {
		if _, ok := m.Badges[n]; ok {
			return true
		}
	}
	return false
}

// Config tunes message handling.
type Config struct {
	Channel          string
	PointsPerMessage int64
	// Prefix marks commands; "!" when empty.
	Prefix string
}

// Bot reacts to chat messages.
type Bot struct {
	cfg       Config
	changelog Changelog
	perms     Permissions
	presence  *Presence
	sayer     Sayer
	commands  map[string]Command
	now       func() time.Time
	log       *slog.Logger
}

// NewBot wires a bot with the built-in commands registered.
func NewBot(cfg Config, cl Changelog, perms Permissions, presence *Presence, sayer Sayer) *Bot {
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	b := &Bot{
		cfg:       cfg,
		changelog: cl,
		perms:     perms,
		presence:  presence,
		sayer:     sayer,
		commands:  map[string]Command{},
		now:       time.Now,
		log:       slog.Default().With(slog.String("component", "chat")),
	}
	for _, c := range builtinCommands() {
		b.Register(c)
	}
	return b
}

// HandleMessage records the chatter's state and runs any command in the
// message. It never blocks on persistence.
func (b *Bot) HandleMessage(ctx context.Context, msg Message) {
	if msg.UserID == "" {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	telemetry.Inc(telemetry.ChatMessages)

	now := msg.Time
	if now.IsZero() {
		now = b.now()
	}
	broadcaster := msg.hasBadge("broadcaster")
	update := users.Patch{
		Username:     users.Ptr(msg.Username),
		DisplayName:  users.Ptr(msg.DisplayName),
		IsOnline:     users.Ptr(true),
		SeenAt:       users.Ptr(now),
		IsModerator:  users.Ptr(broadcaster || msg.hasBadge("moderator")),
		IsVIP:        users.Ptr(msg.hasBadge("vip")),
		IsSubscriber: users.Ptr(msg.hasBadge("subscriber", "founder")),
		Automated:    true,
	}
	if msg.SubMonths > 0 {
		update.SubscribeCumulativeMonths = users.Ptr(msg.SubMonths)
	}
	inc := users.Patch{Messages: users.Ptr(int64(1))}
	if b.cfg.PointsPerMessage > 0 {
		inc.Points = users.Ptr(b.cfg.PointsPerMessage)
		update.PointsByMessageGivenAt = users.Ptr(now)
	}
	b.changelog.Update(msg.UserID, update)
	b.changelog.Increment(msg.UserID, inc)
	if b.presence != nil {
		b.presence.Mark(msg.UserID)
	}

	if name, args, ok := b.parseCommand(msg.Text); ok {
		b.dispatch(ctx, msg, name, args)
	}
}

func (b *Bot) parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, b.cfg.Prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, b.cfg.Prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func (b *Bot) dispatch(ctx context.Context, msg Message, name string, args []string) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "chat"), slog.String("command", name))
	cmd, ok := b.commands[name]
	if !ok {
		return
	}
	if !b.perms.CheckByName(ctx, msg.UserID, cmd.Permission) {
		log.Debug("command denied", slog.String("user_id", msg.UserID), slog.String("permission", cmd.Permission))
		return
	}
	reply, err := cmd.Run(ctx, b, msg, args)
	if err != nil {
		log.Warn("command failed", slog.String("user_id", msg.UserID), slog.Any("err", err))
		return
	}
	if reply != "" && b.sayer != nil {
		b.sayer.Say(msg.Channel, reply)
	}
}

// Run connects to IRC and handles messages until ctx is done.
func (b *Bot) Run(ctx context.Context, client *twitch.Client) {
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		b.HandleMessage(ctx, FromPrivateMessage(m))
	})
	client.OnConnect(func() {
		b.log.Info("connected to twitch chat", slog.String("channel", b.cfg.Channel))
	})

	// Handle context cancellation by closing the client
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := client.Disconnect(); err != nil {
			b.log.Debug("twitch chat disconnect", slog.Any("err", err))
		}
		close(done)
	}()

	client.Join(b.cfg.Channel)
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		b.log.Error("twitch chat connect error", slog.Any("err", err))
	}
	<-done
}

func displayName(msg Message) string {
	if msg.DisplayName != "" {
		return msg.DisplayName
	}
	return msg.Username
}

func mention(msg Message, format string, args ...any) string {
	return "@" + displayName(msg) + " " + fmt.Sprintf(format, args...)
}
