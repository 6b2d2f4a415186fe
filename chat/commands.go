package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Command is a "!" command. Permission names the group (by name) a user
// must reach to run it.
type Command struct {
	Name       string
	Permission string
	Run        func(ctx context.Context, b *Bot, msg Message, args []string) (string, error)
}

// Register adds or replaces a command.
func (b *Bot) Register(c Command) {
	b.commands[strings.ToLower(c.Name)] = c
}

func builtinCommands() []Command {
	return []Command{
		{Name: "points", Permission: "viewers", Run: pointsCommand},
		{Name: "watchtime", Permission: "viewers", Run: watchtimeCommand},
		{Name: "perms", Permission: "casters", Run: permsCommand},
	}
}

func pointsCommand(ctx context.Context, b *Bot, msg Message, _ []string) (string, error) {
	rec, err := b.changelog.Get(ctx, msg.UserID)
	if err != nil {
		return "", fmt.Errorf("read points: %w", err)
	}
	var points int64
	if rec != nil {
		points = rec.Points
	}
	return mention(msg, "you have %d points", points), nil
}

func watchtimeCommand(ctx context.Context, b *Bot, msg Message, _ []string) (string, error) {
	rec, err := b.changelog.Get(ctx, msg.UserID)
	if err != nil {
		return "", fmt.Errorf("read watched time: %w", err)
	}
	var hours float64
	if rec != nil {
		hours = float64(rec.WatchedTime) / float64(time.Hour.Milliseconds())
	}
	return mention(msg, "you have watched for %.1f hours", hours), nil
}

const permsUsage = "usage: !perms reload"

func permsCommand(ctx context.Context, b *Bot, msg Message, args []string) (string, error) {
	if len(args) == 0 || !strings.EqualFold(args[0], "reload") {
		return mention(msg, permsUsage), nil
	}
	if err := b.perms.InvalidateAll(ctx); err != nil {
		return "", err
	}
	return mention(msg, "permissions reloaded"), nil
}
