package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/chatbot/users"
)

// LiveStatus reports whether the channel is currently broadcasting.
type LiveStatus interface {
	Live() bool
}

// WatchedConfig controls the watched-time job.
type WatchedConfig struct {
	Interval      time.Duration
	PointsOnline  int64
	PointsOffline int64
}

// StartWatchedJob credits every active chatter once per interval:
// watched time and online chat time while live, offline chat time otherwise,
// plus the matching interval points.
func StartWatchedJob(ctx context.Context, cl Changelog, presence *Presence, status LiveStatus, cfg WatchedConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	log := slog.Default().With(slog.String("component", "watched_job"))
	log.Info("watched job started", slog.Duration("interval", cfg.Interval))
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n := creditWatched(cl, presence.Active(), status.Live(), cfg, now)
			log.Debug("credited watched time", slog.Int("users", n))
		}
	}
}

func creditWatched(cl Changelog, active []string, live bool, cfg WatchedConfig, now time.Time) int {
	ms := cfg.Interval.Milliseconds()
	for _, id := range active {
		inc := users.Patch{}
		stamp := users.Patch{}
		if live {
			inc.WatchedTime = users.Ptr(ms)
			inc.ChatTimeOnline = users.Ptr(ms)
			if cfg.PointsOnline > 0 {
				inc.Points = users.Ptr(cfg.PointsOnline)
				stamp.PointsOnlineGivenAt = users.Ptr(now)
			}
		} else {
			inc.ChatTimeOffline = users.Ptr(ms)
			if cfg.PointsOffline > 0 {
				inc.Points = users.Ptr(cfg.PointsOffline)
				stamp.PointsOfflineGivenAt = users.Ptr(now)
			}
		}
		cl.Increment(id, inc)
		if stamp.PointsOnlineGivenAt != nil || stamp.PointsOfflineGivenAt != nil {
			cl.Update(id, stamp)
		}
	}
	return len(active)
}
