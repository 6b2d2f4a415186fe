package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatbot/telemetry"
	"github.com/onnwee/chatbot/twitchapi"
)

// StreamFetcher reports the live stream for a channel, nil when offline.
type StreamFetcher interface {
	GetStream(ctx context.Context, login string) (*twitchapi.Stream, error)
}

// StreamStatus is the last known live state of the channel.
type StreamStatus struct {
	mu        sync.RWMutex
	live      bool
	startedAt time.Time
}

// Live reports whether the channel was live at the last poll.
func (s *StreamStatus) Live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// StartedAt is the current broadcast's start, zero when offline.
func (s *StreamStatus) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Set records a poll result and reports whether the state flipped.
func (s *StreamStatus) Set(live bool, startedAt time.Time) bool {
	s.mu.Lock()
	changed := s.live != live
	s.live = live
	if !live {
		startedAt = time.Time{}
	}
	s.startedAt = startedAt
	s.mu.Unlock()
	telemetry.UpdateLiveGauge(live)
	return changed
}

// StartStreamPoller polls Helix stream status for channel until ctx is done.
// Poll errors keep the previous state.
func StartStreamPoller(ctx context.Context, f StreamFetcher, channel string, interval time.Duration, status *StreamStatus) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := slog.Default().With(slog.String("component", "stream_poller"), slog.String("channel", channel))
	poll := func() {
		stream, err := f.GetStream(ctx, channel)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("stream status request failed", slog.Any("err", err))
			}
			return
		}
		var started time.Time
		if stream != nil {
			started = stream.StartedAt
		}
		if status.Set(stream != nil, started) {
			if stream != nil {
				log.Info("stream went live", slog.String("title", stream.Title), slog.Time("started_at", started))
			} else {
				log.Info("stream went offline")
			}
		}
	}

	log.Info("stream poller started", slog.Duration("interval", interval))
	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}
