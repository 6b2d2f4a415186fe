package changelog

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/chatbot/telemetry"
)

const (
	DefaultFlushInterval = time.Minute
	finalFlushTimeout    = 30 * time.Second
)

// Scheduler flushes a Changelog on a fixed interval for the life of the
// process and offers FlushNow for callers that need durability.
type Scheduler struct {
	cl       *Changelog
	interval time.Duration
	log      *slog.Logger
}

// NewScheduler returns a scheduler for cl. A non-positive interval falls
// back to DefaultFlushInterval.
func NewScheduler(cl *Changelog, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Scheduler{
		cl:       cl,
		interval: interval,
		log:      slog.Default().With(slog.String("component", "changelog_scheduler")),
	}
}

// Run flushes every interval until ctx is done, then performs one last
// flush with a fresh bounded context so queued entries survive shutdown.
// Flush errors are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("changelog flush scheduler started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.final(ctx)
			return
		case <-ticker.C:
			if err := s.cl.Flush(ctx); err != nil {
				s.log.Error("scheduled changelog flush failed", slog.Any("err", err), slog.Int("pending", s.cl.Pending()))
			}
			telemetry.SetPending(s.cl.Pending())
		}
	}
}

func (s *Scheduler) final(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	pending := s.cl.Pending()
	if err := s.cl.Flush(fctx); err != nil {
		s.log.Error("final changelog flush failed", slog.Any("err", err), slog.Int("pending", s.cl.Pending()))
		return
	}
	s.log.Info("changelog flush scheduler stopped", slog.Int("flushed_entries", pending))
}

// FlushNow persists everything pending at call time before returning. It
// waits behind any flush already in progress and returns persistence errors
// to the caller.
func (s *Scheduler) FlushNow(ctx context.Context) error {
	return s.cl.Flush(ctx)
}
