// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	FlushCycles         prometheus.Counter
	FlushedUsers        prometheus.Counter
	FlushFailures       prometheus.Counter
	LockTimeouts        prometheus.Counter
	PermissionCacheHits prometheus.Counter
	PermissionCacheMiss prometheus.Counter
	ChatMessages        prometheus.Counter
	PermissionDecisions *prometheus.CounterVec // result=grant|deny|override|error

	// Histograms (seconds)
	FlushDuration   prometheus.Observer
	ResolveDuration prometheus.Observer

	// Gauges
	ChangelogPending prometheus.Gauge
	ActiveChatters   prometheus.Gauge
	StreamLive       prometheus.Gauge // 1=live,0=offline
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		FlushCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_changelog_flush_cycles_total", Help: "Number of changelog flushes that drained at least one entry"})
		FlushedUsers = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_changelog_flushed_users_total", Help: "Number of user records persisted by flushes"})
		FlushFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_changelog_flush_failures_total", Help: "Number of user records that failed to persist and were re-queued"})
		LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_changelog_lock_timeouts_total", Help: "Number of reads that gave up waiting for a flush lock"})
		PermissionCacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_permission_cache_hits_total", Help: "Permission decisions served from cache"})
		PermissionCacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_permission_cache_misses_total", Help: "Permission decisions that required a waterfall walk"})
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_chat_messages_total", Help: "Chat messages handled"})
		PermissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbot_permission_decisions_total", Help: "Permission resolutions by result"}, []string{"result"})
		FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbot_changelog_flush_duration_seconds", Help: "Changelog flush duration seconds", Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbot_permission_resolve_duration_seconds", Help: "Uncached permission resolution duration seconds", Buckets: prometheus.DefBuckets})
		ChangelogPending = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_changelog_pending_entries", Help: "Current number of unflushed changelog entries"})
		ActiveChatters = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_active_chatters", Help: "Chatters seen within the presence window"})
		StreamLive = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_stream_live", Help: "Stream live=1 offline=0"})
	})
}

// SetPending records the current changelog size.
func SetPending(n int) {
	if ChangelogPending != nil {
		ChangelogPending.Set(float64(n))
	}
}

// SetActiveChatters records the presence window size.
func SetActiveChatters(n int) {
	if ActiveChatters != nil {
		ActiveChatters.Set(float64(n))
	}
}

// UpdateLiveGauge sets gauge to 1 if live else 0.
func UpdateLiveGauge(live bool) {
	if StreamLive == nil {
		return
	}
	if live {
		StreamLive.Set(1)
	} else {
		StreamLive.Set(0)
	}
}

// ObserveDecision counts a permission decision.
func ObserveDecision(result string) {
	if PermissionDecisions != nil {
		PermissionDecisions.WithLabelValues(result).Inc()
	}
}

// Inc increments c when metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to c when metrics are initialized.
func Add(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
