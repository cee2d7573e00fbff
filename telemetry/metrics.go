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
	EventsConsumed     *prometheus.CounterVec // by content kind
	EventsUnrecognized prometheus.Counter
	BroadcastsSent     *prometheus.CounterVec // by wire event
	RefreshesStarted   prometheus.Counter
	RefreshesFailed    prometheus.Counter
	APICallFailures    *prometheus.CounterVec // by op
	UserLookups        prometheus.Counter
	UserLookupHits     prometheus.Counter

	// Histograms (seconds)
	APICallDuration prometheus.ObserverVec
	RefreshDuration prometheus.Observer

	// Gauges
	ViewersGauge  prometheus.Gauge
	MembersGauge  prometheus.Gauge
	ChannelsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feed_events_consumed_total", Help: "Chat events consumed from the live stream, by content kind"}, []string{"kind"})
		EventsUnrecognized = promauto.NewCounter(prometheus.CounterOpts{Name: "feed_events_unrecognized_total", Help: "Events ignored due to an unrecognized content kind"})
		BroadcastsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feed_broadcasts_total", Help: "Broadcasts fanned out to viewers, by wire event"}, []string{"event"})
		RefreshesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "feed_history_refreshes_total", Help: "Full history refreshes started"})
		RefreshesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "feed_history_refreshes_failed_total", Help: "Full history refreshes that failed and were rolled back"})
		APICallFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feed_keybase_api_failures_total", Help: "Keybase CLI call attempts that failed"}, []string{"op"})
		UserLookups = promauto.NewCounter(prometheus.CounterOpts{Name: "feed_user_lookups_total", Help: "Usernames resolved via the keybase.io user lookup API"})
		UserLookupHits = promauto.NewCounter(prometheus.CounterOpts{Name: "feed_user_lookup_cache_hits_total", Help: "Usernames served from the user data cache"})
		APICallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "feed_keybase_api_duration_seconds", Help: "Keybase CLI call duration seconds", Buckets: prometheus.DefBuckets}, []string{"op"})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "feed_history_refresh_duration_seconds", Help: "Full history refresh duration seconds", Buckets: prometheus.DefBuckets})
		ViewersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "feed_connected_viewers", Help: "Currently connected feed viewers"})
		MembersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "feed_team_members", Help: "Team members seen by the last member poll"})
		ChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "feed_channels", Help: "Channels currently held in history"})
	})
}

// CountEvent records one consumed event of the given content kind.
func CountEvent(kind string) {
	if EventsConsumed != nil {
		EventsConsumed.WithLabelValues(kind).Inc()
	}
}

// CountBroadcast records one broadcast of the given wire event.
func CountBroadcast(event string) {
	if BroadcastsSent != nil {
		BroadcastsSent.WithLabelValues(event).Inc()
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
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
