package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/subvocal/keybase-feed/backend/keybase"
	"github.com/subvocal/keybase-feed/backend/telemetry"
)

// Refresh rebuilds the whole store from the source's current listing:
// channels are fetched concurrently, each capped at the scrollback size and
// reversed to oldest-first, and the result is swapped in as one unit together
// with reaction/edited indexes pruned to the surviving messages. If any
// per-channel fetch fails the previous state is kept untouched.
//
// Refreshes are invoked serially (from the stream consumer goroutine). The
// rebuild itself runs without holding the store lock; a mutation applied to
// the old store between fetch and swap is lost, which we accept — the
// upstream emits another event soon enough and a later refresh converges the
// view.
func (h *History) Refresh(ctx context.Context) error {
	slog.Info("refreshing history")
	if telemetry.RefreshesStarted != nil {
		telemetry.RefreshesStarted.Inc()
	}
	start := time.Now()

	channels, err := h.source.ListChannels(ctx)
	if err != nil {
		if telemetry.RefreshesFailed != nil {
			telemetry.RefreshesFailed.Inc()
		}
		return err
	}

	newMessages := make(map[string][]keybase.Message, len(channels))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		g.Go(func() error {
			msgs, err := h.source.ListChannelMessages(gctx, channel, false, h.store.scrollback)
			if err != nil {
				return err
			}
			if len(msgs) > h.store.scrollback {
				msgs = msgs[:h.store.scrollback]
			}
			// the source reports newest-first; the log is oldest-first
			reversed := make([]keybase.Message, 0, len(msgs))
			for i := len(msgs) - 1; i >= 0; i-- {
				reversed = append(reversed, msgs[i])
			}
			mu.Lock()
			newMessages[channel] = reversed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if telemetry.RefreshesFailed != nil {
			telemetry.RefreshesFailed.Inc()
		}
		slog.Warn("history refresh failed, keeping previous state", slog.Any("err", err))
		return err
	}

	h.store.replaceAll(newMessages)
	if telemetry.RefreshDuration != nil {
		telemetry.RefreshDuration.Observe(time.Since(start).Seconds())
	}
	if telemetry.ChannelsGauge != nil {
		telemetry.ChannelsGauge.Set(float64(len(channels)))
	}
	slog.Info("history refreshed", slog.Int("channels", len(channels)), slog.Duration("took", time.Since(start)))
	return nil
}
