package history

import (
	"context"
	"log/slog"

	"github.com/subvocal/keybase-feed/backend/keybase"
)

// Source is the part of the event source the history needs: the channel
// listing and per-channel message reads that power a full refresh.
type Source interface {
	ListChannels(ctx context.Context) ([]string, error)
	ListChannelMessages(ctx context.Context, channel string, unreadOnly bool, limit int) ([]keybase.Message, error)
}

// History owns the store and applies raw events to it. Apply must be called
// from a single goroutine in stream arrival order; reordering an edit past a
// delete of the same id would change the final state.
type History struct {
	store  *Store
	source Source
}

// New returns a History over an empty store with the given scrollback cap.
func New(source Source, scrollback int) *History {
	return &History{store: NewStore(scrollback), source: source}
}

// Apply ingests one live event: the raw event is appended to its channel log
// (every event occupies a scrollback slot, mutation events included — a later
// delete has to be able to find a reaction event in the log to cascade), then
// its side effect is dispatched by content kind. Only a metadata-triggered
// refresh can fail.
func (h *History) Apply(ctx context.Context, msg keybase.Message) error {
	h.store.Append(msg.ChannelName(), msg)
	return h.applySideEffects(ctx, msg, true)
}

// ReplayMutations re-applies the side effects of every event already sitting
// in the store, without re-appending. Used once after the initial refresh:
// reaction/edit/delete events inside the fetched scrollback have to seed the
// indexes they would have built had they arrived live. Stored metadata events
// are skipped so the replay cannot trigger another refresh.
func (h *History) ReplayMutations(ctx context.Context) {
	for _, msgs := range h.store.Snapshot() {
		for _, msg := range msgs {
			if msg.Content.Type == keybase.KindMetadata {
				continue
			}
			_ = h.applySideEffects(ctx, msg, false)
		}
	}
}

func (h *History) applySideEffects(ctx context.Context, msg keybase.Message, allowRefresh bool) error {
	channel := msg.ChannelName()
	switch msg.Content.Type {
	case keybase.KindReaction:
		if msg.Content.Reaction == nil {
			slog.Warn("reaction event without payload", slog.String("channel", channel), slog.String("id", string(msg.ID)))
			return nil
		}
		h.store.AddReaction(channel, msg.Content.Reaction.MessageID, msg)

	case keybase.KindEdit:
		if msg.Content.Edit == nil {
			slog.Warn("edit event without payload", slog.String("channel", channel), slog.String("id", string(msg.ID)))
			return nil
		}
		if !h.store.Edit(channel, msg.Content.Edit.MessageID, msg.Content.Edit.Body) {
			slog.Debug("edit target missing or not text", slog.String("channel", channel), slog.String("target", string(msg.Content.Edit.MessageID)))
		}

	case keybase.KindDelete:
		if msg.Content.Delete == nil {
			slog.Warn("delete event without payload", slog.String("channel", channel), slog.String("id", string(msg.ID)))
			return nil
		}
		for _, target := range msg.Content.Delete.MessageIDs {
			// deleting a reaction takes the reaction off its own target first
			if victim, ok := h.store.Get(channel, target); ok && victim.Content.Type == keybase.KindReaction && victim.Content.Reaction != nil {
				h.store.RemoveReaction(channel, victim.Content.Reaction.MessageID, victim.ID)
			}
			h.store.Remove(channel, target)
		}

	case keybase.KindMetadata:
		if !allowRefresh {
			return nil
		}
		slog.Info("metadata event received, refreshing history", slog.String("channel", channel))
		return h.Refresh(ctx)
	}

	return nil
}

// Store accessors used by projection and broadcast.

func (h *History) Get(channel string, id keybase.ID) (keybase.Message, bool) {
	return h.store.Get(channel, id)
}

func (h *History) Reactions(channel string, id keybase.ID) []keybase.Message {
	return h.store.Reactions(channel, id)
}

func (h *History) IsEdited(channel string, id keybase.ID) bool {
	return h.store.IsEdited(channel, id)
}

func (h *History) Snapshot() map[string][]keybase.Message {
	return h.store.Snapshot()
}

func (h *History) Channels() int {
	return h.store.Channels()
}
