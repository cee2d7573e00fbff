// Package history holds the in-memory chat history for one team: a bounded,
// per-channel ordered message log plus side indexes for reactions and edit
// status. Mutations arrive out of order relative to the messages they target
// (edits, deletes, reactions can reference anything still in scrollback), so
// the store is the single place where retroactive rewrites are reconciled.
//
// Concurrency model: single writer, many readers. Every method serializes on
// one mutex; the stream consumer is the only mutator, snapshot reads for
// broadcast take the same lock so each broadcast sees a consistent view.
package history

import (
	"sync"

	"github.com/subvocal/keybase-feed/backend/keybase"
)

// Store is the bounded per-channel message log with reaction and edit-status
// indexes. Index keys use the composite "channel|id" form; ids are only
// assumed unique within a channel.
type Store struct {
	mu         sync.Mutex
	scrollback int
	messages   map[string][]keybase.Message
	reactions  map[string][]keybase.Message
	edited     map[string]struct{}
}

// NewStore returns an empty store capped at scrollback messages per channel.
func NewStore(scrollback int) *Store {
	return &Store{
		scrollback: scrollback,
		messages:   make(map[string][]keybase.Message),
		reactions:  make(map[string][]keybase.Message),
		edited:     make(map[string]struct{}),
	}
}

func key(channel string, id keybase.ID) string {
	return channel + "|" + string(id)
}

// Append inserts msg at the tail of the channel log, evicting the oldest
// message when the log exceeds the scrollback cap. Duplicate ids are not
// checked; the upstream stream does not replay messages.
func (s *Store) Append(channel string, msg keybase.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.messages[channel], msg)
	if len(msgs) > s.scrollback {
		msgs = msgs[1:]
	}
	s.messages[channel] = msgs
}

// Get returns the message with the given id, scanning the channel log.
func (s *Store) Get(channel string, id keybase.ID) (keybase.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages[channel] {
		if msg.ID == id {
			return msg, true
		}
	}
	return keybase.Message{}, false
}

// Remove deletes the first message with the given id from the channel log and
// reports whether it was found. The message's own reactions stay in the index
// as orphans until the next refresh prunes them.
func (s *Store) Remove(channel string, id keybase.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[channel]
	for i, msg := range msgs {
		if msg.ID == id {
			s.messages[channel] = append(msgs[:i:i], msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Edit replaces the body of an existing text message and marks it edited.
// Editing a missing or non-text message is a no-op returning false.
func (s *Store) Edit(channel string, id keybase.ID, newBody string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[channel]
	for i := range msgs {
		if msgs[i].ID != id {
			continue
		}
		if msgs[i].Content.Type != keybase.KindText || msgs[i].Content.Text == nil {
			return false
		}
		// replace the payload pointer so earlier snapshots keep the old body
		msgs[i].Content.Text = &keybase.TextContent{Body: newBody}
		s.edited[key(channel, id)] = struct{}{}
		return true
	}
	return false
}

// AddReaction records a reaction event against its target message. The
// reaction message carries both the emoji and its own id, which a later
// delete uses to take the reaction back.
func (s *Store) AddReaction(channel string, target keybase.ID, reaction keybase.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(channel, target)
	s.reactions[k] = append(s.reactions[k], reaction)
}

// RemoveReaction deletes the reaction event with the given id from the
// target's reaction list and reports whether it was found.
func (s *Store) RemoveReaction(channel string, target, reactionID keybase.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(channel, target)
	reactions := s.reactions[k]
	for i, r := range reactions {
		if r.ID == reactionID {
			s.reactions[k] = append(reactions[:i:i], reactions[i+1:]...)
			return true
		}
	}
	return false
}

// Reactions returns the reaction events recorded against a message, in
// arrival order.
func (s *Store) Reactions(channel string, id keybase.ID) []keybase.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	reactions := s.reactions[key(channel, id)]
	out := make([]keybase.Message, len(reactions))
	copy(out, reactions)
	return out
}

// IsEdited reports whether a message has been edited at least once since it
// was last (re)loaded.
func (s *Store) IsEdited(channel string, id keybase.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.edited[key(channel, id)]
	return ok
}

// Channels returns the number of channels currently held.
func (s *Store) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Snapshot returns a consistent copy of every channel log, oldest-first.
func (s *Store) Snapshot() map[string][]keybase.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string][]keybase.Message, len(s.messages))
	for channel, msgs := range s.messages {
		out := make([]keybase.Message, len(msgs))
		copy(out, msgs)
		snapshot[channel] = out
	}
	return snapshot
}

// replaceAll swaps in a freshly fetched set of channel logs and prunes the
// reaction and edited indexes down to keys whose message survived. Called by
// Refresh with a fully built state so no intermediate view is observable.
func (s *Store) replaceAll(messages map[string][]keybase.Message) {
	seen := make(map[string]struct{})
	for channel, msgs := range messages {
		for _, msg := range msgs {
			seen[key(channel, msg.ID)] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	reactions := make(map[string][]keybase.Message)
	for k, v := range s.reactions {
		if _, ok := seen[k]; ok {
			reactions[k] = v
		}
	}
	edited := make(map[string]struct{})
	for k := range s.edited {
		if _, ok := seen[k]; ok {
			edited[k] = struct{}{}
		}
	}
	s.messages = messages
	s.reactions = reactions
	s.edited = edited
}
