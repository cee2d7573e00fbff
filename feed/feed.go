// Package feed turns raw chat events into the viewer-facing representation.
// Classification decides what a raw event means for viewers (one new chat
// item, a history rewrite, or nothing); projection renders a stored message
// with its current reaction tallies and edit status.
package feed

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/subvocal/keybase-feed/backend/history"
	"github.com/subvocal/keybase-feed/backend/keybase"
	"github.com/subvocal/keybase-feed/backend/telemetry"
)

// Outcome is what a raw event means for connected viewers.
type Outcome int

const (
	// OutcomeIgnore means the event produces no emission (unfurls, system
	// messages, exploded placeholders, unrecognized kinds).
	OutcomeIgnore Outcome = iota
	// OutcomeChat means the event projects to one displayable message.
	OutcomeChat
	// OutcomeRewriteHistory means the event mutated existing history and
	// viewers need a full snapshot instead of an incremental item.
	OutcomeRewriteHistory
)

// Classify maps a raw event to its outcome. Unrecognized content kinds are
// logged at warn and ignored, never fatal.
func Classify(msg keybase.Message) Outcome {
	switch msg.Content.Type {
	case keybase.KindText, keybase.KindAttachment, keybase.KindHeadline, keybase.KindJoin, keybase.KindLeave:
		return OutcomeChat
	case keybase.KindReaction, keybase.KindEdit, keybase.KindDelete, keybase.KindMetadata:
		return OutcomeRewriteHistory
	case keybase.KindUnfurl, keybase.KindSystem, keybase.KindNone:
		return OutcomeIgnore
	default:
		slog.Warn("ignoring message due to unknown content kind", slog.String("kind", msg.Content.Type), slog.String("channel", msg.ChannelName()), slog.String("id", string(msg.ID)))
		if telemetry.EventsUnrecognized != nil {
			telemetry.EventsUnrecognized.Inc()
		}
		return OutcomeIgnore
	}
}

// Message is one displayable feed item as sent to viewers.
type Message struct {
	Type     string   `json:"type"` // text | file | topic | join | leave
	ID       string   `json:"id"`
	Text     string   `json:"text,omitempty"`
	Name     string   `json:"name,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Metadata carries the per-message context viewers render around the body.
type Metadata struct {
	ChannelName  string          `json:"channelName"`
	SenderName   string          `json:"senderName"`
	SenderDevice string          `json:"senderDevice"`
	SenderAvatar *string         `json:"senderAvatar"`
	Timestamp    int64           `json:"timestamp"`
	ExplodeTime  *int64          `json:"explodeTime"`
	Reactions    []ReactionCount `json:"reactions"`
	IsEdited     bool            `json:"isEdited"`
}

// ReactionCount is one emoji tally, e.g. {"reaction": "+1", "num": 2}.
type ReactionCount struct {
	Reaction string `json:"reaction"`
	Num      int    `json:"num"`
}

// AvatarSource resolves a sender username to an avatar URL.
type AvatarSource interface {
	Avatar(username string) (string, bool)
}

// Projector renders stored messages against the current history state.
type Projector struct {
	Team    string
	History *history.History
	Avatars AvatarSource
}

// Project renders one raw message as a feed item. It returns false for every
// non-chat kind; callers are expected to have classified the event first.
func (p *Projector) Project(msg keybase.Message) (Message, bool) {
	if Classify(msg) != OutcomeChat {
		return Message{}, false
	}

	// Message id, team name, and channel name together form a globally
	// unique identifier.
	out := Message{
		ID:       fmt.Sprintf("%s|%s|%s", p.Team, msg.ChannelName(), msg.ID),
		Metadata: p.metadata(msg),
	}
	switch msg.Content.Type {
	case keybase.KindText:
		out.Type = "text"
		if msg.Content.Text != nil {
			out.Text = msg.Content.Text.Body
		}
	case keybase.KindAttachment:
		out.Type = "file"
		if msg.Content.Attachment != nil {
			out.Name = msg.Content.Attachment.Object.Filename
			out.Caption = msg.Content.Attachment.Object.Title
		}
	case keybase.KindHeadline:
		out.Type = "topic"
		if msg.Content.Headline != nil {
			out.Text = msg.Content.Headline.Headline
		}
	case keybase.KindJoin:
		out.Type = "join"
	case keybase.KindLeave:
		out.Type = "leave"
	}
	return out, true
}

func (p *Projector) metadata(msg keybase.Message) Metadata {
	channel := msg.ChannelName()

	tally := make(map[string]int)
	for _, reaction := range p.History.Reactions(channel, msg.ID) {
		if reaction.Content.Reaction == nil {
			continue
		}
		tally[reaction.Content.Reaction.Body]++
	}
	reactions := make([]ReactionCount, 0, len(tally))
	for emoji, num := range tally {
		reactions = append(reactions, ReactionCount{Reaction: emoji, Num: num})
	}
	sort.Slice(reactions, func(i, j int) bool { return reactions[i].Reaction < reactions[j].Reaction })

	md := Metadata{
		ChannelName:  channel,
		SenderName:   msg.Sender.Username,
		SenderDevice: msg.Sender.DeviceName,
		Timestamp:    msg.SentAtMs,
		Reactions:    reactions,
		IsEdited:     p.History.IsEdited(channel, msg.ID),
	}
	if p.Avatars != nil {
		if avatar, ok := p.Avatars.Avatar(msg.Sender.Username); ok {
			md.SenderAvatar = &avatar
		}
	}
	if msg.IsEphemeral {
		etime := msg.ETime
		md.ExplodeTime = &etime
	}
	return md
}

// HistorySnapshot renders the full history as viewers receive it on connect
// or after a rewrite: per channel, the chat projections of every stored
// message, in log order. Mutation and ignorable events never appear.
func (p *Projector) HistorySnapshot() map[string][]Message {
	snapshot := p.History.Snapshot()
	out := make(map[string][]Message, len(snapshot))
	for channel, msgs := range snapshot {
		items := make([]Message, 0, len(msgs))
		for _, msg := range msgs {
			if item, ok := p.Project(msg); ok {
				items = append(items, item)
			}
		}
		out[channel] = items
	}
	return out
}
