// Package keybase talks to the Keybase chat API for a single team. Pull
// operations and the live stream shell out to the keybase CLI; user data
// comes from the keybase.io HTTP API. All calls go through a shared
// retry/timeout policy because the CLI is known to hang or emit junk.
package keybase

import "encoding/json"

// Content kinds emitted by the chat API. Anything else is treated as
// unrecognized and ignored downstream.
const (
	KindText       = "text"
	KindAttachment = "attachment"
	KindHeadline   = "headline"
	KindJoin       = "join"
	KindLeave      = "leave"
	KindReaction   = "reaction"
	KindEdit       = "edit"
	KindDelete     = "delete"
	KindMetadata   = "metadata"
	KindUnfurl     = "unfurl"
	KindSystem     = "system"
	KindNone       = "none"
)

// ID is a message id. The API emits numeric ids but mutation payloads may
// carry them as strings, so ids are normalized to and compared as opaque
// tokens rather than numbers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*id = ID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*id = ID(s)
	return nil
}

// Channel identifies a team channel. Name is the team name; TopicName is
// what users think of as the channel name.
type Channel struct {
	Name        string `json:"name"`
	MembersType string `json:"members_type,omitempty"`
	TopicName   string `json:"topic_name"`
}

type Sender struct {
	Username   string `json:"username"`
	DeviceName string `json:"device_name"`
}

// Message is one raw chat event as the API reports it. Identity (channel,
// id), sender and timestamps are fixed at creation; only the content of a
// text message is ever mutated in place (via an edit event).
type Message struct {
	ID          ID      `json:"id"`
	Channel     Channel `json:"channel"`
	Sender      Sender  `json:"sender"`
	SentAtMs    int64   `json:"sent_at_ms"`
	IsEphemeral bool    `json:"is_ephemeral,omitempty"`
	ETime       int64   `json:"etime,omitempty"`
	Content     Content `json:"content"`
}

// ChannelName returns the topic (channel) name the message belongs to.
func (m Message) ChannelName() string { return m.Channel.TopicName }

// Content is the tagged union over message kinds. Exactly the payload
// matching Type is non-nil; unknown kinds keep Type verbatim with every
// payload nil.
type Content struct {
	Type       string             `json:"type"`
	Text       *TextContent       `json:"text,omitempty"`
	Attachment *AttachmentContent `json:"attachment,omitempty"`
	Headline   *HeadlineContent   `json:"headline,omitempty"`
	Reaction   *ReactionContent   `json:"reaction,omitempty"`
	Edit       *EditContent       `json:"edit,omitempty"`
	Delete     *DeleteContent     `json:"delete,omitempty"`
}

type TextContent struct {
	Body string `json:"body"`
}

type AttachmentContent struct {
	Object AttachmentObject `json:"object"`
}

type AttachmentObject struct {
	Filename string `json:"filename"`
	Title    string `json:"title"`
}

type HeadlineContent struct {
	Headline string `json:"headline"`
}

// ReactionContent uses the API's terse field names: m is the id of the
// message being reacted to, b is the reaction emoji body.
type ReactionContent struct {
	MessageID ID     `json:"m"`
	Body      string `json:"b"`
}

type EditContent struct {
	MessageID ID     `json:"messageID"`
	Body      string `json:"body"`
}

type DeleteContent struct {
	MessageIDs []ID `json:"messageIDs"`
}
