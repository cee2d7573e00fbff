package feed

import (
	"context"
	"reflect"
	"testing"

	"github.com/subvocal/keybase-feed/backend/history"
	"github.com/subvocal/keybase-feed/backend/keybase"
)

func event(id keybase.ID, content keybase.Content) keybase.Message {
	return keybase.Message{
		ID:       id,
		Channel:  keybase.Channel{Name: "myteam", TopicName: "general"},
		Sender:   keybase.Sender{Username: "alice", DeviceName: "work"},
		SentAtMs: 1700000000000,
		Content:  content,
	}
}

func textEvent(id keybase.ID, body string) keybase.Message {
	return event(id, keybase.Content{Type: keybase.KindText, Text: &keybase.TextContent{Body: body}})
}

func newProjector(t *testing.T, events ...keybase.Message) (*Projector, *history.History) {
	t.Helper()
	h := history.New(nil, 50)
	for _, ev := range events {
		if err := h.Apply(context.Background(), ev); err != nil {
			t.Fatalf("Apply(%s): %v", ev.ID, err)
		}
	}
	return &Projector{Team: "myteam", History: h}, h
}

func TestClassify(t *testing.T) {
	tests := []struct {
		kind string
		want Outcome
	}{
		{kind: keybase.KindText, want: OutcomeChat},
		{kind: keybase.KindAttachment, want: OutcomeChat},
		{kind: keybase.KindHeadline, want: OutcomeChat},
		{kind: keybase.KindJoin, want: OutcomeChat},
		{kind: keybase.KindLeave, want: OutcomeChat},
		{kind: keybase.KindReaction, want: OutcomeRewriteHistory},
		{kind: keybase.KindEdit, want: OutcomeRewriteHistory},
		{kind: keybase.KindDelete, want: OutcomeRewriteHistory},
		{kind: keybase.KindMetadata, want: OutcomeRewriteHistory},
		{kind: keybase.KindUnfurl, want: OutcomeIgnore},
		{kind: keybase.KindSystem, want: OutcomeIgnore},
		{kind: keybase.KindNone, want: OutcomeIgnore},
		{kind: "requestpayment", want: OutcomeIgnore},
		{kind: "", want: OutcomeIgnore},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got := Classify(event("1", keybase.Content{Type: tt.kind}))
			if got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestProjectText(t *testing.T) {
	p, _ := newProjector(t)
	item, ok := p.Project(textEvent("5", "hello"))
	if !ok {
		t.Fatal("Project reported not projectable")
	}
	if item.ID != "myteam|general|5" {
		t.Errorf("id = %q", item.ID)
	}
	if item.Type != "text" || item.Text != "hello" {
		t.Errorf("item = %+v", item)
	}
	md := item.Metadata
	if md.ChannelName != "general" || md.SenderName != "alice" || md.SenderDevice != "work" {
		t.Errorf("metadata = %+v", md)
	}
	if md.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", md.Timestamp)
	}
	if md.ExplodeTime != nil || md.IsEdited || md.SenderAvatar != nil {
		t.Errorf("unexpected optional fields: %+v", md)
	}
	if len(md.Reactions) != 0 {
		t.Errorf("reactions = %v", md.Reactions)
	}
}

func TestProjectKinds(t *testing.T) {
	p, _ := newProjector(t)

	t.Run("attachment", func(t *testing.T) {
		item, ok := p.Project(event("6", keybase.Content{
			Type:       keybase.KindAttachment,
			Attachment: &keybase.AttachmentContent{Object: keybase.AttachmentObject{Filename: "cat.png", Title: "a cat"}},
		}))
		if !ok || item.Type != "file" || item.Name != "cat.png" || item.Caption != "a cat" {
			t.Errorf("item = %+v ok=%v", item, ok)
		}
	})

	t.Run("headline", func(t *testing.T) {
		item, ok := p.Project(event("7", keybase.Content{
			Type:     keybase.KindHeadline,
			Headline: &keybase.HeadlineContent{Headline: "welcome"},
		}))
		if !ok || item.Type != "topic" || item.Text != "welcome" {
			t.Errorf("item = %+v ok=%v", item, ok)
		}
	})

	t.Run("join and leave", func(t *testing.T) {
		if item, ok := p.Project(event("8", keybase.Content{Type: keybase.KindJoin})); !ok || item.Type != "join" {
			t.Errorf("join item = %+v ok=%v", item, ok)
		}
		if item, ok := p.Project(event("9", keybase.Content{Type: keybase.KindLeave})); !ok || item.Type != "leave" {
			t.Errorf("leave item = %+v ok=%v", item, ok)
		}
	})

	t.Run("mutation kinds do not project", func(t *testing.T) {
		if _, ok := p.Project(event("10", keybase.Content{Type: keybase.KindDelete, Delete: &keybase.DeleteContent{}})); ok {
			t.Error("delete projected")
		}
	})
}

func TestProjectReactionTallySorted(t *testing.T) {
	reaction := func(id keybase.ID, emoji string) keybase.Message {
		return event(id, keybase.Content{Type: keybase.KindReaction, Reaction: &keybase.ReactionContent{MessageID: "1", Body: emoji}})
	}
	p, _ := newProjector(t,
		textEvent("1", "hello"),
		reaction("2", "joy"),
		reaction("3", "+1"),
		reaction("4", "+1"),
	)

	msg, _ := p.History.Get("general", "1")
	item, ok := p.Project(msg)
	if !ok {
		t.Fatal("Project failed")
	}
	want := []ReactionCount{{Reaction: "+1", Num: 2}, {Reaction: "joy", Num: 1}}
	if !reflect.DeepEqual(item.Metadata.Reactions, want) {
		t.Errorf("reactions = %v, want %v", item.Metadata.Reactions, want)
	}
}

func TestProjectEditedFlag(t *testing.T) {
	p, _ := newProjector(t,
		textEvent("1", "helo"),
		event("2", keybase.Content{Type: keybase.KindEdit, Edit: &keybase.EditContent{MessageID: "1", Body: "hello"}}),
	)
	msg, _ := p.History.Get("general", "1")
	item, _ := p.Project(msg)
	if !item.Metadata.IsEdited {
		t.Error("edited flag not set")
	}
	if item.Text != "hello" {
		t.Errorf("text = %q", item.Text)
	}
}

func TestProjectEphemeral(t *testing.T) {
	p, _ := newProjector(t)
	msg := textEvent("1", "boom")
	msg.IsEphemeral = true
	msg.ETime = 1700000300000
	item, _ := p.Project(msg)
	if item.Metadata.ExplodeTime == nil || *item.Metadata.ExplodeTime != 1700000300000 {
		t.Errorf("explode time = %v", item.Metadata.ExplodeTime)
	}
}

func TestProjectAvatar(t *testing.T) {
	cache := NewAvatarCache()
	cache.Update(map[string]string{"alice": "https://cdn.example/alice.jpg"})
	p, _ := newProjector(t)
	p.Avatars = cache

	item, _ := p.Project(textEvent("1", "hi"))
	if item.Metadata.SenderAvatar == nil || *item.Metadata.SenderAvatar != "https://cdn.example/alice.jpg" {
		t.Errorf("avatar = %v", item.Metadata.SenderAvatar)
	}
}

func TestHistorySnapshotOmitsNonChatEvents(t *testing.T) {
	p, _ := newProjector(t,
		textEvent("1", "hello"),
		event("2", keybase.Content{Type: keybase.KindReaction, Reaction: &keybase.ReactionContent{MessageID: "1", Body: "+1"}}),
		textEvent("3", "world"),
	)

	snapshot := p.HistorySnapshot()
	items := snapshot["general"]
	if len(items) != 2 {
		t.Fatalf("snapshot holds %d items, want 2", len(items))
	}
	if items[0].ID != "myteam|general|1" || items[1].ID != "myteam|general|3" {
		t.Errorf("ids = %q, %q", items[0].ID, items[1].ID)
	}
	// the reaction shows up as a tally on its target, not as an item
	if len(items[0].Metadata.Reactions) != 1 {
		t.Errorf("target reactions = %v", items[0].Metadata.Reactions)
	}
}

func TestAvatarCache(t *testing.T) {
	cache := NewAvatarCache()
	if _, ok := cache.Avatar("alice"); ok {
		t.Error("empty cache returned a hit")
	}
	cache.Update(map[string]string{"alice": "a.jpg"})
	cache.Update(map[string]string{"bob": "b.jpg"})
	if url, ok := cache.Avatar("alice"); !ok || url != "a.jpg" {
		t.Errorf("alice = %q ok=%v", url, ok)
	}
	if url, ok := cache.Avatar("bob"); !ok || url != "b.jpg" {
		t.Errorf("bob = %q ok=%v", url, ok)
	}
}
