package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/subvocal/keybase-feed/backend/feed"
)

// frame mirrors Event with the payload left raw for per-event decoding.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func fixedSnapshot() map[string][]feed.Message {
	return map[string][]feed.Message{
		"general": {{Type: "text", ID: "myteam|general|1", Text: "hello"}},
	}
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func waitForViewers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.ViewerCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("viewer count never reached %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectReceivesMetadataAndSnapshot(t *testing.T) {
	hub := NewHub("myteam", fixedSnapshot)
	hub.SetMembers(4)
	conn := dialHub(t, hub)

	f := readFrame(t, conn)
	if f.Event != EventMetadata {
		t.Fatalf("first frame = %q, want %q", f.Event, EventMetadata)
	}
	var md TeamMetadata
	if err := json.Unmarshal(f.Data, &md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if md.TeamName != "myteam" || md.MembersCount != 4 {
		t.Errorf("metadata = %+v", md)
	}

	f = readFrame(t, conn)
	if f.Event != EventRewriteHistory {
		t.Fatalf("second frame = %q, want %q", f.Event, EventRewriteHistory)
	}
	var snapshot map[string][]feed.Message
	if err := json.Unmarshal(f.Data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot["general"]) != 1 || snapshot["general"][0].Text != "hello" {
		t.Errorf("snapshot = %v", snapshot)
	}
}

func TestBroadcastChatReachesViewer(t *testing.T) {
	hub := NewHub("myteam", fixedSnapshot)
	conn := dialHub(t, hub)
	readFrame(t, conn) // metadata
	readFrame(t, conn) // snapshot
	waitForViewers(t, hub, 1)

	hub.BroadcastChat(feed.Message{Type: "text", ID: "myteam|general|2", Text: "live"})

	f := readFrame(t, conn)
	if f.Event != EventChat {
		t.Fatalf("frame = %q, want %q", f.Event, EventChat)
	}
	var msg feed.Message
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.ID != "myteam|general|2" || msg.Text != "live" {
		t.Errorf("message = %+v", msg)
	}
}

func TestBroadcastMetadataAfterPoll(t *testing.T) {
	hub := NewHub("myteam", fixedSnapshot)
	conn := dialHub(t, hub)
	readFrame(t, conn)
	readFrame(t, conn)
	waitForViewers(t, hub, 1)

	hub.SetMembers(7)
	hub.BroadcastMetadata()

	f := readFrame(t, conn)
	if f.Event != EventMetadata {
		t.Fatalf("frame = %q", f.Event)
	}
	var md TeamMetadata
	if err := json.Unmarshal(f.Data, &md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if md.MembersCount != 7 {
		t.Errorf("members = %d, want 7", md.MembersCount)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	hub := NewHub("myteam", fixedSnapshot)
	conn := dialHub(t, hub)
	readFrame(t, conn)
	readFrame(t, conn)
	waitForViewers(t, hub, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForViewers(t, hub, 0)
}

func TestSlowViewerDropped(t *testing.T) {
	hub := NewHub("myteam", fixedSnapshot)
	// a viewer that never drains its queue
	v := &viewer{id: "stuck", send: make(chan Event), cancel: func() {}}
	hub.register(v)

	hub.BroadcastChat(feed.Message{Type: "text", ID: "x"})
	if hub.ViewerCount() != 0 {
		t.Error("slow viewer was not dropped")
	}
}
