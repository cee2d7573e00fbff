package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/subvocal/keybase-feed/backend/feed"
	"github.com/subvocal/keybase-feed/backend/telemetry"
)

// Wire event names, matching what the frontend subscribes to.
const (
	EventMetadata       = "metadata"
	EventChat           = "chat"
	EventRewriteHistory = "rewrite_history"
)

const (
	viewerQueueSize  = 32
	viewerWriteLimit = 10 * time.Second
)

// Event is one frame on the viewer WebSocket.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// TeamMetadata is broadcast on connect and on every member poll.
type TeamMetadata struct {
	TeamName     string `json:"teamName"`
	MembersCount int    `json:"membersCount"`
}

// SnapshotFunc produces the full feed history sent to new viewers and after
// history rewrites.
type SnapshotFunc func() map[string][]feed.Message

// Hub fans events out to every connected viewer. Viewers are write-only;
// a viewer that cannot keep up with its buffered queue is dropped rather
// than allowed to stall the broadcast path.
type Hub struct {
	team     string
	snapshot SnapshotFunc

	mu      sync.Mutex
	viewers map[string]*viewer
	members int
}

type viewer struct {
	id     string
	send   chan Event
	cancel context.CancelFunc
}

// NewHub returns a hub for the given team. snapshot is called once per new
// connection and once per rewrite broadcast.
func NewHub(team string, snapshot SnapshotFunc) *Hub {
	return &Hub{team: team, snapshot: snapshot, viewers: make(map[string]*viewer)}
}

// Metadata returns the current team metadata frame.
func (h *Hub) Metadata() TeamMetadata {
	h.mu.Lock()
	defer h.mu.Unlock()
	return TeamMetadata{TeamName: h.team, MembersCount: h.members}
}

// SetMembers records the member count from the latest poll.
func (h *Hub) SetMembers(count int) {
	h.mu.Lock()
	h.members = count
	h.mu.Unlock()
	if telemetry.MembersGauge != nil {
		telemetry.MembersGauge.Set(float64(count))
	}
}

// ViewerCount returns the number of connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// ServeWS upgrades the request and streams feed events until the viewer
// disconnects. New viewers immediately receive the current metadata and a
// full history snapshot, then live events as they are broadcast.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Warn("websocket accept failed", slog.Any("err", err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "hub closed") }()

	// viewers never send application frames; CloseRead watches for close
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	v := &viewer{id: uuid.New().String(), send: make(chan Event, viewerQueueSize), cancel: cancel}
	v.send <- Event{Event: EventMetadata, Data: h.Metadata()}
	v.send <- Event{Event: EventRewriteHistory, Data: h.snapshot()}

	h.register(v)
	defer h.unregister(v.id)
	slog.Info("viewer connected", slog.String("viewer", v.id), slog.String("remote_addr", r.RemoteAddr))

	for {
		select {
		case ev := <-v.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, viewerWriteLimit)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				if !isExpectedDisconnect(ctx, err) {
					slog.Warn("viewer write failed", slog.String("viewer", v.id), slog.Any("err", err))
				}
				return
			}
		case <-ctx.Done():
			slog.Info("viewer disconnected", slog.String("viewer", v.id))
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
	}
}

func (h *Hub) register(v *viewer) {
	h.mu.Lock()
	h.viewers[v.id] = v
	n := len(h.viewers)
	h.mu.Unlock()
	if telemetry.ViewersGauge != nil {
		telemetry.ViewersGauge.Set(float64(n))
	}
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.viewers, id)
	n := len(h.viewers)
	h.mu.Unlock()
	if telemetry.ViewersGauge != nil {
		telemetry.ViewersGauge.Set(float64(n))
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, v := range h.viewers {
		select {
		case v.send <- ev:
		default:
			// the viewer's queue is full; drop it instead of blocking the feed
			slog.Warn("dropping slow viewer", slog.String("viewer", id))
			delete(h.viewers, id)
			v.cancel()
		}
	}
	telemetry.CountBroadcast(ev.Event)
}

// BroadcastChat sends one new feed message to every viewer.
func (h *Hub) BroadcastChat(msg feed.Message) {
	slog.Debug("broadcasting message", slog.Int("viewers", h.ViewerCount()), slog.String("id", msg.ID))
	h.broadcast(Event{Event: EventChat, Data: msg})
}

// BroadcastHistory sends a full history snapshot to every viewer.
func (h *Hub) BroadcastHistory() {
	slog.Debug("broadcasting history rewrite", slog.Int("viewers", h.ViewerCount()))
	h.broadcast(Event{Event: EventRewriteHistory, Data: h.snapshot()})
}

// BroadcastMetadata sends the current team metadata to every viewer.
func (h *Hub) BroadcastMetadata() {
	h.broadcast(Event{Event: EventMetadata, Data: h.Metadata()})
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
