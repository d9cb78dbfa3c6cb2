// Package hub fans events out to the websocket connections joined to a
// session room. It owns no business state beyond the room membership;
// presence lives in the tracker and durable data in the stores.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"

	"collab-backend/internal/model"
	"collab-backend/internal/presence"
)

// Outbound event types
const (
	EventSessionJoined   = "session-joined"
	EventRosterUpdated   = "roster-updated"
	EventCursorMoved     = "cursor-moved"
	EventResourceUpdated = "resource-updated"
	EventCommentAdded    = "comment-added"
	EventError           = "error"
)

// Event WebSocket 메시지 envelope
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// RosterPayload carries the deduplicated active-user list.
type RosterPayload struct {
	ActiveUsers []model.UserSummary `json:"activeUsers"`
}

// CursorPayload is fire-and-forget pointer telemetry, never persisted.
type CursorPayload struct {
	ResourceID string            `json:"resourceId"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Sender     model.UserSummary `json:"sender"`
}

// ResourceUpdatePayload relays an already-committed mutation.
type ResourceUpdatePayload struct {
	ResourceID string            `json:"resourceId"`
	Patch      map[string]any    `json:"patch"`
	UpdatedBy  model.UserSummary `json:"updatedBy"`
}

// Conn is the write half of a websocket connection. *websocket.Conn
// satisfies it; tests substitute a recording fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

// Relay mirrors outbound room events to peer processes. Nil relay means
// single-process operation.
type Relay interface {
	Publish(session string, data []byte) error
}

type client struct {
	id      string
	user    model.UserSummary
	conn    Conn
	writeMu sync.Mutex
}

type room struct {
	clients map[string]*client
	mu      sync.RWMutex
}

// Hub 세션 룸 단위 브로드캐스트 관리
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	tracker *presence.Tracker
	relay   Relay
	log     *logrus.Entry
}

// New creates a Hub backed by the given presence tracker.
func New(tracker *presence.Tracker) *Hub {
	return &Hub{
		rooms:   make(map[string]*room),
		tracker: tracker,
		log:     logrus.WithField("component", "hub"),
	}
}

// SetRelay attaches the cross-process event backbone.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

// Join binds a connection to a session room. Membership insertion stays
// under h.mu so a concurrent Leave of the room's last member cannot evict
// the room between the map lookup and the insert, stranding the joiner in
// an unreachable room.
func (h *Hub) Join(session, connID string, user model.UserSummary, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[session]
	if !ok {
		r = &room{clients: make(map[string]*client)}
		h.rooms[session] = r
		h.log.WithField("session", session).Info("room created")
	}

	r.mu.Lock()
	r.clients[connID] = &client{id: connID, user: user, conn: conn}
	r.mu.Unlock()
}

// Leave removes a connection from its room; empty rooms are dropped.
// Safe to call for connections that already left.
func (h *Hub) Leave(session, connID string) {
	h.mu.Lock()
	r, ok := h.rooms[session]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	delete(r.clients, connID)
	empty := len(r.clients) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, session)
		h.log.WithField("session", session).Info("room removed")
	}
	h.mu.Unlock()
}

// BroadcastRoster pushes the updated roster to every connection in the
// room except excludeConn (the joiner already receives it via hydration).
func (h *Hub) BroadcastRoster(session string, roster []model.UserSummary, excludeConn string) {
	h.broadcast(session, excludeConn, Event{
		Type:    EventRosterUpdated,
		Payload: RosterPayload{ActiveUsers: roster},
	})
}

// RelayCursor fans a cursor position out to every other connection in the
// sender's session. Delivery scope is the whole room; receivers filter by
// resource client-side. Dropped silently if the sender's presence entry is
// gone (race with disconnect).
func (h *Hub) RelayCursor(senderConnID, resourceID string, x, y float64) {
	entry, ok := h.tracker.Get(senderConnID)
	if !ok {
		return
	}
	h.broadcast(entry.Session, senderConnID, Event{
		Type: EventCursorMoved,
		Payload: CursorPayload{
			ResourceID: resourceID,
			X:          x,
			Y:          y,
			Sender:     entry.User,
		},
	})
}

// BroadcastUpdate relays a committed resource mutation to the room,
// skipping the actor's own connection. The caller must have persisted the
// change before invoking this.
func (h *Hub) BroadcastUpdate(session, resourceID string, patch map[string]any, actor model.UserSummary, excludeConn string) {
	h.broadcast(session, excludeConn, Event{
		Type: EventResourceUpdated,
		Payload: ResourceUpdatePayload{
			ResourceID: resourceID,
			Patch:      patch,
			UpdatedBy:  actor,
		},
	})
}

// BroadcastComment pushes a newly persisted comment to the whole room.
func (h *Hub) BroadcastComment(session string, payload any) {
	h.broadcast(session, "", Event{
		Type:    EventCommentAdded,
		Payload: payload,
	})
}

// SendTo writes an event to a single connection in the room.
func (h *Hub) SendTo(session, connID string, ev Event) {
	h.mu.RLock()
	r, ok := h.rooms[session]
	h.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.RLock()
	c, ok := r.clients[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Warn("failed to marshal event")
		return
	}
	h.send(c, data)
}

// DeliverRemote writes a raw event frame, produced on a peer process, to
// every local connection in the room.
func (h *Hub) DeliverRemote(session string, data []byte) {
	h.deliver(session, "", data)
}

func (h *Hub) broadcast(session, excludeConn string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Warn("failed to marshal event")
		return
	}

	h.deliver(session, excludeConn, data)

	if h.relay != nil {
		if err := h.relay.Publish(session, data); err != nil {
			h.log.WithError(err).WithField("session", session).Warn("backbone publish failed")
		}
	}
}

func (h *Hub) deliver(session, excludeConn string, data []byte) {
	h.mu.RLock()
	r, ok := h.rooms[session]
	h.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.RLock()
	targets := make([]*client, 0, len(r.clients))
	for id, c := range r.clients {
		if id == excludeConn {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		h.send(c, data)
	}
}

// send is best-effort: a stale connection's write failure is logged and
// never fails the triggering request. Disconnect cleanup reaps the entry.
func (h *Hub) send(c *client, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.log.WithError(err).WithField("conn", c.id).Warn("failed to deliver event")
	}
}
