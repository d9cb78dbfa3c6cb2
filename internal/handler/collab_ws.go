package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collab-backend/internal/apperr"
	"collab-backend/internal/auth"
	"collab-backend/internal/comment"
	"collab-backend/internal/config"
	"collab-backend/internal/hub"
	"collab-backend/internal/model"
	"collab-backend/internal/presence"
	"collab-backend/internal/registry"
)

// Inbound event types
const (
	eventUpdateViewing  = "update-viewing"
	eventCursorMove     = "cursor-move"
	eventResourceUpdate = "resource-update"
	eventAddComment     = "add-comment"
)

const storageTimeout = 5 * time.Second

// CollabWSHandler 협업 WebSocket 게이트웨이. Authenticates happen in the
// upgrade middleware; this handler joins the room, hydrates the client,
// and routes inbound events. It performs no business logic itself.
type CollabWSHandler struct {
	registry *registry.Registry
	tracker  *presence.Tracker
	hub      *hub.Hub
	comments *comment.Service
	wsCfg    config.WebSocketConfig
	recent   int
	log      *logrus.Entry
}

// NewCollabWSHandler CollabWSHandler 생성
func NewCollabWSHandler(reg *registry.Registry, tracker *presence.Tracker, h *hub.Hub, comments *comment.Service, cfg *config.Config) *CollabWSHandler {
	return &CollabWSHandler{
		registry: reg,
		tracker:  tracker,
		hub:      h,
		comments: comments,
		wsCfg:    cfg.WebSocket,
		recent:   cfg.Collab.RecentComments,
		log:      logrus.WithField("component", "gateway"),
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type viewingPayload struct {
	ResourceID *string `json:"resourceId"`
}

type cursorMovePayload struct {
	ResourceID string  `json:"resourceId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
}

type resourceUpdatePayload struct {
	ResourceID string         `json:"resourceId"`
	Patch      map[string]any `json:"patch"`
}

type addCommentPayload struct {
	Content      string `json:"content"`
	FeedbackID   string `json:"feedbackId,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	ParentID     string `json:"parentId,omitempty"`
}

type joinedPayload struct {
	Session        *sessionResponse    `json:"session"`
	ActiveUsers    []model.UserSummary `json:"activeUsers"`
	RecentComments []comment.Response  `json:"recentComments"`
}

// HandleWebSocket WebSocket 연결 처리. The upgrade middleware has already
// validated the token and session name and stashed them in Locals.
func (h *CollabWSHandler) HandleWebSocket(c *websocket.Conn) {
	claims, ok := c.Locals("claims").(*auth.Claims)
	sessionName, ok2 := c.Locals("sessionName").(string)
	sessionType, _ := c.Locals("sessionType").(string)
	if !ok || !ok2 {
		writeClose(c, websocket.ClosePolicyViolation, "invalid handshake")
		return
	}

	user := claims.User()
	connID := uuid.NewString()
	log := h.log.WithFields(logrus.Fields{
		"session": sessionName,
		"user":    user.ID,
		"conn":    connID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	session, err := h.registry.GetOrCreate(ctx, sessionName, sessionType, user.ID)
	cancel()
	if err != nil {
		log.WithError(err).Warn("join failed")
		writeClose(c, websocket.CloseInternalServerErr, "join failed")
		return
	}

	// Registration order matters: the hub must know the connection before
	// the roster broadcast so peers and this client observe the same join.
	h.hub.Join(session.Name, connID, user, c)
	roster := h.tracker.Add(connID, session.Name, user)
	h.hub.BroadcastRoster(session.Name, roster, connID)

	ctx, cancel = context.WithTimeout(context.Background(), storageTimeout)
	h.registry.AdjustActiveCount(ctx, session.ID, 1)
	cancel()

	// Cleanup must run on any exit path, clean or not. A stale presence
	// entry would corrupt the roster until process restart.
	defer h.cleanup(session, connID, log)

	log.Info("connection joined")

	h.sendHydration(session, connID)

	// Heartbeat: the read deadline reaps half-open connections that never
	// pong back; the ticker goroutine stops when the read loop exits.
	c.SetReadDeadline(time.Now().Add(h.wsCfg.PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(h.wsCfg.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(c, done)

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case eventUpdateViewing:
			h.handleViewing(connID, msg.Payload)
		case eventCursorMove:
			h.handleCursor(connID, msg.Payload)
		case eventResourceUpdate:
			h.handleResourceUpdate(session, connID, user, msg.Payload)
		case eventAddComment:
			h.handleAddComment(session, connID, user, msg.Payload)
		}
	}
}

// cleanup tears down the connection's room and presence state. The
// tracker removal is the idempotency gate: a connection that was already
// reaped skips the roster broadcast and the count decrement.
func (h *CollabWSHandler) cleanup(session *model.Session, connID string, log *logrus.Entry) {
	h.hub.Leave(session.Name, connID)

	_, after, removed := h.tracker.Remove(connID)
	if !removed {
		return
	}
	h.hub.BroadcastRoster(session.Name, after, "")

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	h.registry.AdjustActiveCount(ctx, session.ID, -1)
	cancel()

	log.Info("connection closed")
}

func (h *CollabWSHandler) sendHydration(session *model.Session, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	recent, err := h.comments.List(ctx, session.ID, comment.Filter{Limit: h.recent})
	if err != nil {
		h.log.WithError(err).WithField("session", session.Name).Warn("failed to load recent comments for hydration")
		recent = []comment.Response{}
	}

	h.hub.SendTo(session.Name, connID, hub.Event{
		Type: hub.EventSessionJoined,
		Payload: joinedPayload{
			Session:        toSessionResponse(session),
			ActiveUsers:    h.tracker.RosterFor(session.Name),
			RecentComments: recent,
		},
	})
}

func (h *CollabWSHandler) handleViewing(connID string, raw json.RawMessage) {
	var p viewingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	resourceID := ""
	if p.ResourceID != nil {
		resourceID = *p.ResourceID
	}
	h.tracker.SetViewing(connID, resourceID)
}

func (h *CollabWSHandler) handleCursor(connID string, raw json.RawMessage) {
	var p cursorMovePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ResourceID == "" {
		return
	}
	h.hub.RelayCursor(connID, p.ResourceID, p.X, p.Y)
}

func (h *CollabWSHandler) handleResourceUpdate(session *model.Session, connID string, user model.UserSummary, raw json.RawMessage) {
	var p resourceUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ResourceID == "" {
		return
	}
	h.hub.BroadcastUpdate(session.Name, p.ResourceID, p.Patch, user, connID)

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := h.registry.TouchActivity(ctx, session.ID); err != nil {
		h.log.WithError(err).WithField("session", session.Name).Warn("failed to touch session activity")
	}
}

func (h *CollabWSHandler) handleAddComment(session *model.Session, connID string, user model.UserSummary, raw json.RawMessage) {
	var p addCommentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(session.Name, connID, "invalid add-comment payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	_, err := h.comments.Add(ctx, session, user, comment.AddInput{
		Content:      p.Content,
		FeedbackID:   p.FeedbackID,
		ResourceID:   p.ResourceID,
		ResourceType: p.ResourceType,
		ParentID:     p.ParentID,
	})
	if err != nil {
		switch {
		case apperr.IsValidation(err):
			h.sendError(session.Name, connID, err.Error())
		case errors.Is(err, apperr.ErrNotFound):
			h.sendError(session.Name, connID, "parent comment not found")
		default:
			h.log.WithError(err).WithField("session", session.Name).Error("comment persistence failed")
			h.sendError(session.Name, connID, "failed to save comment")
		}
	}
}

func (h *CollabWSHandler) sendError(sessionName, connID, message string) {
	h.hub.SendTo(sessionName, connID, hub.Event{
		Type:    hub.EventError,
		Payload: map[string]string{"message": message},
	})
}

func (h *CollabWSHandler) pingLoop(c *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.wsCfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.wsCfg.WriteTimeout)
			if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func writeClose(c *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.Close()
}
