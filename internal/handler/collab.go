package handler

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
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

// CollabHandler HTTP 협업 핸들러. Mirrors the websocket operations for
// initial hydration and non-realtime fallback.
type CollabHandler struct {
	registry *registry.Registry
	tracker  *presence.Tracker
	hub      *hub.Hub
	comments *comment.Service
	recent   int
	log      *logrus.Entry
}

// NewCollabHandler CollabHandler 생성
func NewCollabHandler(reg *registry.Registry, tracker *presence.Tracker, h *hub.Hub, comments *comment.Service, cfg *config.Config) *CollabHandler {
	return &CollabHandler{
		registry: reg,
		tracker:  tracker,
		hub:      h,
		comments: comments,
		recent:   cfg.Collab.RecentComments,
		log:      logrus.WithField("component", "collab-http"),
	}
}

type sessionResponse struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	ParticipantIDs []string  `json:"participantIds"`
	ActiveCount    int       `json:"activeCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toSessionResponse(s *model.Session) *sessionResponse {
	return &sessionResponse{
		ID:             s.ID,
		Name:           s.Name,
		Type:           s.Type,
		ParticipantIDs: s.ParticipantIDs(),
		ActiveCount:    s.ActiveCount,
		LastActivityAt: s.LastActivityAt,
		CreatedAt:      s.CreatedAt,
	}
}

type joinRequest struct {
	SessionName string `json:"sessionName"`
	Type        string `json:"type,omitempty"`
}

type joinResponse struct {
	Session        *sessionResponse    `json:"session"`
	ActiveUsers    []model.UserSummary `json:"activeUsers"`
	RecentComments []comment.Response  `json:"recentComments"`
}

// JoinSession POST /collaborate/join — idempotent create-or-join.
func (h *CollabHandler) JoinSession(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req joinRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	session, err := h.registry.GetOrCreate(c.Context(), req.SessionName, req.Type, claims.UserID)
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(h.buildJoinResponse(c, session))
}

// GetSession GET /collaborate/join?sessionName= — read-only fetch.
func (h *CollabHandler) GetSession(c *fiber.Ctx) error {
	name := c.Query("sessionName")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "sessionName is required",
		})
	}

	session, err := h.registry.GetByName(c.Context(), name)
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(h.buildJoinResponse(c, session))
}

func (h *CollabHandler) buildJoinResponse(c *fiber.Ctx, session *model.Session) joinResponse {
	recent, err := h.comments.List(c.Context(), session.ID, comment.Filter{Limit: h.recent})
	if err != nil {
		h.log.WithError(err).WithField("session", session.Name).Warn("failed to load recent comments")
		recent = []comment.Response{}
	}

	return joinResponse{
		Session:        toSessionResponse(session),
		ActiveUsers:    h.tracker.RosterFor(session.Name),
		RecentComments: recent,
	}
}

type addCommentRequest struct {
	SessionID    int64  `json:"sessionId"`
	Content      string `json:"content"`
	FeedbackID   string `json:"feedbackId,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	ParentID     string `json:"parentId,omitempty"`
}

// AddComment POST /collaborate/comment — persists and broadcasts.
func (h *CollabHandler) AddComment(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req addCommentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.SessionID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "sessionId is required",
		})
	}

	session, err := h.registry.Get(c.Context(), req.SessionID)
	if err != nil {
		return h.respondError(c, err)
	}

	created, err := h.comments.Add(c.Context(), session, claims.User(), comment.AddInput{
		Content:      req.Content,
		FeedbackID:   req.FeedbackID,
		ResourceID:   req.ResourceID,
		ResourceType: req.ResourceType,
		ParentID:     req.ParentID,
	})
	if err != nil {
		return h.respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// ListComments GET /collaborate/comment?sessionId=&feedbackId=&resourceId=
func (h *CollabHandler) ListComments(c *fiber.Ctx) error {
	sessionID := int64(c.QueryInt("sessionId"))
	if sessionID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "sessionId is required",
		})
	}

	if _, err := h.registry.Get(c.Context(), sessionID); err != nil {
		return h.respondError(c, err)
	}

	comments, err := h.comments.List(c.Context(), sessionID, comment.Filter{
		FeedbackID: c.Query("feedbackId"),
		ResourceID: c.Query("resourceId"),
	})
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(fiber.Map{"comments": comments})
}

type broadcastUpdateRequest struct {
	SessionName string         `json:"sessionName"`
	ResourceID  string         `json:"resourceId"`
	Patch       map[string]any `json:"patch"`
}

// BroadcastUpdate POST /collaborate/update — relays a mutation the REST
// layer has already committed to the resource store. This handler never
// touches the resource itself; broadcast-after-commit is the caller's
// contract.
func (h *CollabHandler) BroadcastUpdate(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req broadcastUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.SessionName == "" || req.ResourceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "sessionName and resourceId are required",
		})
	}

	session, err := h.registry.GetByName(c.Context(), req.SessionName)
	if err != nil {
		return h.respondError(c, err)
	}

	h.hub.BroadcastUpdate(session.Name, req.ResourceID, req.Patch, claims.User(), "")

	if err := h.registry.TouchActivity(c.Context(), session.ID); err != nil {
		h.log.WithError(err).WithField("session", session.Name).Warn("failed to touch session activity")
	}

	return c.JSON(fiber.Map{"success": true})
}

// ListViewers GET /collaborate/viewers?sessionName=&resourceId= — the
// "who else is looking at this item" badge data.
func (h *CollabHandler) ListViewers(c *fiber.Ctx) error {
	name := c.Query("sessionName")
	resourceID := c.Query("resourceId")
	if name == "" || resourceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "sessionName and resourceId are required",
		})
	}

	return c.JSON(fiber.Map{
		"viewers": h.tracker.ViewersOf(name, resourceID),
	})
}

// respondError maps the error taxonomy onto HTTP status codes. Storage
// detail is logged, never leaked.
func (h *CollabHandler) respondError(c *fiber.Ctx, err error) error {
	switch {
	case apperr.IsValidation(err):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, apperr.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not found",
		})
	case errors.Is(err, apperr.ErrUnauthorized):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "unauthorized",
		})
	default:
		h.log.WithError(err).Error("internal error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}
}
