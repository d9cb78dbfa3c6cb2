// Package comment persists and distributes session-scoped comments with
// one level of reply threading.
package comment

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collab-backend/internal/apperr"
	"collab-backend/internal/model"
	"collab-backend/internal/registry"
)

// Store persists comments. Implementations report a missing record as
// apperr.ErrNotFound.
type Store interface {
	Create(ctx context.Context, comment *model.Comment) error
	GetByPublicID(ctx context.Context, publicID string) (*model.Comment, error)
	// ListTopLevel returns top-level comments newest-first with their
	// replies preloaded oldest-first.
	ListTopLevel(ctx context.Context, sessionID int64, filter Filter) ([]model.Comment, error)
}

// Filter narrows comment listings to a tagged resource.
type Filter struct {
	FeedbackID string
	ResourceID string
	Limit      int
}

// Broadcaster pushes a persisted comment to the session room. The hub
// satisfies it.
type Broadcaster interface {
	BroadcastComment(session string, payload any)
}

// AddInput is the client-supplied part of a new comment.
type AddInput struct {
	Content      string
	FeedbackID   string
	ResourceID   string
	ResourceType string
	ParentID     string // public id of the parent comment, empty for top-level
}

// Response is the wire shape of a comment, used both for listings and the
// comment-added broadcast.
type Response struct {
	ID           string            `json:"id"`
	SessionID    int64             `json:"sessionId"`
	Content      string            `json:"content"`
	Author       model.UserSummary `json:"author"`
	FeedbackID   *string           `json:"feedbackId,omitempty"`
	ResourceID   *string           `json:"resourceId,omitempty"`
	ResourceType *string           `json:"resourceType,omitempty"`
	ParentID     string            `json:"parentId,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	Replies      []Response        `json:"replies"`
}

// Service 코멘트 서비스
type Service struct {
	store       Store
	registry    *registry.Registry
	broadcaster Broadcaster
	maxLen      int
	log         *logrus.Entry
}

// NewService creates a Service. broadcaster may be nil (HTTP-only use).
func NewService(store Store, reg *registry.Registry, broadcaster Broadcaster, maxLen int) *Service {
	return &Service{
		store:       store,
		registry:    reg,
		broadcaster: broadcaster,
		maxLen:      maxLen,
		log:         logrus.WithField("component", "comments"),
	}
}

// Add validates, persists, and broadcasts a new comment. The broadcast
// happens strictly after the commit; a delivery problem never rolls the
// comment back.
func (s *Service) Add(ctx context.Context, session *model.Session, author model.UserSummary, in AddInput) (*Response, error) {
	if in.Content == "" {
		return nil, apperr.Validationf("content", "must not be empty")
	}
	if utf8.RuneCountInString(in.Content) > s.maxLen {
		return nil, apperr.Validationf("content", "must be at most %d characters", s.maxLen)
	}

	var parent *model.Comment
	if in.ParentID != "" {
		found, err := s.store.GetByPublicID(ctx, in.ParentID)
		if err != nil {
			return nil, err
		}
		if found.SessionID != session.ID {
			// A reply cannot cross sessions; treat the parent as absent.
			return nil, apperr.ErrNotFound
		}
		parent = found
	}

	cmt := &model.Comment{
		PublicID:     uuid.NewString(),
		SessionID:    session.ID,
		AuthorID:     author.ID,
		AuthorName:   author.DisplayName,
		AuthorAvatar: author.AvatarURL,
		AuthorRole:   author.Role,
		Content:      in.Content,
		FeedbackID:   optional(in.FeedbackID),
		ResourceID:   optional(in.ResourceID),
		ResourceType: optional(in.ResourceType),
		CreatedAt:    time.Now(),
	}
	if parent != nil {
		cmt.ParentID = &parent.ID
	}

	if err := s.store.Create(ctx, cmt); err != nil {
		return nil, err
	}

	if err := s.registry.TouchActivity(ctx, session.ID); err != nil {
		s.log.WithError(err).WithField("session", session.Name).Warn("failed to touch session activity")
	}

	parentPublicID := ""
	if parent != nil {
		parentPublicID = parent.PublicID
	}
	resp := toResponse(cmt, parentPublicID)

	if s.broadcaster != nil {
		s.broadcaster.BroadcastComment(session.Name, resp)
	}

	return &resp, nil
}

// List returns the session's top-level comments newest-first, replies
// nested oldest-first.
func (s *Service) List(ctx context.Context, sessionID int64, filter Filter) ([]Response, error) {
	comments, err := s.store.ListTopLevel(ctx, sessionID, filter)
	if err != nil {
		return nil, err
	}

	out := make([]Response, 0, len(comments))
	for i := range comments {
		c := &comments[i]
		resp := toResponse(c, "")
		for j := range c.Replies {
			resp.Replies = append(resp.Replies, toResponse(&c.Replies[j], c.PublicID))
		}
		out = append(out, resp)
	}
	return out, nil
}

func toResponse(c *model.Comment, parentPublicID string) Response {
	return Response{
		ID:           c.PublicID,
		SessionID:    c.SessionID,
		Content:      c.Content,
		Author:       c.Author(),
		FeedbackID:   c.FeedbackID,
		ResourceID:   c.ResourceID,
		ResourceType: c.ResourceType,
		ParentID:     parentPublicID,
		CreatedAt:    c.CreatedAt,
		Replies:      []Response{},
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
