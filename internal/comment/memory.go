package comment

import (
	"context"
	"sort"
	"sync"

	"collab-backend/internal/apperr"
	"collab-backend/internal/model"
)

// MemoryStore is an in-process Store used by tests and local development
// without Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	comments []*model.Comment
	failNext error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailNext makes the next Create return err once.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) Create(_ context.Context, comment *model.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}

	s.nextID++
	comment.ID = s.nextID
	stored := *comment
	s.comments = append(s.comments, &stored)
	return nil
}

func (s *MemoryStore) GetByPublicID(_ context.Context, publicID string) (*model.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.comments {
		if c.PublicID == publicID {
			out := *c
			return &out, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (s *MemoryStore) ListTopLevel(_ context.Context, sessionID int64, filter Filter) ([]model.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var top []model.Comment
	for _, c := range s.comments {
		if c.SessionID != sessionID || c.ParentID != nil {
			continue
		}
		if filter.FeedbackID != "" && (c.FeedbackID == nil || *c.FeedbackID != filter.FeedbackID) {
			continue
		}
		if filter.ResourceID != "" && (c.ResourceID == nil || *c.ResourceID != filter.ResourceID) {
			continue
		}
		top = append(top, *c)
	}

	// Newest first; creation ids break timestamp ties deterministically.
	sort.Slice(top, func(i, j int) bool {
		if top[i].CreatedAt.Equal(top[j].CreatedAt) {
			return top[i].ID > top[j].ID
		}
		return top[i].CreatedAt.After(top[j].CreatedAt)
	})

	if filter.Limit > 0 && len(top) > filter.Limit {
		top = top[:filter.Limit]
	}

	for i := range top {
		parentID := top[i].ID
		var replies []model.Comment
		for _, c := range s.comments {
			if c.ParentID != nil && *c.ParentID == parentID {
				replies = append(replies, *c)
			}
		}
		sort.Slice(replies, func(a, b int) bool {
			if replies[a].CreatedAt.Equal(replies[b].CreatedAt) {
				return replies[a].ID < replies[b].ID
			}
			return replies[a].CreatedAt.Before(replies[b].CreatedAt)
		})
		top[i].Replies = replies
	}

	return top, nil
}
