package comment

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"collab-backend/internal/apperr"
	"collab-backend/internal/model"
)

// GormStore Postgres 기반 Store 구현
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db as a comment Store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, comment *model.Comment) error {
	if err := s.db.WithContext(ctx).Create(comment).Error; err != nil {
		return apperr.Storage("create comment", err)
	}
	return nil
}

func (s *GormStore) GetByPublicID(ctx context.Context, publicID string) (*model.Comment, error) {
	var comment model.Comment
	err := s.db.WithContext(ctx).Where("public_id = ?", publicID).First(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get comment", err)
	}
	return &comment, nil
}

func (s *GormStore) ListTopLevel(ctx context.Context, sessionID int64, filter Filter) ([]model.Comment, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ? AND parent_id IS NULL", sessionID)

	if filter.FeedbackID != "" {
		q = q.Where("feedback_id = ?", filter.FeedbackID)
	}
	if filter.ResourceID != "" {
		q = q.Where("resource_id = ?", filter.ResourceID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var comments []model.Comment
	err := q.Order("created_at DESC").
		Preload("Replies", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Find(&comments).Error
	if err != nil {
		return nil, apperr.Storage("list comments", err)
	}
	return comments, nil
}
