package registry

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collab-backend/internal/apperr"
	"collab-backend/internal/model"
)

// GormStore Postgres 기반 Store 구현
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db as a session Store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, session *model.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *GormStore) Get(ctx context.Context, id int64) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).Preload("Participants").First(&session, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get session", err)
	}
	return &session, nil
}

func (s *GormStore) GetByName(ctx context.Context, name string) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).Preload("Participants").Where("name = ?", name).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get session by name", err)
	}
	return &session, nil
}

// AddParticipant is a set add: the composite primary key plus DoNothing
// makes re-joins no-ops.
func (s *GormStore) AddParticipant(ctx context.Context, sessionID int64, userID string) error {
	participant := model.SessionParticipant{
		SessionID: sessionID,
		UserID:    userID,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&participant).Error
	if err != nil {
		return apperr.Storage("add participant", err)
	}
	return nil
}

func (s *GormStore) TouchActivity(ctx context.Context, sessionID int64, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("id = ?", sessionID).
		UpdateColumn("last_activity_at", at).Error
	if err != nil {
		return apperr.Storage("touch activity", err)
	}
	return nil
}

func (s *GormStore) AdjustActiveCount(ctx context.Context, sessionID int64, delta int) error {
	err := s.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("id = ?", sessionID).
		UpdateColumn("active_count", gorm.Expr("GREATEST(active_count + ?, 0)", delta)).Error
	if err != nil {
		return apperr.Storage("adjust active count", err)
	}
	return nil
}
