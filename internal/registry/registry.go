// Package registry is the durable source of truth for collaboration
// sessions: create-or-get by name, participant history, and activity
// timestamps.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"collab-backend/internal/apperr"
	"collab-backend/internal/model"
)

// Store persists sessions. Implementations must report a missing record
// as apperr.ErrNotFound.
type Store interface {
	Create(ctx context.Context, session *model.Session) error
	Get(ctx context.Context, id int64) (*model.Session, error)
	GetByName(ctx context.Context, name string) (*model.Session, error)
	AddParticipant(ctx context.Context, sessionID int64, userID string) error
	TouchActivity(ctx context.Context, sessionID int64, at time.Time) error
	AdjustActiveCount(ctx context.Context, sessionID int64, delta int) error
}

// Registry 세션 레지스트리
type Registry struct {
	store      Store
	maxNameLen int
	log        *logrus.Entry
}

// New creates a Registry over the given store.
func New(store Store, maxNameLen int) *Registry {
	return &Registry{
		store:      store,
		maxNameLen: maxNameLen,
		log:        logrus.WithField("component", "registry"),
	}
}

// GetOrCreate returns the session named name, creating it on first join.
// Concurrent first-joiners racing on the same name converge on a single
// record: the storage layer enforces a unique name, and a failed create is
// retried as a fetch. A join whose declared type differs from the stored
// one keeps the stored type (logged, not rejected).
func (r *Registry) GetOrCreate(ctx context.Context, name, sessionType, userID string) (*model.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validationf("sessionName", "must not be empty")
	}
	if len(name) > r.maxNameLen {
		return nil, apperr.Validationf("sessionName", "must be at most %d characters", r.maxNameLen)
	}
	if sessionType == "" {
		sessionType = model.SessionTypeFeedback
	}
	if !model.ValidSessionType(sessionType) {
		return nil, apperr.Validationf("type", "must be one of feedback, roadmap, moderation")
	}

	session, err := r.store.GetByName(ctx, name)
	switch {
	case err == nil:
		if session.Type != sessionType {
			r.log.WithFields(logrus.Fields{
				"session":  name,
				"stored":   session.Type,
				"declared": sessionType,
			}).Warn("join with mismatched session type, keeping stored type")
		}
	case errors.Is(err, apperr.ErrNotFound):
		created := &model.Session{
			Name:           name,
			Type:           sessionType,
			LastActivityAt: time.Now(),
		}
		if createErr := r.store.Create(ctx, created); createErr != nil {
			// Unique-name collision with a concurrent first-joiner:
			// whoever lost the race re-fetches the winner's record.
			session, err = r.store.GetByName(ctx, name)
			if err != nil {
				return nil, apperr.Storage("create session", createErr)
			}
		} else {
			session = created
		}
	default:
		return nil, err
	}

	if err := r.store.AddParticipant(ctx, session.ID, userID); err != nil {
		return nil, err
	}
	if err := r.store.TouchActivity(ctx, session.ID, time.Now()); err != nil {
		r.log.WithError(err).WithField("session", name).Warn("failed to touch session activity")
	}

	// Re-read so the caller sees the participant set including this join.
	return r.store.GetByName(ctx, name)
}

// Get returns the session by internal id.
func (r *Registry) Get(ctx context.Context, id int64) (*model.Session, error) {
	return r.store.Get(ctx, id)
}

// GetByName returns the session by its join key.
func (r *Registry) GetByName(ctx context.Context, name string) (*model.Session, error) {
	return r.store.GetByName(ctx, strings.TrimSpace(name))
}

// RecordParticipant adds userID to the session's historical participant
// set. Idempotent.
func (r *Registry) RecordParticipant(ctx context.Context, sessionID int64, userID string) error {
	return r.store.AddParticipant(ctx, sessionID, userID)
}

// TouchActivity bumps lastActivityAt to now.
func (r *Registry) TouchActivity(ctx context.Context, sessionID int64) error {
	return r.store.TouchActivity(ctx, sessionID, time.Now())
}

// AdjustActiveCount applies a best-effort delta to the live connection
// count. Failures are logged, not surfaced: the roster, not this counter,
// is the authoritative live view.
func (r *Registry) AdjustActiveCount(ctx context.Context, sessionID int64, delta int) {
	if err := r.store.AdjustActiveCount(ctx, sessionID, delta); err != nil {
		r.log.WithError(err).WithField("sessionId", sessionID).Warn("failed to adjust active count")
	}
}
