package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"collab-backend/internal/apperr"
	"collab-backend/internal/model"
)

// errDuplicateName mimics the database's unique-index violation.
var errDuplicateName = errors.New("duplicate session name")

// MemoryStore is an in-process Store used by tests and local development
// without Postgres. It enforces the same name uniqueness the database
// index provides.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	byID     map[int64]*model.Session
	byName   map[string]int64
	members  map[int64]map[string]time.Time
	failNext error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[int64]*model.Session),
		byName:  make(map[string]int64),
		members: make(map[int64]map[string]time.Time),
	}
}

// FailNext makes the next mutating call return err once.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *MemoryStore) Create(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, exists := s.byName[session.Name]; exists {
		return apperr.Storage("create session", errDuplicateName)
	}

	s.nextID++
	session.ID = s.nextID
	session.CreatedAt = time.Now()
	stored := *session
	s.byID[session.ID] = &stored
	s.byName[session.Name] = session.ID
	s.members[session.ID] = make(map[string]time.Time)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.snapshot(session), nil
}

func (s *MemoryStore) GetByName(_ context.Context, name string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.snapshot(s.byID[id]), nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, sessionID int64, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	members, ok := s.members[sessionID]
	if !ok {
		return apperr.ErrNotFound
	}
	if _, exists := members[userID]; !exists {
		members[userID] = time.Now()
	}
	return nil
}

func (s *MemoryStore) TouchActivity(_ context.Context, sessionID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byID[sessionID]
	if !ok {
		return apperr.ErrNotFound
	}
	session.LastActivityAt = at
	return nil
}

func (s *MemoryStore) AdjustActiveCount(_ context.Context, sessionID int64, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byID[sessionID]
	if !ok {
		return apperr.ErrNotFound
	}
	session.ActiveCount += delta
	if session.ActiveCount < 0 {
		session.ActiveCount = 0
	}
	return nil
}

func (s *MemoryStore) snapshot(session *model.Session) *model.Session {
	out := *session
	out.Participants = nil
	for userID, joined := range s.members[session.ID] {
		out.Participants = append(out.Participants, model.SessionParticipant{
			SessionID: session.ID,
			UserID:    userID,
			JoinedAt:  joined,
		})
	}
	return &out
}
