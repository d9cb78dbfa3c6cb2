package model

import (
	"time"
)

// Session types
const (
	SessionTypeFeedback   = "feedback"
	SessionTypeRoadmap    = "roadmap"
	SessionTypeModeration = "moderation"
)

// ValidSessionType reports whether t is one of the known session types.
func ValidSessionType(t string) bool {
	switch t {
	case SessionTypeFeedback, SessionTypeRoadmap, SessionTypeModeration:
		return true
	}
	return false
}

// UserSummary is the authenticated identity attached to a connection.
// Identity resolution happens outside this service; we only carry it.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Session 협업 세션
type Session struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"name"`
	Type           string    `gorm:"type:varchar(20);not null;default:'feedback'" json:"type"`
	ActiveCount    int       `gorm:"default:0" json:"activeCount"`
	LastActivityAt time.Time `gorm:"autoCreateTime" json:"lastActivityAt"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`

	// Relations
	Participants []SessionParticipant `gorm:"foreignKey:SessionID" json:"-"`
	Comments     []Comment            `gorm:"foreignKey:SessionID" json:"-"`
}

func (Session) TableName() string {
	return "collab_sessions"
}

// ParticipantIDs flattens the participant rows into the historical
// "who has ever joined" id list.
func (s *Session) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// SessionParticipant 세션 참가 이력
type SessionParticipant struct {
	SessionID int64     `gorm:"primaryKey" json:"session_id"`
	UserID    string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	JoinedAt  time.Time `gorm:"autoCreateTime" json:"joined_at"`

	// Relations
	Session Session `gorm:"foreignKey:SessionID" json:"-"`
}

func (SessionParticipant) TableName() string {
	return "collab_session_participants"
}

// Comment 세션 코멘트 (한 단계 스레딩)
type Comment struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	PublicID  string `gorm:"type:varchar(36);uniqueIndex;not null" json:"id"`
	SessionID int64  `gorm:"not null;index" json:"sessionId"`
	ParentID  *int64 `gorm:"index" json:"-"`

	// Author fields are denormalized at creation time so history renders
	// correctly even if the profile changes later.
	AuthorID     string `gorm:"type:varchar(64);not null;index" json:"-"`
	AuthorName   string `gorm:"type:varchar(100);not null" json:"-"`
	AuthorAvatar string `gorm:"type:text" json:"-"`
	AuthorRole   string `gorm:"type:varchar(30)" json:"-"`

	Content      string  `gorm:"type:text;not null" json:"content"`
	FeedbackID   *string `gorm:"type:varchar(64);index" json:"feedbackId,omitempty"`
	ResourceID   *string `gorm:"type:varchar(64);index" json:"resourceId,omitempty"`
	ResourceType *string `gorm:"type:varchar(30)" json:"resourceType,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"createdAt"`

	// Relations
	Session Session   `gorm:"foreignKey:SessionID" json:"-"`
	Replies []Comment `gorm:"foreignKey:ParentID" json:"-"`
}

func (Comment) TableName() string {
	return "collab_comments"
}

// Author reassembles the denormalized author snapshot.
func (c *Comment) Author() UserSummary {
	return UserSummary{
		ID:          c.AuthorID,
		DisplayName: c.AuthorName,
		AvatarURL:   c.AuthorAvatar,
		Role:        c.AuthorRole,
	}
}
