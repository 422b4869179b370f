package store

import (
	"context"
	"time"

	"github.com/go-go-golems/palaver/pkg/conversation"
)

// Session is a named, durably stored conversation.
//
// UpdatedAt always equals the timestamp of the most recent message appended
// to the session, or the last explicit touch, whichever is later.
type Session struct {
	ID        int64                  `json:"id" yaml:"id"`
	Title     string                 `json:"title" yaml:"title"`
	CreatedAt time.Time              `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time              `json:"updated_at" yaml:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// SessionSummary is a session annotated with its message count.
type SessionSummary struct {
	Session
	MessageCount int `json:"message_count" yaml:"message_count"`
}

// Message is a message owned by exactly one session.
type Message struct {
	ID        int64                  `json:"id" yaml:"id"`
	SessionID int64                  `json:"session_id" yaml:"session_id"`
	Role      conversation.Role      `json:"role" yaml:"role"`
	Content   string                 `json:"content" yaml:"content"`
	Timestamp time.Time              `json:"timestamp" yaml:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ToConversationMessage converts a stored message into its in-memory form.
func (m *Message) ToConversationMessage() *conversation.Message {
	return conversation.NewMessage(m.Role, m.Content,
		conversation.WithTime(m.Timestamp),
		conversation.WithMetadata(m.Metadata),
	)
}

// SessionUpdate is a partial update. Nil fields are left untouched.
type SessionUpdate struct {
	Title    *string
	Metadata map[string]interface{}
}

func (u SessionUpdate) IsEmpty() bool {
	return u.Title == nil && u.Metadata == nil
}

// Page selects a window of an ordered result. Limit <= 0 means no limit.
type Page struct {
	Limit  int
	Offset int
}

type Stats struct {
	Sessions int    `json:"sessions" yaml:"sessions"`
	Messages int    `json:"messages" yaml:"messages"`
	DSN      string `json:"dsn" yaml:"dsn"`
}

// Store is the durable catalog of sessions and their messages.
//
// Lookups of a single entity follow the (value, ok, err) convention: a
// missing entity is (nil, false, nil). Mutations of a missing entity return
// ErrSessionNotFound or ErrMessageNotFound, except DeleteSession, which
// reports (false, nil) so that deleting twice is not an error.
type Store interface {
	CreateSession(ctx context.Context, title string, metadata map[string]interface{}) (*Session, error)
	GetSession(ctx context.Context, id int64) (*Session, bool, error)
	ListSessions(ctx context.Context, limit int, offset int) ([]*SessionSummary, error)
	UpdateSession(ctx context.Context, id int64, update SessionUpdate) (bool, error)
	TouchSession(ctx context.Context, id int64) error
	DeleteSession(ctx context.Context, id int64) (bool, error)
	SearchSessions(ctx context.Context, query string, limit int) ([]*SessionSummary, error)

	AddMessage(ctx context.Context, sessionID int64, role conversation.Role, content string, metadata map[string]interface{}) (*Message, error)
	GetMessages(ctx context.Context, sessionID int64, page Page) ([]*Message, error)
	CountMessages(ctx context.Context, sessionID int64) (int, error)
	DeleteMessage(ctx context.Context, id int64) (bool, error)
	ClearMessages(ctx context.Context, sessionID int64) (int, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// DefaultTitle is the placeholder title of a session created without one.
func DefaultTitle(t time.Time) string {
	return "Conversation " + t.Format("2006-01-02 15:04")
}
