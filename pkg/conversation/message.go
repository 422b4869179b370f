package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser:
		return true
	default:
		return false
	}
}

// MetadataInterrupted marks an assistant message that holds the partial text
// of a generation that was stopped before it finished.
const MetadataInterrupted = "interrupted"

// ContinuationPrompt is the synthetic user turn appended when resuming an
// interrupted generation.
const ContinuationPrompt = "Please continue from where you left off."

// Message is a single turn in a conversation. It is not mutated once created.
type Message struct {
	ID       uuid.UUID              `json:"id"`
	Role     Role                   `json:"role"`
	Content  string                 `json:"content"`
	Time     time.Time              `json:"time"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(message *Message) {
		message.Metadata = metadata
	}
}

func WithTime(time time.Time) MessageOption {
	return func(message *Message) {
		message.Time = time
	}
}

func WithID(id uuid.UUID) MessageOption {
	return func(message *Message) {
		message.ID = id
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:      uuid.New(),
		Role:    role,
		Content: content,
		Time:    time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func (m *Message) IsInterrupted() bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[MetadataInterrupted].(bool)
	return ok && v
}

func (m *Message) View() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}

type Conversation []*Message

// GetSinglePrompt concatenates all the messages, one view per line.
func (messages Conversation) GetSinglePrompt() string {
	views := make([]string, 0, len(messages))
	for _, m := range messages {
		views = append(views, m.View())
	}
	return strings.Join(views, "\n")
}

// LastUserMessage returns the most recent user turn, if any.
func (messages Conversation) LastUserMessage() (*Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i], true
		}
	}
	return nil, false
}
