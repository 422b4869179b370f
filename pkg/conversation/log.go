package conversation

import (
	"github.com/rs/zerolog/log"
)

// Log is the ordered, append-only message history of the active conversation.
// It also tracks whether the last generation was stopped before it finished,
// together with the partial assistant text produced up to that point.
//
// A Log is not safe for concurrent use. It is owned by a single controller
// which serializes access to it.
type Log struct {
	messages        []*Message
	interrupted     bool
	partialResponse string
}

type LogOption func(*Log)

func WithMessages(messages ...*Message) LogOption {
	return func(l *Log) {
		l.AppendMessages(messages...)
	}
}

func NewLog(options ...LogOption) *Log {
	ret := &Log{
		messages: []*Message{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Append records a new turn at the end of the log. Appending a user turn
// clears any pending interruption.
func (l *Log) Append(role Role, content string) *Message {
	msg := NewMessage(role, content)
	l.AppendMessages(msg)
	return msg
}

func (l *Log) AppendMessages(messages ...*Message) {
	for _, msg := range messages {
		if msg.Role == RoleUser {
			l.clearInterruption()
		}
		l.messages = append(l.messages, msg)
		log.Trace().
			Str("message_id", msg.ID.String()).
			Str("role", string(msg.Role)).
			Int("content_length", len(msg.Content)).
			Int("log_length", len(l.messages)).
			Msg("appended message")
	}
}

// All returns the full history in insertion order. The returned slice is a
// copy and can be handed to a backend as prompt context.
func (l *Log) All() Conversation {
	ret := make(Conversation, len(l.messages))
	copy(ret, l.messages)
	return ret
}

func (l *Log) Len() int {
	return len(l.messages)
}

func (l *Log) Last() (*Message, bool) {
	if len(l.messages) == 0 {
		return nil, false
	}
	return l.messages[len(l.messages)-1], true
}

func (l *Log) Clear() {
	l.messages = []*Message{}
	l.clearInterruption()
	log.Trace().Msg("cleared message log")
}

// Replace discards the current history and installs messages in its place.
func (l *Log) Replace(messages []*Message) {
	l.messages = make([]*Message, 0, len(messages))
	l.messages = append(l.messages, messages...)
	l.clearInterruption()
	log.Trace().Int("log_length", len(l.messages)).Msg("replaced message log")
}

// MarkInterrupted records that the last generation was stopped and keeps the
// partial text it produced. Nothing is appended to the history.
func (l *Log) MarkInterrupted(partial string) {
	l.interrupted = true
	l.partialResponse = partial
	log.Trace().Int("partial_length", len(partial)).Msg("marked log as interrupted")
}

func (l *Log) Interrupted() bool {
	return l.interrupted
}

func (l *Log) PartialResponse() string {
	return l.partialResponse
}

// ResumeAfterInterruption prepares the history for a continuation request.
// The partial assistant text (if any) is appended as an assistant turn tagged
// as interrupted, followed by the continuation prompt. It returns the
// appended messages, or false if the log was not interrupted.
func (l *Log) ResumeAfterInterruption() ([]*Message, bool) {
	if !l.interrupted {
		return nil, false
	}

	appended := []*Message{}
	if l.partialResponse != "" {
		partial := NewMessage(RoleAssistant, l.partialResponse, WithMetadata(map[string]interface{}{
			MetadataInterrupted: true,
		}))
		l.messages = append(l.messages, partial)
		appended = append(appended, partial)
	}

	cont := NewMessage(RoleUser, ContinuationPrompt)
	l.messages = append(l.messages, cont)
	appended = append(appended, cont)

	l.clearInterruption()
	log.Trace().Int("appended", len(appended)).Msg("resumed after interruption")

	return appended, true
}

func (l *Log) clearInterruption() {
	l.interrupted = false
	l.partialResponse = ""
}
