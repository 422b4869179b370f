package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/generator"
	"github.com/go-go-golems/palaver/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var (
	ErrEmptyMessage         = &engine.ValidationError{Field: "message", Reason: "message is empty"}
	ErrGenerationInProgress = errors.New("generation in progress")
	ErrNotInterrupted       = errors.New("conversation is not interrupted")
	ErrNoStore              = errors.New("no session store configured")
)

// Transcript is the in-memory conversation plus the assistant text streamed
// so far for the running turn.
type Transcript struct {
	Messages conversation.Conversation
	Pending  string
}

func (t Transcript) String() string {
	ret := t.Messages.GetSinglePrompt()
	if t.Pending != "" {
		if ret != "" {
			ret += "\n"
		}
		ret += conversation.NewMessage(conversation.RoleAssistant, t.Pending).View()
	}
	return ret
}

// TurnResult is passed to the completion handler once per generated turn.
type TurnResult struct {
	SessionID  int64
	Completion generator.Completion
	// Message is the assistant message appended to the log, nil when the
	// turn was stopped or failed.
	Message *conversation.Message
	// Err is the generation failure, if any.
	Err error
	// PersistErr collects every store failure of the turn. The in-memory log
	// is kept regardless.
	PersistErr error
}

type TokenHandler func(delta string, t Transcript)
type CompletionHandler func(r TurnResult)

// Controller composes a message log, a session store and a generator into
// session-scoped conversation turns. Only one turn runs at a time.
type Controller struct {
	generator    *generator.Generator
	store        store.Store
	persist      bool
	persistSet   bool
	opts         engine.GenerationOptions
	systemPrompt string
	onToken      TokenHandler
	onComplete   CompletionHandler
	sinks        []events.EventSink

	mu         sync.Mutex
	log        *conversation.Log
	sessionID  int64
	generating bool
	pending    strings.Builder
	turnDone   chan struct{}
}

type Option func(*Controller)

func WithStore(s store.Store) Option {
	return func(c *Controller) {
		c.store = s
	}
}

// WithPersistence toggles writing turns to the store. It defaults to true
// when a store is set.
func WithPersistence(persist bool) Option {
	return func(c *Controller) {
		c.persist = persist
		c.persistSet = true
	}
}

func WithGenerationOptions(opts engine.GenerationOptions) Option {
	return func(c *Controller) {
		c.opts = opts
	}
}

// WithSystemPrompt prepends a system message to every prompt. It is not
// part of the log and is never persisted.
func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) {
		c.systemPrompt = prompt
	}
}

func WithTokenHandler(h TokenHandler) Option {
	return func(c *Controller) {
		c.onToken = h
	}
}

func WithCompletionHandler(h CompletionHandler) Option {
	return func(c *Controller) {
		c.onComplete = h
	}
}

func WithSink(sink events.EventSink) Option {
	return func(c *Controller) {
		c.sinks = append(c.sinks, sink)
	}
}

func NewController(e engine.Engine, options ...Option) *Controller {
	c := &Controller{
		opts: engine.DefaultGenerationOptions(),
		log:  conversation.NewLog(),
	}
	for _, o := range options {
		o(c)
	}
	if !c.persistSet {
		c.persist = c.store != nil
	}
	if c.store == nil {
		c.persist = false
	}

	genOptions := []generator.Option{
		generator.WithMetadata(events.EventMetadata{
			LLMInferenceData: events.LLMInferenceData{Engine: e.Name()},
		}),
	}
	for _, s := range c.sinks {
		genOptions = append(genOptions, generator.WithSink(s))
	}
	c.generator = generator.New(e, genOptions...)
	return c
}

func (c *Controller) persisting() bool {
	return c.persist && c.store != nil && c.sessionID != 0
}

// SubmitUserMessage appends text as a user turn, persists it and starts
// generating the assistant reply. It returns once generation has started;
// tokens and the result are delivered through the handlers.
func (c *Controller) SubmitUserMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if err := c.opts.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.generating {
		c.mu.Unlock()
		return ErrGenerationInProgress
	}
	msg := c.log.Append(conversation.RoleUser, text)
	c.generating = true
	sessionID := c.sessionID
	persist := c.persisting()
	prompt := c.promptLocked()
	c.mu.Unlock()

	var persistErr error
	if persist {
		persistErr = c.persistMessages(ctx, sessionID, msg)
	}

	return c.startTurn(ctx, sessionID, persist, prompt, persistErr)
}

// ContinueGeneration resumes an interrupted turn. The partial assistant text
// and a continuation request are appended to the log, persisted, and a new
// generation is started.
func (c *Controller) ContinueGeneration(ctx context.Context) error {
	if err := c.opts.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.generating {
		c.mu.Unlock()
		return ErrGenerationInProgress
	}
	appended, ok := c.log.ResumeAfterInterruption()
	if !ok {
		c.mu.Unlock()
		return ErrNotInterrupted
	}
	c.generating = true
	sessionID := c.sessionID
	persist := c.persisting()
	prompt := c.promptLocked()
	c.mu.Unlock()

	var persistErr error
	if persist {
		persistErr = c.persistMessages(ctx, sessionID, appended...)
	}

	return c.startTurn(ctx, sessionID, persist, prompt, persistErr)
}

func (c *Controller) promptLocked() conversation.Conversation {
	msgs := c.log.All()
	if c.systemPrompt == "" {
		return msgs
	}
	return append(conversation.Conversation{
		conversation.NewMessage(conversation.RoleSystem, c.systemPrompt),
	}, msgs...)
}

func (c *Controller) persistMessages(ctx context.Context, sessionID int64, msgs ...*conversation.Message) error {
	var ret error
	for _, m := range msgs {
		if _, err := c.store.AddMessage(ctx, sessionID, m.Role, m.Content, m.Metadata); err != nil {
			log.Warn().Err(err).Int64("session_id", sessionID).Str("role", string(m.Role)).Msg("could not persist message")
			ret = multierr.Append(ret, err)
		}
	}
	return ret
}

func (c *Controller) startTurn(
	ctx context.Context,
	sessionID int64,
	persist bool,
	prompt conversation.Conversation,
	persistErr error,
) error {
	done := make(chan struct{})
	c.mu.Lock()
	c.pending.Reset()
	c.turnDone = done
	c.mu.Unlock()

	onToken := func(delta string) {
		c.mu.Lock()
		c.pending.WriteString(delta)
		t := Transcript{Messages: c.log.All(), Pending: c.pending.String()}
		c.mu.Unlock()
		if c.onToken != nil {
			c.onToken(delta, t)
		}
	}

	onComplete := func(completion generator.Completion) {
		c.finishTurn(ctx, sessionID, persist, completion, persistErr, done)
	}

	_, err := c.generator.Start(ctx, prompt, c.opts, onToken, onComplete, generator.WithSessionID(sessionID))
	if errors.Is(err, generator.ErrAlreadyRunning) {
		err = ErrGenerationInProgress
	}
	if err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Msg("could not start generation")
		c.mu.Lock()
		c.generating = false
		c.mu.Unlock()
		close(done)
		return err
	}
	return nil
}

func (c *Controller) finishTurn(
	ctx context.Context,
	sessionID int64,
	persist bool,
	completion generator.Completion,
	persistErr error,
	done chan struct{},
) {
	defer close(done)

	result := TurnResult{
		SessionID:  sessionID,
		Completion: completion,
		Err:        completion.Err,
		PersistErr: persistErr,
	}

	c.mu.Lock()
	switch {
	case completion.Failed():
		c.log.MarkInterrupted(completion.Partial)
	case completion.Cancelled:
		c.log.MarkInterrupted(completion.Text)
	default:
		result.Message = c.log.Append(conversation.RoleAssistant, completion.Text)
	}
	c.pending.Reset()
	c.mu.Unlock()

	if result.Message != nil && persist {
		// the turn may outlive a cancelled request context
		err := c.persistMessages(context.WithoutCancel(ctx), sessionID, result.Message)
		result.PersistErr = multierr.Append(result.PersistErr, err)
	}

	c.mu.Lock()
	c.generating = false
	c.mu.Unlock()

	log.Debug().
		Int64("session_id", sessionID).
		Bool("cancelled", completion.Cancelled).
		Err(completion.Err).
		Msg("turn finished")

	if c.onComplete != nil {
		c.onComplete(result)
	}
}

// StopGeneration requests cancellation of the running turn. It reports
// whether a turn was running.
func (c *Controller) StopGeneration() bool {
	return c.generator.Stop()
}

// Wait blocks until the current turn, if any, has finished and its
// completion handler returned.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.turnDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// EngineName is the name of the backend answering this conversation.
func (c *Controller) EngineName() string {
	return c.generator.Engine().Name()
}

func (c *Controller) IsGenerating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

func (c *Controller) CurrentSessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) Messages() conversation.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.All()
}

func (c *Controller) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Interrupted()
}

func (c *Controller) PartialResponse() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.PartialResponse()
}

func (c *Controller) Store() store.Store {
	return c.store
}

// SwitchSession replaces the log with the persisted history of session id.
func (c *Controller) SwitchSession(ctx context.Context, id int64) error {
	if c.store == nil {
		return ErrNoStore
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generating {
		return ErrGenerationInProgress
	}

	_, ok, err := c.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &store.NotFoundError{Resource: "session", ID: id}
	}
	stored, err := c.store.GetMessages(ctx, id, store.Page{})
	if err != nil {
		return err
	}

	msgs := make([]*conversation.Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, m.ToConversationMessage())
	}
	c.log.Replace(msgs)
	c.sessionID = id

	log.Debug().Int64("session_id", id).Int("messages", len(msgs)).Msg("switched session")
	return nil
}

// NewSession clears the log and, when persistence is on, creates a fresh
// session and makes it current. Without persistence it returns nil.
func (c *Controller) NewSession(ctx context.Context, title string) (*store.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generating {
		return nil, ErrGenerationInProgress
	}

	c.log.Clear()
	c.sessionID = 0
	if !c.persist || c.store == nil {
		return nil, nil
	}

	session, err := c.store.CreateSession(ctx, title, nil)
	if err != nil {
		return nil, err
	}
	c.sessionID = session.ID
	return session, nil
}

func (c *Controller) ListSessions(ctx context.Context, limit int, offset int) ([]*store.SessionSummary, error) {
	if c.store == nil {
		return nil, ErrNoStore
	}
	return c.store.ListSessions(ctx, limit, offset)
}

func (c *Controller) SearchSessions(ctx context.Context, query string, limit int) ([]*store.SessionSummary, error) {
	if c.store == nil {
		return nil, ErrNoStore
	}
	return c.store.SearchSessions(ctx, query, limit)
}

func (c *Controller) RenameSession(ctx context.Context, id int64, title string) (bool, error) {
	if c.store == nil {
		return false, ErrNoStore
	}
	if strings.TrimSpace(title) == "" {
		return false, &engine.ValidationError{Field: "title", Reason: "title is empty"}
	}
	return c.store.UpdateSession(ctx, id, store.SessionUpdate{Title: &title})
}

// DeleteSession deletes a session and its messages. Deleting the current
// session clears the log and leaves no session selected.
func (c *Controller) DeleteSession(ctx context.Context, id int64) (bool, error) {
	if c.store == nil {
		return false, ErrNoStore
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.sessionID && c.generating {
		return false, ErrGenerationInProgress
	}

	deleted, err := c.store.DeleteSession(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted && id == c.sessionID {
		c.log.Clear()
		c.sessionID = 0
	}
	return deleted, nil
}

func (c *Controller) ExportSessionJSON(ctx context.Context, id int64) (*store.ExportDocument, bool, error) {
	if c.store == nil {
		return nil, false, ErrNoStore
	}
	return store.ExportSessionJSON(ctx, c.store, id)
}

func (c *Controller) ExportSessionMarkdown(ctx context.Context, id int64) (string, bool, error) {
	if c.store == nil {
		return "", false, ErrNoStore
	}
	return store.ExportSessionMarkdown(ctx, c.store, id)
}
