package generator

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/steps/ai/echo"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu          sync.Mutex
	tokens      []string
	completions []Completion
}

func (r *recorder) onToken(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, delta)
}

func (r *recorder) onComplete(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, c)
}

func (r *recorder) Tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

func (r *recorder) Completions() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Completion(nil), r.completions...)
}

func userConversation(text string) conversation.Conversation {
	return conversation.Conversation{conversation.NewMessage(conversation.RoleUser, text)}
}

func newEcho(t *testing.T, options ...echo.EchoOption) *echo.EchoEngine {
	e, err := echo.NewEchoEngine(options)
	require.NoError(t, err)
	return e
}

func waitFor(t *testing.T, h *Handle) Completion {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not finish")
	}
	c, err := h.Wait()
	require.NoError(t, err)
	return c
}

func TestGenerator_StreamsTokensInOrder(t *testing.T) {
	e := newEcho(t, echo.WithResponses([]string{"Hel", "lo", " there"}))
	sink := events.NewCollectingSink()
	g := New(e, WithSink(sink))
	rec := &recorder{}

	h, err := g.Start(context.Background(), userConversation("Hello"), engine.DefaultGenerationOptions(),
		rec.onToken, rec.onComplete, WithSessionID(3))
	require.NoError(t, err)
	c := waitFor(t, h)

	assert.Equal(t, []string{"Hel", "lo", " there"}, rec.Tokens())
	require.Len(t, rec.Completions(), 1)
	assert.Equal(t, "Hello there", c.Text)
	assert.False(t, c.Cancelled)
	assert.NoError(t, c.Err)
	assert.Equal(t, c, rec.Completions()[0])
	assert.False(t, g.IsRunning())

	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypeFinal,
	}, sink.Types())
	for _, ev := range sink.Events() {
		assert.Equal(t, int64(3), ev.Metadata().SessionID)
		assert.Equal(t, h.InferenceID, ev.Metadata().InferenceID)
	}
}

func TestGenerator_EchoesLastUserMessage(t *testing.T) {
	g := New(newEcho(t))
	rec := &recorder{}

	h, err := g.Start(context.Background(), userConversation("Demo request"), engine.DefaultGenerationOptions(),
		rec.onToken, rec.onComplete)
	require.NoError(t, err)
	c := waitFor(t, h)

	assert.Equal(t, "Demo request", c.Text)
	assert.Equal(t, "Demo request", strings.Join(rec.Tokens(), ""))
}

func TestGenerator_PublishesToContextSinks(t *testing.T) {
	g := New(newEcho(t, echo.WithResponses([]string{"a", "b"})))
	sink := events.NewCollectingSink()
	ctx := events.WithEventSinks(context.Background(), sink)

	h, err := g.Start(ctx, userConversation("x"), engine.DefaultGenerationOptions(), nil, nil)
	require.NoError(t, err)
	waitFor(t, h)

	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypeFinal,
	}, sink.Types())
}

func TestGenerator_EmptyOutput(t *testing.T) {
	g := New(newEcho(t, echo.WithResponses([]string{})))
	rec := &recorder{}

	h, err := g.Start(context.Background(), userConversation("x"), engine.DefaultGenerationOptions(),
		rec.onToken, rec.onComplete)
	require.NoError(t, err)
	c := waitFor(t, h)

	assert.Empty(t, rec.Tokens())
	require.Len(t, rec.Completions(), 1)
	assert.Equal(t, "", c.Text)
	assert.False(t, c.Cancelled)
}

func TestGenerator_StopAfterTokens(t *testing.T) {
	tokens := make([]string, 100)
	for i := range tokens {
		tokens[i] = "x"
	}
	e := newEcho(t, echo.WithResponses(tokens), echo.WithDelay(5*time.Millisecond))
	sink := events.NewCollectingSink()
	g := New(e, WithSink(sink))

	var mu sync.Mutex
	var received []string
	stopSignalled := false
	var afterStop int
	var h *Handle
	started := make(chan struct{})

	onToken := func(delta string) {
		mu.Lock()
		defer mu.Unlock()
		if stopSignalled {
			afterStop++
		}
		received = append(received, delta)
		if len(received) == 3 {
			<-started
			stopSignalled = true
			h.Stop()
		}
	}
	rec := &recorder{}

	var err error
	h, err = g.Start(context.Background(), userConversation("Tell me a story"), engine.DefaultGenerationOptions(),
		onToken, rec.onComplete)
	require.NoError(t, err)
	close(started)
	c := waitFor(t, h)

	mu.Lock()
	assert.Len(t, received, 3)
	assert.Equal(t, 0, afterStop)
	mu.Unlock()

	require.Len(t, rec.Completions(), 1)
	assert.True(t, c.Cancelled)
	assert.True(t, c.Interrupted())
	assert.NoError(t, c.Err)
	assert.Equal(t, "xxx", c.Text)

	types := sink.Types()
	assert.Equal(t, events.EventTypeInterrupt, types[len(types)-1])
}

type stalledEngine struct {
	release chan struct{}
}

type stalledStream struct {
	release chan struct{}
}

func (s *stalledStream) Recv() (string, error) {
	<-s.release
	return "", io.EOF
}

func (s *stalledStream) Close() error { return nil }

func (e *stalledEngine) Name() string      { return "stalled" }
func (e *stalledEngine) Kind() engine.Kind { return engine.KindRemote }

func (e *stalledEngine) Generate(context.Context, conversation.Conversation, engine.GenerationOptions) (string, error) {
	<-e.release
	return "", nil
}

func (e *stalledEngine) GenerateStream(context.Context, conversation.Conversation, engine.GenerationOptions) (engine.Stream, error) {
	return &stalledStream{release: e.release}, nil
}

func TestGenerator_StopDoesNotWaitForStalledBackend(t *testing.T) {
	e := &stalledEngine{release: make(chan struct{})}
	defer close(e.release)

	g := New(e)
	rec := &recorder{}
	h, err := g.Start(context.Background(), userConversation("Hi"), engine.DefaultGenerationOptions(),
		rec.onToken, rec.onComplete)
	require.NoError(t, err)
	assert.True(t, g.IsRunning())

	assert.True(t, g.Stop())
	c := waitFor(t, h)

	assert.True(t, c.Cancelled)
	assert.Equal(t, "", c.Text)
	assert.Len(t, rec.Completions(), 1)
	assert.False(t, g.IsRunning())
	assert.False(t, g.Stop())
}

func TestGenerator_ParentContextCancelStops(t *testing.T) {
	e := &stalledEngine{release: make(chan struct{})}
	defer close(e.release)

	ctx, cancel := context.WithCancel(context.Background())
	g := New(e)
	rec := &recorder{}
	h, err := g.Start(ctx, userConversation("Hi"), engine.DefaultGenerationOptions(), rec.onToken, rec.onComplete)
	require.NoError(t, err)

	cancel()
	c := waitFor(t, h)
	assert.True(t, c.Interrupted())
	assert.True(t, h.StopRequested())
}

func TestGenerator_BackendUnavailableReturnsError(t *testing.T) {
	e := newEcho(t, echo.WithUnavailable(errors.New("connection refused")))
	g := New(e)
	rec := &recorder{}

	h, err := g.Start(context.Background(), userConversation("Hi"), engine.DefaultGenerationOptions(),
		rec.onToken, rec.onComplete)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.True(t, errors.Is(err, engine.ErrBackendUnavailable))
	assert.Empty(t, rec.Tokens())
	assert.Empty(t, rec.Completions())
	assert.False(t, g.IsRunning())
}

func TestGenerator_InvalidOptions(t *testing.T) {
	g := New(newEcho(t))
	opts := engine.DefaultGenerationOptions()
	opts.MaxNewTokens = 0

	_, err := g.Start(context.Background(), userConversation("Hi"), opts, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrValidation))
}

func TestGenerator_AlreadyRunning(t *testing.T) {
	e := &stalledEngine{release: make(chan struct{})}
	defer close(e.release)

	g := New(e)
	h, err := g.Start(context.Background(), userConversation("Hi"), engine.DefaultGenerationOptions(), nil, nil)
	require.NoError(t, err)

	_, err = g.Start(context.Background(), userConversation("Again"), engine.DefaultGenerationOptions(), nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, h, g.Active())

	h.Stop()
	waitFor(t, h)
	assert.Nil(t, g.Active())
}

func TestGenerator_MidStreamFailure(t *testing.T) {
	e := newEcho(t,
		echo.WithResponses([]string{"a", "b", "c"}),
		echo.WithFailure(2, errors.New("model crashed")),
	)
	sink := events.NewCollectingSink()
	g := New(e, WithSink(sink))
	rec := &recorder{}

	h, err := g.Start(context.Background(), userConversation("Hi"), engine.DefaultGenerationOptions(),
		rec.onToken, rec.onComplete)
	require.NoError(t, err)
	c := waitFor(t, h)

	assert.Equal(t, []string{"a", "b"}, rec.Tokens())
	require.Len(t, rec.Completions(), 1)
	assert.True(t, c.Failed())
	assert.True(t, c.Cancelled)
	assert.False(t, c.Interrupted())
	assert.True(t, errors.Is(c.Err, engine.ErrGeneration))
	assert.True(t, strings.HasPrefix(c.Text, "Error: "))
	assert.Contains(t, c.Text, "model crashed")
	assert.Equal(t, "ab", c.Partial)

	types := sink.Types()
	assert.Equal(t, events.EventTypeError, types[len(types)-1])
}

func TestGenerator_TokenCallbackPanicEndsRun(t *testing.T) {
	g := New(newEcho(t, echo.WithResponses([]string{"a", "b"})))
	rec := &recorder{}

	h, err := g.Start(context.Background(), userConversation("Hi"), engine.DefaultGenerationOptions(),
		func(string) { panic("ui gone") }, rec.onComplete)
	require.NoError(t, err)
	c := waitFor(t, h)

	require.Len(t, rec.Completions(), 1)
	assert.True(t, c.Failed())
	assert.Contains(t, c.Text, "ui gone")
}

func TestGenerator_RunsSequentially(t *testing.T) {
	e := newEcho(t, echo.WithResponses([]string{"one"}, []string{"two"}))
	g := New(e)

	h, err := g.Start(context.Background(), userConversation("Hi"), engine.DefaultGenerationOptions(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "one", waitFor(t, h).Text)

	h, err = g.Start(context.Background(), userConversation("Hi"), engine.DefaultGenerationOptions(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "two", waitFor(t, h).Text)
	assert.Equal(t, 2, e.Calls())
}

func TestGenerator_StartFromCompletionCallback(t *testing.T) {
	e := newEcho(t, echo.WithResponses([]string{"one"}, []string{"two"}))
	g := New(e)
	rec := &recorder{}

	var next *Handle
	var nextErr error
	first, err := g.Start(context.Background(), userConversation("Hi"), engine.DefaultGenerationOptions(), nil,
		func(c Completion) {
			rec.onComplete(c)
			assert.False(t, g.IsRunning())
			next, nextErr = g.Start(context.Background(), userConversation("Again"),
				engine.DefaultGenerationOptions(), nil, rec.onComplete)
		})
	require.NoError(t, err)
	assert.Equal(t, "one", waitFor(t, first).Text)

	require.NoError(t, nextErr)
	require.NotNil(t, next)
	assert.Equal(t, "two", waitFor(t, next).Text)
	assert.Len(t, rec.Completions(), 2)
	assert.Nil(t, g.Active())
}

func TestHandle_NilIsSafe(t *testing.T) {
	var h *Handle
	h.Stop()
	assert.False(t, h.IsRunning())
	_, err := h.Wait()
	assert.ErrorIs(t, err, ErrHandleNil)
}
