package echo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/steps/ai/types"
	"github.com/rs/zerolog/log"
)

// EchoEngine produces output without a model. It either replays scripted
// responses, one per call, or repeats the last user message word by word.
type EchoEngine struct {
	config *engine.Config
	delay  time.Duration
	prefix string

	mu        sync.Mutex
	responses [][]string
	err       error
	failAfter int
	calls     int
}

type EchoOption func(*EchoEngine)

// WithDelay sleeps before each increment.
func WithDelay(d time.Duration) EchoOption {
	return func(e *EchoEngine) {
		e.delay = d
	}
}

// WithPrefix is prepended to echoed text.
func WithPrefix(prefix string) EchoOption {
	return func(e *EchoEngine) {
		e.prefix = prefix
	}
}

// WithResponses scripts the increments of successive calls. Once the script
// runs out the engine falls back to echoing.
func WithResponses(responses ...[]string) EchoOption {
	return func(e *EchoEngine) {
		e.responses = append(e.responses, responses...)
	}
}

// WithUnavailable makes every call fail as if the backend could not be reached.
func WithUnavailable(err error) EchoOption {
	return func(e *EchoEngine) {
		e.err = err
	}
}

// WithFailure makes streams fail with err after n increments.
func WithFailure(n int, err error) EchoOption {
	return func(e *EchoEngine) {
		e.failAfter = n
		e.err = engine.NewGenerationError(string(types.ApiTypeEcho), err)
	}
}

func NewEchoEngine(options []EchoOption, engineOptions ...engine.Option) (*EchoEngine, error) {
	config := engine.NewConfig()
	if err := engine.ApplyOptions(config, engineOptions...); err != nil {
		return nil, err
	}
	ret := &EchoEngine{
		config:    config,
		failAfter: -1,
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

func (e *EchoEngine) Name() string {
	return string(types.ApiTypeEcho)
}

func (e *EchoEngine) Kind() engine.Kind {
	return engine.KindLocal
}

// Calls returns how many generations were started.
func (e *EchoEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *EchoEngine) nextTokens(messages conversation.Conversation) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	if len(e.responses) > 0 {
		ret := e.responses[0]
		e.responses = e.responses[1:]
		return ret
	}

	text := ""
	if m, ok := messages.LastUserMessage(); ok {
		text = m.Content
	}
	text = e.prefix + text
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	return words
}

func (e *EchoEngine) Generate(
	ctx context.Context,
	messages conversation.Conversation,
	opts engine.GenerationOptions,
) (string, error) {
	stream, err := e.GenerateStream(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	return engine.Collect(stream)
}

func (e *EchoEngine) GenerateStream(
	ctx context.Context,
	messages conversation.Conversation,
	opts engine.GenerationOptions,
) (engine.Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if e.err != nil && e.failAfter < 0 {
		return nil, engine.NewBackendUnavailableError(e.Name(), e.err)
	}

	tokens := e.nextTokens(messages)
	log.Trace().Int("tokens", len(tokens)).Msg("echo GenerateStream")

	streamCtx, cancel := context.WithCancel(ctx)
	c := make(chan helpers.Result[string])
	go func() {
		defer close(c)
		for i, tok := range tokens {
			if e.failAfter >= 0 && i == e.failAfter {
				select {
				case c <- helpers.NewErrorResult[string](e.err):
				case <-streamCtx.Done():
				}
				return
			}
			if e.delay > 0 {
				select {
				case <-time.After(e.delay):
				case <-streamCtx.Done():
					return
				}
			}
			select {
			case c <- helpers.NewValueResult(tok):
			case <-streamCtx.Done():
				return
			}
		}
		if e.failAfter >= len(tokens) {
			select {
			case c <- helpers.NewErrorResult[string](e.err):
			case <-streamCtx.Done():
			}
		}
	}()

	return engine.NewChannelStream(c, cancel), nil
}

var _ engine.Engine = (*EchoEngine)(nil)
