package generator

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("generation already running")
	ErrHandleNil      = errors.New("generation handle is nil")
)

// TokenFunc receives each increment, in order, on the consumer goroutine.
type TokenFunc func(delta string)

// CompleteFunc receives the terminal completion exactly once per started
// generation, after the last TokenFunc call. The generator is already idle
// when it runs, so it may Start the next generation.
type CompleteFunc func(c Completion)

// Generator runs one streaming generation at a time against an engine.
//
// Each run uses a producer goroutine that pulls increments from the backend
// stream and a consumer goroutine that forwards them to the callbacks. Stop
// sets the run's cancellation flag; the consumer checks it before every
// increment and forwards nothing once it is set. The backend request is
// cancelled after the flag is observed, but the terminal callback does not
// wait for the backend to acknowledge it.
type Generator struct {
	engine   engine.Engine
	sinks    []events.EventSink
	metadata events.EventMetadata

	mu     sync.Mutex
	active *Handle
}

type Option func(*Generator)

func WithSink(sink events.EventSink) Option {
	return func(g *Generator) {
		g.sinks = append(g.sinks, sink)
	}
}

// WithMetadata sets the base metadata attached to every published event.
func WithMetadata(metadata events.EventMetadata) Option {
	return func(g *Generator) {
		g.metadata = metadata
	}
}

func New(e engine.Engine, options ...Option) *Generator {
	ret := &Generator{
		engine: e,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (g *Generator) Engine() engine.Engine {
	return g.engine
}

type startConfig struct {
	sessionID int64
}

type StartOption func(*startConfig)

// WithSessionID tags the run's events with the session they belong to.
func WithSessionID(id int64) StartOption {
	return func(c *startConfig) {
		c.sessionID = id
	}
}

// Start validates opts, opens the backend stream and launches the run.
//
// Validation errors and ErrBackendUnavailable are returned directly; no
// callback fires in that case. Any other failure to open the stream, and any
// failure during the run, is reported through onComplete.
func (g *Generator) Start(
	ctx context.Context,
	messages conversation.Conversation,
	opts engine.GenerationOptions,
	onToken TokenFunc,
	onComplete CompleteFunc,
	options ...StartOption,
) (*Handle, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	sc := &startConfig{}
	for _, o := range options {
		o(sc)
	}

	g.mu.Lock()
	if g.active != nil && g.active.IsRunning() {
		g.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	handle := newHandle(uuid.NewString())
	g.active = handle
	g.mu.Unlock()

	metadata := g.runMetadata(handle, opts, sc)
	logger := log.With().
		Str("inference_id", handle.InferenceID).
		Str("engine", g.engine.Name()).
		Logger()

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := g.engine.GenerateStream(runCtx, messages, opts)
	if err != nil && (errors.Is(err, engine.ErrBackendUnavailable) || errors.Is(err, engine.ErrValidation)) {
		cancel()
		logger.Warn().Err(err).Msg("could not start generation")
		g.publish(ctx, events.NewErrorEvent(metadata, err, ""))
		handle.finish(errorCompletion(err, ""))
		g.release(handle)
		return nil, err
	}

	logger.Debug().Int("messages", len(messages)).Msg("generation started")
	g.publish(ctx, events.NewStartEvent(metadata))

	go g.run(ctx, runCtx, cancel, handle, stream, err, metadata, onToken, onComplete)

	return handle, nil
}

// Stop requests cancellation of the active run, if any. It reports whether
// there was a run to stop.
func (g *Generator) Stop() bool {
	g.mu.Lock()
	h := g.active
	g.mu.Unlock()
	if h == nil || !h.IsRunning() {
		return false
	}
	h.Stop()
	return true
}

func (g *Generator) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active != nil && g.active.IsRunning()
}

// Active returns the handle of the running generation, or nil.
func (g *Generator) Active() *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil || !g.active.IsRunning() {
		return nil
	}
	return g.active
}

func (g *Generator) release(h *Handle) {
	g.mu.Lock()
	if g.active == h {
		g.active = nil
	}
	g.mu.Unlock()
}

func (g *Generator) runMetadata(h *Handle, opts engine.GenerationOptions, sc *startConfig) events.EventMetadata {
	m := g.metadata
	m.ID = uuid.New()
	m.InferenceID = h.InferenceID
	if sc.sessionID != 0 {
		m.SessionID = sc.sessionID
	}
	if m.Engine == "" {
		m.Engine = g.engine.Name()
	}
	temperature, topP, topK, maxNewTokens := opts.Temperature, opts.TopP, opts.TopK, opts.MaxNewTokens
	m.Temperature = &temperature
	m.TopP = &topP
	m.TopK = &topK
	m.MaxNewTokens = &maxNewTokens
	return m
}

// publish sends event to the generator sinks and to any sinks attached to
// ctx with events.WithEventSinks.
func (g *Generator) publish(ctx context.Context, event events.Event) {
	events.PublishToSinks(g.sinks, event)
	events.PublishEventToContext(ctx, event)
}

func (g *Generator) run(
	parentCtx context.Context,
	runCtx context.Context,
	cancel context.CancelFunc,
	handle *Handle,
	stream engine.Stream,
	openErr error,
	metadata events.EventMetadata,
	onToken TokenFunc,
	onComplete CompleteFunc,
) {
	logger := log.With().Str("inference_id", handle.InferenceID).Logger()
	start := time.Now()

	var completion Completion
	defer func() {
		d := time.Since(start).Milliseconds()
		metadata.DurationMs = &d
		switch {
		case completion.Err != nil:
			g.publish(parentCtx, events.NewErrorEvent(metadata, completion.Err, completion.Partial))
		case completion.Cancelled:
			g.publish(parentCtx, events.NewInterruptEvent(metadata, completion.Text))
		default:
			g.publish(parentCtx, events.NewFinalEvent(metadata, completion.Text))
		}

		// the slot is free before onComplete so the callback can start the
		// next run; Done still waits for the callback to return.
		g.release(handle)

		if onComplete != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("completion callback panicked")
					}
				}()
				onComplete(completion)
			}()
		}

		handle.finish(completion)
	}()

	if openErr != nil {
		cancel()
		logger.Warn().Err(openErr).Msg("generation failed to open")
		completion = errorCompletion(openErr, "")
		return
	}

	increments := make(chan string)
	eg, egCtx := errgroup.WithContext(runCtx)

	eg.Go(func() (err error) {
		defer close(increments)
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("backend panicked: %v", r)
			}
		}()
		for {
			delta, err := stream.Recv()
			if engine.IsEndOfStream(err) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case increments <- delta:
			case <-egCtx.Done():
				return nil
			}
		}
	})

	var acc strings.Builder
	var consumeErr error
	stopped := false

loop:
	for {
		select {
		case <-handle.stop:
			stopped = true
			break loop
		case <-parentCtx.Done():
			handle.Stop()
			stopped = true
			break loop
		case delta, ok := <-increments:
			if !ok {
				break loop
			}
			if handle.StopRequested() {
				stopped = true
				break loop
			}
			acc.WriteString(delta)
			if err := callToken(onToken, delta); err != nil {
				consumeErr = err
				break loop
			}
			g.publish(parentCtx, events.NewPartialCompletionEvent(metadata, delta, acc.String()))
		}
	}

	if stopped || consumeErr != nil {
		// release the backend without waiting for it to notice
		cancel()
		_ = stream.Close()
		go func() {
			if err := eg.Wait(); err != nil {
				logger.Debug().Err(err).Msg("producer exited after stop")
			}
		}()

		if consumeErr != nil {
			logger.Warn().Err(consumeErr).Msg("generation failed while consuming")
			completion = errorCompletion(consumeErr, acc.String())
			return
		}
		logger.Debug().Int("length", acc.Len()).Msg("generation stopped")
		completion = Completion{Text: acc.String(), Cancelled: true}
		return
	}

	err := eg.Wait()
	cancel()
	_ = stream.Close()

	if err != nil {
		if handle.StopRequested() {
			completion = Completion{Text: acc.String(), Cancelled: true}
			return
		}
		if !errors.Is(err, engine.ErrGeneration) {
			err = engine.NewGenerationError(metadata.Engine, err)
		}
		logger.Warn().Err(err).Msg("generation failed")
		completion = errorCompletion(err, acc.String())
		return
	}

	logger.Debug().Int("length", acc.Len()).Msg("generation finished")
	completion = Completion{Text: acc.String()}
}

func callToken(onToken TokenFunc, delta string) (err error) {
	if onToken == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("token callback panicked: %v", r)
		}
	}()
	onToken(delta)
	return nil
}
