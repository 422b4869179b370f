package openai

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/steps/ai/settings"
	"github.com/go-go-golems/palaver/pkg/steps/ai/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIEngine talks to any endpoint that speaks the OpenAI chat completion
// protocol (openai, anyscale, fireworks).
type OpenAIEngine struct {
	settings *settings.StepSettings
	config   *engine.Config
	counter  *engine.TokenCounter
}

func NewOpenAIEngine(settings *settings.StepSettings, options ...engine.Option) (*OpenAIEngine, error) {
	config := engine.NewConfig()
	if err := engine.ApplyOptions(config, options...); err != nil {
		return nil, err
	}

	ret := &OpenAIEngine{
		settings: settings,
		config:   config,
	}

	if settings.Chat != nil && settings.Chat.MaxContextTokens != nil && *settings.Chat.MaxContextTokens > 0 {
		model := ""
		if settings.Chat.Engine != nil {
			model = *settings.Chat.Engine
		}
		counter, err := engine.NewTokenCounter(model)
		if err != nil {
			return nil, err
		}
		ret.counter = counter
	}

	return ret, nil
}

func (e *OpenAIEngine) Name() string {
	if t := e.settings.Provider(); t != "" {
		return string(t)
	}
	return string(types.ApiTypeOpenAI)
}

func (e *OpenAIEngine) Kind() engine.Kind {
	return engine.KindRemote
}

func (e *OpenAIEngine) prepare(
	messages conversation.Conversation,
	opts engine.GenerationOptions,
) (*go_openai.Client, *go_openai.ChatCompletionRequest, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	if e.settings.Chat.ApiType == nil {
		return nil, nil, errors.New("no chat engine specified")
	}

	if e.counter != nil {
		trimmed, err := engine.TrimToContextWindow(e.counter, messages, *e.settings.Chat.MaxContextTokens, opts.MaxNewTokens)
		if err != nil {
			return nil, nil, err
		}
		messages = trimmed
	}

	client, err := MakeClient(e.settings.API, *e.settings.Chat.ApiType)
	if err != nil {
		return nil, nil, engine.NewBackendUnavailableError(e.Name(), err)
	}

	req, err := MakeCompletionRequest(e.settings, messages, opts)
	if err != nil {
		return nil, nil, err
	}

	return client, req, nil
}

func (e *OpenAIEngine) metadata(req *go_openai.ChatCompletionRequest, opts engine.GenerationOptions) events.EventMetadata {
	return events.EventMetadata{
		ID: uuid.New(),
		LLMInferenceData: events.LLMInferenceData{
			Engine:       e.Name(),
			Model:        req.Model,
			Temperature:  &opts.Temperature,
			TopP:         &opts.TopP,
			MaxNewTokens: &opts.MaxNewTokens,
		},
	}
}

func (e *OpenAIEngine) publishEvent(ctx context.Context, event events.Event) {
	events.PublishToSinks(e.config.EventSinks, event)
	events.PublishEventToContext(ctx, event)
}

// Generate runs a blocking completion request, bounded by the client timeout.
func (e *OpenAIEngine) Generate(
	ctx context.Context,
	messages conversation.Conversation,
	opts engine.GenerationOptions,
) (string, error) {
	client, req, err := e.prepare(messages, opts)
	if err != nil {
		return "", err
	}
	req.Stream = false

	if e.settings.Client != nil && e.settings.Client.Timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *e.settings.Client.Timeout)
		defer cancel()
	}

	metadata := e.metadata(req, opts)
	e.publishEvent(ctx, events.NewStartEvent(metadata))
	start := time.Now()

	log.Debug().Str("engine", e.Name()).Str("model", req.Model).Int("messages", len(req.Messages)).Msg("OpenAI Generate")
	resp, err := client.CreateChatCompletion(ctx, *req)
	if err != nil {
		err = classifyError(e.Name(), err)
		e.publishEvent(ctx, events.NewErrorEvent(metadata, err, ""))
		return "", err
	}
	if len(resp.Choices) == 0 {
		err = engine.NewGenerationError(e.Name(), errors.New("no choices in response"))
		e.publishEvent(ctx, events.NewErrorEvent(metadata, err, ""))
		return "", err
	}

	text := resp.Choices[0].Message.Content
	d := time.Since(start).Milliseconds()
	metadata.DurationMs = &d
	e.publishEvent(ctx, events.NewFinalEvent(metadata, text))
	return text, nil
}

// GenerateStream opens a streaming completion. The request is sent before
// returning, so connection and authentication failures surface here as
// ErrBackendUnavailable. With streaming disabled in the settings the
// complete response is returned as a single increment.
func (e *OpenAIEngine) GenerateStream(
	ctx context.Context,
	messages conversation.Conversation,
	opts engine.GenerationOptions,
) (engine.Stream, error) {
	if !e.settings.Chat.Stream {
		text, err := e.Generate(ctx, messages, opts)
		if err != nil {
			return nil, err
		}
		return engine.NewSliceStream(text), nil
	}

	client, req, err := e.prepare(messages, opts)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("engine", e.Name()).Str("model", req.Model).Int("messages", len(req.Messages)).Msg("OpenAI GenerateStream")

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := client.CreateChatCompletionStream(streamCtx, *req)
	if err != nil {
		cancel()
		return nil, classifyError(e.Name(), err)
	}

	return &chatStream{
		backend: e.Name(),
		stream:  stream,
		cancel:  cancel,
	}, nil
}

type chatStream struct {
	backend string
	stream  *go_openai.ChatCompletionStream
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *chatStream) Recv() (string, error) {
	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", engine.NewGenerationError(s.backend, err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return delta, nil
	}
}

func (s *chatStream) Close() error {
	s.once.Do(func() {
		s.stream.Close()
		s.cancel()
	})
	return nil
}

var _ engine.Engine = (*OpenAIEngine)(nil)
var _ engine.Stream = (*chatStream)(nil)
