package ollama

import (
	"context"
	"os"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/steps/ai/settings"
	"github.com/go-go-golems/palaver/pkg/steps/ai/types"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OllamaEngine generates with a model served by a local ollama instance.
type OllamaEngine struct {
	settings *settings.StepSettings
	config   *engine.Config
	client   *api.Client
}

func NewOllamaEngine(s *settings.StepSettings, options ...engine.Option) (*OllamaEngine, error) {
	config := engine.NewConfig()
	if err := engine.ApplyOptions(config, options...); err != nil {
		return nil, err
	}

	if s.Ollama != nil && s.Ollama.Host != nil && *s.Ollama.Host != "" {
		// the client only reads its address from the environment
		if err := os.Setenv("OLLAMA_HOST", *s.Ollama.Host); err != nil {
			return nil, errors.Wrap(err, "could not set OLLAMA_HOST")
		}
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "could not create ollama client")
	}

	return &OllamaEngine{
		settings: s,
		config:   config,
		client:   client,
	}, nil
}

func (e *OllamaEngine) Name() string {
	return string(types.ApiTypeOllama)
}

func (e *OllamaEngine) Kind() engine.Kind {
	return engine.KindLocal
}

func (e *OllamaEngine) makeRequest(messages conversation.Conversation, opts engine.GenerationOptions) (*api.ChatRequest, error) {
	if e.settings.Chat == nil || e.settings.Chat.Engine == nil || *e.settings.Chat.Engine == "" {
		return nil, errors.New("no engine specified")
	}

	ollamaMessages := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		ollamaMessages = append(ollamaMessages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	options := e.settings.Ollama.Options()
	options["temperature"] = opts.Temperature
	options["top_p"] = opts.TopP
	options["top_k"] = opts.TopK
	options["num_predict"] = opts.MaxNewTokens

	stream := true
	return &api.ChatRequest{
		Model:    *e.settings.Chat.Engine,
		Messages: ollamaMessages,
		Stream:   &stream,
		Options:  options,
	}, nil
}

func (e *OllamaEngine) Generate(
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

// GenerateStream checks that the server is up, then runs the chat request in
// a goroutine that feeds increments into a channel stream. Closing the stream
// cancels the request.
func (e *OllamaEngine) GenerateStream(
	ctx context.Context,
	messages conversation.Conversation,
	opts engine.GenerationOptions,
) (engine.Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	req, err := e.makeRequest(messages, opts)
	if err != nil {
		return nil, err
	}

	if err := e.client.Heartbeat(ctx); err != nil {
		return nil, engine.NewBackendUnavailableError(e.Name(), err)
	}

	log.Debug().Str("engine", e.Name()).Str("model", req.Model).Int("messages", len(req.Messages)).Msg("ollama GenerateStream")

	cancellableCtx, cancel := context.WithCancel(ctx)
	c := make(chan helpers.Result[string])

	go func() {
		defer close(c)

		send := func(r helpers.Result[string]) bool {
			select {
			case c <- r:
				return true
			case <-cancellableCtx.Done():
				return false
			}
		}

		err := e.client.Chat(cancellableCtx, req, func(resp api.ChatResponse) error {
			if resp.Done {
				return nil
			}
			if resp.Message.Content == "" {
				return nil
			}
			if !send(helpers.NewValueResult(resp.Message.Content)) {
				return cancellableCtx.Err()
			}
			return nil
		})

		if err != nil && cancellableCtx.Err() == nil {
			log.Debug().Err(err).Str("engine", e.Name()).Msg("ollama chat failed")
			send(helpers.NewErrorResult[string](engine.NewGenerationError(e.Name(), err)))
		}
	}()

	return engine.NewChannelStream(c, cancel), nil
}

var _ engine.Engine = (*OllamaEngine)(nil)
