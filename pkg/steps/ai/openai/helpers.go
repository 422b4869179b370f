package openai

import (
	"net/http"

	"github.com/go-go-golems/palaver/pkg/conversation"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/steps/ai/settings"
	ai_types "github.com/go-go-golems/palaver/pkg/steps/ai/types"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

const DefaultBaseURL = "https://api.openai.com/v1"

func MakeClient(apiSettings *settings.APISettings, apiType ai_types.ApiType) (*go_openai.Client, error) {
	if apiSettings == nil {
		return nil, errors.New("no API settings")
	}
	apiKey, ok := apiSettings.APIKey(string(apiType))
	if !ok {
		return nil, errors.Errorf("no API key for %s", apiType)
	}
	baseURL, ok := apiSettings.BaseURL(string(apiType))
	if !ok {
		if apiType != ai_types.ApiTypeOpenAI {
			return nil, errors.Errorf("no base URL for %s", apiType)
		}
		baseURL = DefaultBaseURL
	}
	config := go_openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	client := go_openai.NewClientWithConfig(config)
	return client, nil
}

func messageToOpenAIMessage(m *conversation.Message) go_openai.ChatCompletionMessage {
	role := go_openai.ChatMessageRoleUser
	switch m.Role {
	case conversation.RoleSystem:
		role = go_openai.ChatMessageRoleSystem
	case conversation.RoleAssistant:
		role = go_openai.ChatMessageRoleAssistant
	case conversation.RoleUser:
		role = go_openai.ChatMessageRoleUser
	}
	return go_openai.ChatCompletionMessage{
		Role:    role,
		Content: m.Content,
	}
}

// MakeCompletionRequest builds a chat completion request. top_k has no
// equivalent in the OpenAI API and is dropped.
func MakeCompletionRequest(
	s *settings.StepSettings,
	messages conversation.Conversation,
	opts engine.GenerationOptions,
) (*go_openai.ChatCompletionRequest, error) {
	if s.Chat == nil || s.Chat.Engine == nil || *s.Chat.Engine == "" {
		return nil, errors.New("no engine specified")
	}

	msgs := make([]go_openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, messageToOpenAIMessage(m))
	}

	req := &go_openai.ChatCompletionRequest{
		Model:       *s.Chat.Engine,
		Messages:    msgs,
		MaxTokens:   opts.MaxNewTokens,
		Temperature: float32(opts.Temperature),
		TopP:        float32(opts.TopP),
		Stream:      s.Chat.Stream,
	}

	if s.OpenAI != nil {
		if s.OpenAI.PresencePenalty != nil {
			req.PresencePenalty = float32(*s.OpenAI.PresencePenalty)
		}
		if s.OpenAI.FrequencyPenalty != nil {
			req.FrequencyPenalty = float32(*s.OpenAI.FrequencyPenalty)
		}
		if len(s.OpenAI.Stop) > 0 {
			req.Stop = s.OpenAI.Stop
		}
		if s.OpenAI.User != nil {
			req.User = *s.OpenAI.User
		}
	}

	return req, nil
}

// classifyError maps errors returned before any output was produced. The
// endpoint being unreachable, rejecting our credentials, not knowing the
// model or failing server side all count as the backend being unavailable.
// Anything else is a generation error.
func classifyError(backend string, err error) error {
	status := 0
	var apiErr *go_openai.APIError
	var reqErr *go_openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return engine.NewBackendUnavailableError(backend, err)
	}

	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound,
		status == http.StatusTooManyRequests,
		status >= 500:
		return engine.NewBackendUnavailableError(backend, err)
	default:
		return engine.NewGenerationError(backend, err)
	}
}
