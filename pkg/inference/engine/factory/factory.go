package factory

import (
	"strings"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/steps/ai/echo"
	"github.com/go-go-golems/palaver/pkg/steps/ai/ollama"
	"github.com/go-go-golems/palaver/pkg/steps/ai/openai"
	"github.com/go-go-golems/palaver/pkg/steps/ai/settings"
	"github.com/go-go-golems/palaver/pkg/steps/ai/types"
	"github.com/pkg/errors"
)

// EngineFactory creates engines from settings without the caller having to
// know which backend implementation is behind a provider name.
type EngineFactory interface {
	// CreateEngine picks the backend from settings.Chat.ApiType.
	CreateEngine(settings *settings.StepSettings, options ...engine.Option) (engine.Engine, error)

	SupportedProviders() []string

	// DefaultProvider is used when settings.Chat.ApiType is not set.
	DefaultProvider() string
}

// StandardEngineFactory supports the OpenAI-compatible remote providers,
// ollama and the offline echo engine.
type StandardEngineFactory struct {
	// EchoOptions configure engines created for the echo provider.
	EchoOptions []echo.EchoOption
}

func NewStandardEngineFactory(echoOptions ...echo.EchoOption) *StandardEngineFactory {
	return &StandardEngineFactory{
		EchoOptions: echoOptions,
	}
}

func (f *StandardEngineFactory) CreateEngine(settings *settings.StepSettings, options ...engine.Option) (engine.Engine, error) {
	if settings == nil {
		return nil, errors.New("settings cannot be nil")
	}

	provider := f.DefaultProvider()
	if settings.Chat != nil && settings.Chat.ApiType != nil {
		provider = strings.ToLower(string(*settings.Chat.ApiType))
	}

	if err := f.validateSettings(settings, provider); err != nil {
		return nil, errors.Wrapf(err, "invalid settings for provider %s", provider)
	}

	switch types.ApiType(provider) {
	case types.ApiTypeOpenAI, types.ApiTypeAnyScale, types.ApiTypeFireworks:
		return openai.NewOpenAIEngine(settings, options...)

	case types.ApiTypeOllama:
		return ollama.NewOllamaEngine(settings, options...)

	case types.ApiTypeEcho:
		return echo.NewEchoEngine(f.EchoOptions, options...)

	default:
		supported := strings.Join(f.SupportedProviders(), ", ")
		return nil, errors.Errorf("unsupported provider %s. Supported providers: %s", provider, supported)
	}
}

func (f *StandardEngineFactory) SupportedProviders() []string {
	return []string{
		string(types.ApiTypeOpenAI),
		string(types.ApiTypeAnyScale),
		string(types.ApiTypeFireworks),
		string(types.ApiTypeOllama),
		string(types.ApiTypeEcho),
	}
}

func (f *StandardEngineFactory) DefaultProvider() string {
	return string(types.ApiTypeOpenAI)
}

func (f *StandardEngineFactory) validateSettings(settings *settings.StepSettings, provider string) error {
	if settings.Chat == nil {
		return errors.New("chat settings cannot be nil")
	}

	switch types.ApiType(provider) {
	case types.ApiTypeOpenAI, types.ApiTypeAnyScale, types.ApiTypeFireworks:
		return f.validateOpenAISettings(settings, provider)

	case types.ApiTypeOllama:
		return f.validateOllamaSettings(settings)

	case types.ApiTypeEcho:
		return nil

	default:
		return errors.Errorf("unknown provider %s", provider)
	}
}

func (f *StandardEngineFactory) validateOpenAISettings(settings *settings.StepSettings, provider string) error {
	if settings.API == nil {
		return errors.New("API settings cannot be nil")
	}
	if _, ok := settings.API.APIKey(provider); !ok {
		return errors.Errorf("missing API key %s-api-key", provider)
	}

	// openai falls back to the public endpoint
	if provider != string(types.ApiTypeOpenAI) {
		if _, ok := settings.API.BaseURL(provider); !ok {
			return errors.Errorf("missing base URL %s-base-url for provider %s", provider, provider)
		}
	}

	if settings.Chat.Engine == nil || *settings.Chat.Engine == "" {
		return errors.New("missing engine (model name)")
	}

	return nil
}

func (f *StandardEngineFactory) validateOllamaSettings(settings *settings.StepSettings) error {
	if settings.Chat.Engine == nil || *settings.Chat.Engine == "" {
		return errors.New("missing engine (model name)")
	}
	if settings.Ollama == nil {
		return errors.New("ollama settings cannot be nil")
	}
	return nil
}

// NewEngineFromStepSettings creates an engine with a StandardEngineFactory.
func NewEngineFromStepSettings(stepSettings *settings.StepSettings, options ...engine.Option) (engine.Engine, error) {
	factory := NewStandardEngineFactory()
	return factory.CreateEngine(stepSettings, options...)
}

var _ EngineFactory = (*StandardEngineFactory)(nil)
