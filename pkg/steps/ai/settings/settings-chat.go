package settings

import (
	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/steps/ai/types"
	"github.com/huandu/go-clone"
)

type ChatSettings struct {
	Engine       *string        `yaml:"engine,omitempty"`
	ApiType      *types.ApiType `yaml:"api_type,omitempty"`
	MaxNewTokens *int           `yaml:"max_new_tokens,omitempty"`
	TopP         *float64       `yaml:"top_p,omitempty"`
	TopK         *int           `yaml:"top_k,omitempty"`
	Temperature  *float64       `yaml:"temperature,omitempty"`
	// MaxContextTokens bounds the prompt sent to remote backends. 0 sends the
	// full history.
	MaxContextTokens *int `yaml:"max_context_tokens,omitempty"`
	Stream           bool `yaml:"stream,omitempty"`
}

func NewChatSettings() *ChatSettings {
	return &ChatSettings{
		Engine:       nil,
		ApiType:      nil,
		MaxNewTokens: helpers.Pointer(engine.DefaultMaxNewTokens),
		TopP:         helpers.Pointer(engine.DefaultTopP),
		TopK:         helpers.Pointer(engine.DefaultTopK),
		Temperature:  helpers.Pointer(engine.DefaultTemperature),
		Stream:       true,
	}
}

func (s *ChatSettings) Clone() *ChatSettings {
	return clone.Clone(s).(*ChatSettings)
}

// GenerationOptions resolves the sampling parameters, using the engine
// defaults for anything left unset.
func (s *ChatSettings) GenerationOptions() engine.GenerationOptions {
	return engine.GenerationOptions{
		Temperature:  helpers.ValueOr(s.Temperature, engine.DefaultTemperature),
		MaxNewTokens: helpers.ValueOr(s.MaxNewTokens, engine.DefaultMaxNewTokens),
		TopP:         helpers.ValueOr(s.TopP, engine.DefaultTopP),
		TopK:         helpers.ValueOr(s.TopK, engine.DefaultTopK),
	}
}
