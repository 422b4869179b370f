package settings

import (
	"io"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/steps/ai/settings/ollama"
	"github.com/go-go-golems/palaver/pkg/steps/ai/settings/openai"
	"github.com/go-go-golems/palaver/pkg/steps/ai/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type StepSettings struct {
	Chat    *ChatSettings    `yaml:"chat,omitempty"`
	API     *APISettings     `yaml:"api,omitempty"`
	Client  *ClientSettings  `yaml:"client,omitempty"`
	OpenAI  *openai.Settings `yaml:"openai,omitempty"`
	Ollama  *ollama.Settings `yaml:"ollama,omitempty"`
	Storage *StorageSettings `yaml:"storage,omitempty"`
}

func NewStepSettings() *StepSettings {
	return &StepSettings{
		Chat:    NewChatSettings(),
		API:     NewAPISettings(),
		Client:  NewClientSettings(),
		OpenAI:  openai.NewSettings(),
		Ollama:  ollama.NewSettings(),
		Storage: NewStorageSettings(),
	}
}

// NewStepSettingsFromYAML decodes settings on top of the defaults, so a file
// only needs to name the values it changes.
func NewStepSettingsFromYAML(s io.Reader) (*StepSettings, error) {
	ret := NewStepSettings()
	if err := yaml.NewDecoder(s).Decode(ret); err != nil {
		if errors.Is(err, io.EOF) {
			return ret, nil
		}
		return nil, errors.Wrap(err, "could not decode settings")
	}
	ret.fillNil()
	return ret, nil
}

func (ss *StepSettings) fillNil() {
	defaults := NewStepSettings()
	if ss.Chat == nil {
		ss.Chat = defaults.Chat
	}
	if ss.API == nil {
		ss.API = defaults.API
	}
	if ss.API.APIKeys == nil {
		ss.API.APIKeys = map[string]string{}
	}
	if ss.API.BaseUrls == nil {
		ss.API.BaseUrls = map[string]string{}
	}
	if ss.Client == nil {
		ss.Client = defaults.Client
	}
	if ss.OpenAI == nil {
		ss.OpenAI = defaults.OpenAI
	}
	if ss.Ollama == nil {
		ss.Ollama = defaults.Ollama
	}
	if ss.Storage == nil {
		ss.Storage = defaults.Storage
	}
}

// Provider returns the configured api type, or "" if none is set.
func (ss *StepSettings) Provider() types.ApiType {
	if ss.Chat == nil || ss.Chat.ApiType == nil {
		return ""
	}
	return *ss.Chat.ApiType
}

func (ss *StepSettings) GenerationOptions() engine.GenerationOptions {
	if ss.Chat == nil {
		return engine.DefaultGenerationOptions()
	}
	return ss.Chat.GenerationOptions()
}

func (ss *StepSettings) GetMetadata() map[string]interface{} {
	metadata := make(map[string]interface{})

	if ss.Chat != nil {
		if ss.Chat.ApiType != nil {
			metadata["ai-api-type"] = string(*ss.Chat.ApiType)
		}
		if ss.Chat.Engine != nil {
			metadata["ai-engine"] = *ss.Chat.Engine
		}
		if ss.Chat.MaxNewTokens != nil {
			metadata["ai-max-new-tokens"] = *ss.Chat.MaxNewTokens
		}
		if ss.Chat.TopP != nil && *ss.Chat.TopP != 1 {
			metadata["ai-top-p"] = *ss.Chat.TopP
		}
		if ss.Chat.TopK != nil {
			metadata["ai-top-k"] = *ss.Chat.TopK
		}
		if ss.Chat.Temperature != nil {
			metadata["ai-temperature"] = *ss.Chat.Temperature
		}
		if ss.Chat.MaxContextTokens != nil {
			metadata["ai-max-context-tokens"] = *ss.Chat.MaxContextTokens
		}
		metadata["ai-stream"] = ss.Chat.Stream
	}

	if ss.OpenAI != nil {
		if ss.OpenAI.PresencePenalty != nil && *ss.OpenAI.PresencePenalty != 0 {
			metadata["openai-presence-penalty"] = *ss.OpenAI.PresencePenalty
		}
		if ss.OpenAI.FrequencyPenalty != nil && *ss.OpenAI.FrequencyPenalty != 0 {
			metadata["openai-frequency-penalty"] = *ss.OpenAI.FrequencyPenalty
		}
	}

	if ss.Client != nil && ss.Client.Timeout != nil {
		metadata["timeout"] = ss.Client.Timeout.String()
	}

	if ss.Ollama != nil {
		if ss.Ollama.Host != nil {
			metadata["ollama-host"] = *ss.Ollama.Host
		}
		if ss.Ollama.Seed != nil && *ss.Ollama.Seed != 0 {
			metadata["ollama-seed"] = *ss.Ollama.Seed
		}
	}

	return metadata
}

func (ss *StepSettings) Clone() *StepSettings {
	ret := &StepSettings{}
	if ss.Chat != nil {
		ret.Chat = ss.Chat.Clone()
	}
	if ss.API != nil {
		ret.API = ss.API.Clone()
	}
	if ss.Client != nil {
		ret.Client = ss.Client.Clone()
	}
	if ss.OpenAI != nil {
		ret.OpenAI = ss.OpenAI.Clone()
	}
	if ss.Ollama != nil {
		ret.Ollama = ss.Ollama.Clone()
	}
	if ss.Storage != nil {
		ret.Storage = ss.Storage.Clone()
	}
	return ret
}
