package engine

import (
	"github.com/go-go-golems/palaver/pkg/events"
)

const (
	DefaultTemperature  = 0.7
	DefaultMaxNewTokens = 512
	DefaultTopP         = 0.9
	DefaultTopK         = 50
)

// GenerationOptions are the sampling parameters passed with every request.
// Backends that lack a parameter (for example top_k on OpenAI) ignore it.
type GenerationOptions struct {
	Temperature  float64 `json:"temperature" yaml:"temperature"`
	MaxNewTokens int     `json:"max_new_tokens" yaml:"max_new_tokens"`
	TopP         float64 `json:"top_p" yaml:"top_p"`
	TopK         int     `json:"top_k" yaml:"top_k"`
}

func DefaultGenerationOptions() GenerationOptions {
	return GenerationOptions{
		Temperature:  DefaultTemperature,
		MaxNewTokens: DefaultMaxNewTokens,
		TopP:         DefaultTopP,
		TopK:         DefaultTopK,
	}
}

func (o GenerationOptions) Validate() error {
	if o.Temperature <= 0 {
		return &ValidationError{Field: "temperature", Reason: "must be > 0"}
	}
	if o.MaxNewTokens <= 0 {
		return &ValidationError{Field: "max_new_tokens", Reason: "must be > 0"}
	}
	if o.TopP <= 0 || o.TopP > 1 {
		return &ValidationError{Field: "top_p", Reason: "must be in (0, 1]"}
	}
	if o.TopK < 0 {
		return &ValidationError{Field: "top_k", Reason: "must be >= 0"}
	}
	return nil
}

// Option configures an engine at construction time.
type Option func(*Config) error

type Config struct {
	// EventSinks receive the events a backend publishes on its own, in the
	// order they were added.
	EventSinks []events.EventSink
}

func NewConfig() *Config {
	return &Config{
		EventSinks: make([]events.EventSink, 0),
	}
}

func WithSink(sink events.EventSink) Option {
	return func(c *Config) error {
		c.EventSinks = append(c.EventSinks, sink)
		return nil
	}
}

func ApplyOptions(config *Config, options ...Option) error {
	for _, option := range options {
		if err := option(config); err != nil {
			return err
		}
	}
	return nil
}
