package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LLMInferenceData holds the sampling parameters a generation was run with.
type LLMInferenceData struct {
	Engine       string   `json:"engine,omitempty" yaml:"engine,omitempty"`
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK         *int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	MaxNewTokens *int     `json:"max_new_tokens,omitempty" yaml:"max_new_tokens,omitempty"`
	DurationMs   *int64   `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

type EventMetadata struct {
	LLMInferenceData
	ID          uuid.UUID `json:"message_id" yaml:"message_id"`
	SessionID   int64     `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	InferenceID string    `json:"inference_id,omitempty" yaml:"inference_id,omitempty"`
	// Extra carries caller-specific values
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.SessionID != 0 {
		e.Int64("session_id", em.SessionID)
	}
	if em.InferenceID != "" {
		e.Str("inference_id", em.InferenceID)
	}
	if em.Engine != "" {
		e.Str("engine", em.Engine)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.Temperature != nil {
		e.Float64("temperature", *em.Temperature)
	}
	if em.TopP != nil {
		e.Float64("top_p", *em.TopP)
	}
	if em.TopK != nil {
		e.Int("top_k", *em.TopK)
	}
	if em.MaxNewTokens != nil {
		e.Int("max_new_tokens", *em.MaxNewTokens)
	}
	if em.DurationMs != nil {
		e.Int64("duration_ms", *em.DurationMs)
	}
}
