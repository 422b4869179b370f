package ollama

import (
	"github.com/huandu/go-clone"
)

type Settings struct {
	// Host overrides OLLAMA_HOST, e.g. http://127.0.0.1:11434.
	Host          *string  `yaml:"host,omitempty"`
	NumCtx        *int     `yaml:"num-ctx,omitempty"`
	NumGpu        *int     `yaml:"num-gpu,omitempty"`
	NumThread     *int     `yaml:"num-thread,omitempty"`
	RepeatLastN   *int     `yaml:"repeat-last-n,omitempty"`
	RepeatPenalty *float64 `yaml:"repeat-penalty,omitempty"`
	Seed          *int     `yaml:"seed,omitempty"`
	Stop          []string `yaml:"stop,omitempty"`
}

func NewSettings() *Settings {
	return &Settings{}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// Options returns the ollama runner options that are set, keyed the way the
// ollama API expects them.
func (s *Settings) Options() map[string]interface{} {
	ret := map[string]interface{}{}
	if s == nil {
		return ret
	}
	if s.NumCtx != nil {
		ret["num_ctx"] = *s.NumCtx
	}
	if s.NumGpu != nil {
		ret["num_gpu"] = *s.NumGpu
	}
	if s.NumThread != nil {
		ret["num_thread"] = *s.NumThread
	}
	if s.RepeatLastN != nil {
		ret["repeat_last_n"] = *s.RepeatLastN
	}
	if s.RepeatPenalty != nil {
		ret["repeat_penalty"] = *s.RepeatPenalty
	}
	if s.Seed != nil {
		ret["seed"] = *s.Seed
	}
	if len(s.Stop) > 0 {
		ret["stop"] = s.Stop
	}
	return ret
}
