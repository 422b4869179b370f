package openai

import (
	"github.com/huandu/go-clone"
)

type Settings struct {
	PresencePenalty  *float64 `yaml:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty,omitempty"`
	Stop             []string `yaml:"stop,omitempty"`
	User             *string  `yaml:"user,omitempty"`
}

func NewSettings() *Settings {
	return &Settings{
		Stop: []string{},
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}
