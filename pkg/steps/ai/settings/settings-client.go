package settings

import (
	"time"

	"github.com/huandu/go-clone"
	"gopkg.in/yaml.v3"
)

type ClientSettings struct {
	Timeout      *time.Duration `yaml:"timeout,omitempty"`
	Organization *string        `yaml:"organization,omitempty"`
	UserAgent    *string        `yaml:"user_agent,omitempty"`
}

// UnmarshalYAML reads timeout as a number of seconds.
func (cs *ClientSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Timeout      *int    `yaml:"timeout,omitempty"`
		Organization *string `yaml:"organization,omitempty"`
		UserAgent    *string `yaml:"user_agent,omitempty"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Timeout != nil {
		t := time.Duration(*raw.Timeout) * time.Second
		cs.Timeout = &t
	}
	if raw.Organization != nil {
		cs.Organization = raw.Organization
	}
	if raw.UserAgent != nil {
		cs.UserAgent = raw.UserAgent
	}
	return nil
}

func (cs *ClientSettings) Clone() *ClientSettings {
	return clone.Clone(cs).(*ClientSettings)
}

func NewClientSettings() *ClientSettings {
	defaultTimeout := 60 * time.Second
	return &ClientSettings{
		Timeout: &defaultTimeout,
	}
}
