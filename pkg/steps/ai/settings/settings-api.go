package settings

import (
	"github.com/huandu/go-clone"
)

// APISettings holds provider credentials and endpoints, keyed by
// "<provider>-api-key" and "<provider>-base-url".
type APISettings struct {
	APIKeys  map[string]string `yaml:"api_keys,omitempty"`
	BaseUrls map[string]string `yaml:"base_urls,omitempty"`
}

func NewAPISettings() *APISettings {
	return &APISettings{
		APIKeys:  map[string]string{},
		BaseUrls: map[string]string{},
	}
}

func (s *APISettings) Clone() *APISettings {
	return clone.Clone(s).(*APISettings)
}

func (s *APISettings) APIKey(provider string) (string, bool) {
	v, ok := s.APIKeys[provider+"-api-key"]
	return v, ok && v != ""
}

func (s *APISettings) BaseURL(provider string) (string, bool) {
	v, ok := s.BaseUrls[provider+"-base-url"]
	return v, ok && v != ""
}
