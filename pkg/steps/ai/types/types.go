package types

type ApiType string

const (
	ApiTypeOpenAI    ApiType = "openai"
	ApiTypeAnyScale  ApiType = "anyscale"
	ApiTypeFireworks ApiType = "fireworks"
	// ApiTypeOllama talks to a local ollama server.
	ApiTypeOllama ApiType = "ollama"
	// ApiTypeEcho replays canned output without any model.
	ApiTypeEcho ApiType = "echo"
)

// IsOpenAICompatible reports whether the provider speaks the OpenAI chat
// completion protocol.
func (a ApiType) IsOpenAICompatible() bool {
	switch a {
	case ApiTypeOpenAI, ApiTypeAnyScale, ApiTypeFireworks:
		return true
	default:
		return false
	}
}
