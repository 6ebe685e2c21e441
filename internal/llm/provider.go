package llm

import "strings"

// Provider names the backend that serves a model.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// Credentials carries provider keys and endpoints, already resolved by the
// configuration layer from its own keys and the conventional environment
// variables (ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENAI_BASE_URL, OLLAMA_HOST).
type Credentials struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OllamaHost      string
}

// Route picks the provider for a configured model string and returns the
// bare model name to send to it. An explicit "provider/" prefix wins. Model
// families are recognised next ("claude*" for Anthropic, "gpt-*" and the "o"
// reasoning series for OpenAI). Anything else runs on Ollama when a host is
// configured, on OpenAI when only an OpenAI key is, and on Anthropic
// otherwise.
//
//	"ollama/llama3.2"           -> ollama, "llama3.2"
//	"claude-3-5-haiku-20241022" -> anthropic, unchanged
//	"gpt-4o"                    -> openai, unchanged
func Route(model string, creds Credentials) (Provider, string) {
	if prefix, name, ok := strings.Cut(model, "/"); ok && prefix != "" {
		switch p := Provider(strings.ToLower(prefix)); p {
		case ProviderAnthropic, ProviderOllama, ProviderOpenAI:
			return p, name
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return ProviderAnthropic, model
	case strings.HasPrefix(lower, "gpt-"), isReasoningModel(lower):
		return ProviderOpenAI, model
	case creds.OllamaHost != "":
		return ProviderOllama, model
	case creds.OpenAIAPIKey != "":
		return ProviderOpenAI, model
	}
	return ProviderAnthropic, model
}

func isReasoningModel(lower string) bool {
	for _, p := range []string{"o1", "o3", "o4"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// NewClient builds the client that serves model and returns it with the
// bare model name from Route.
func NewClient(model string, creds Credentials) (Client, string) {
	provider, name := Route(model, creds)
	switch provider {
	case ProviderOllama:
		return NewOllamaClient(creds.OllamaHost), name
	case ProviderOpenAI:
		if creds.OpenAIBaseURL != "" {
			return NewOpenAICompatibleClient(creds.OpenAIBaseURL, creds.OpenAIAPIKey), name
		}
		return NewOpenAIClient(creds.OpenAIAPIKey), name
	}
	if creds.AnthropicAPIKey != "" {
		return NewAnthropicClientWithKey(creds.AnthropicAPIKey), name
	}
	return NewAnthropicClient(), name
}
