package llm

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_llm.go -package=mocks codecompass/internal/llm Generator,Embedder

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is a provider-neutral generation request.
type Prompt struct {
	// System is sent as the system instruction when non-empty.
	System string

	Messages []Message

	// MaxTokens specifies the maximum number of tokens to generate.
	// If 0, the provider default is used.
	MaxTokens int

	// Temperature controls the randomness of the output.
	// If 0, the provider default is used.
	Temperature float32
}

// UserPrompt builds a Prompt with a system instruction and one user message.
func UserPrompt(system, user string) Prompt {
	return Prompt{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: user}},
	}
}

// Generator streams completions. onChunk receives each text fragment in order;
// an error from onChunk aborts the stream and is returned.
type Generator interface {
	StreamChat(ctx context.Context, prompt Prompt, onChunk func(chunk string) error) error
}

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}
