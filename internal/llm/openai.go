package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIEmbedder generates embeddings with the official OpenAI SDK. SDK
// retries are disabled; throttling surfaces as *errs.ThrottleError.
type OpenAIEmbedder struct {
	client       openai.Client
	model        string
	expectedSize int
}

// NewOpenAIEmbedder creates an embedder for model. baseURL may be empty.
func NewOpenAIEmbedder(apiKey, baseURL, model string, expectedSize int) *OpenAIEmbedder {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEmbedder{
		client:       openai.NewClient(opts...),
		model:        model,
		expectedSize: expectedSize,
	}
}

// EmbedTexts embeds texts in one request, returning vectors in input order.
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("empty input array")
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, openaiError(err)
	}

	data := make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(data) || data[d.Index] != nil {
			return nil, fmt.Errorf("embedding response has invalid index %d", d.Index)
		}
		data[d.Index] = d.Embedding
	}
	return toFloat32(data, len(texts), e.expectedSize)
}

func openaiError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var h http.Header
		if apiErr.Response != nil {
			h = apiErr.Response.Header
		}
		return throttleIfLimited(apiErr.StatusCode, h, fmt.Errorf("failed to generate embeddings: %w", err))
	}
	return fmt.Errorf("failed to generate embeddings: %w", err)
}
