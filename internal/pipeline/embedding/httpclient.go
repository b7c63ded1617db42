package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// openAIEmbeddingsURL is the default endpoint for the "openai" provider.
// The "huggingface" provider points the same client at a locally hosted
// OpenAI-compatible embed server (text-embeddings-inference, llama
// server, etc.) via embedding.base_url.
const openAIEmbeddingsURL = "https://api.openai.com/v1/embeddings"

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// HTTPEmbedClient is the concrete RawEmbedClient for both remote
// providers: one POST per batch against an OpenAI-compatible
// /v1/embeddings endpoint, bearer auth when a key is present. Rate
// limits and server errors come back as RetryableError so the provider's
// backoff loop retries them; 4xx responses are permanent.
type HTTPEmbedClient struct {
	URL     string
	Model   string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

// NewOpenAIEmbedClient builds a client against api.openai.com using
// OPENAI_API_KEY from the environment.
func NewOpenAIEmbedClient(model string) *HTTPEmbedClient {
	return &HTTPEmbedClient{
		URL:    openAIEmbeddingsURL,
		Model:  model,
		APIKey: os.Getenv("OPENAI_API_KEY"),
	}
}

// NewServerEmbedClient builds a client against a self-hosted embedding
// server at baseURL, used by the "huggingface" provider. No auth header
// is sent unless HF_API_KEY is set.
func NewServerEmbedClient(baseURL, model string) *HTTPEmbedClient {
	return &HTTPEmbedClient{
		URL:    baseURL,
		Model:  model,
		APIKey: os.Getenv("HF_API_KEY"),
	}
}

func (c *HTTPEmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("embedding endpoint url is empty")
	}
	body, err := json.Marshal(embedRequest{Model: c.Model, Input: texts})
	if err != nil {
		return nil, err
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &RetryableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &RetryableError{Err: fmt.Errorf("embeddings error: %s: %s", resp.Status, string(b))}
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings error: %s: %s", resp.Status, string(b))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected embedding count: got %d, want %d", len(er.Data), len(texts))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

var _ RawEmbedClient = (*HTTPEmbedClient)(nil)
