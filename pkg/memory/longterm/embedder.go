package longterm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint.
type HTTPEmbedder struct {
	apiURL string
	model  string
	client *http.Client
}

// NewHTTPEmbedder builds an HTTPEmbedder against apiURL using model.
func NewHTTPEmbedder(apiURL, model string) *HTTPEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &HTTPEmbedder{
		apiURL: apiURL,
		model:  model,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Embed converts text to a vector embedding.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{"input": text, "model": e.model})
	if err != nil {
		return nil, fmt.Errorf("longterm: marshaling embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("longterm: building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("longterm: embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("longterm: embed API returned HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("longterm: decoding embed response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("longterm: embed API returned no embeddings")
	}
	return out.Data[0].Embedding, nil
}
