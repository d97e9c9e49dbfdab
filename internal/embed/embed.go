// Package embed defines the embedding contract behind both retrievers and an
// HTTP implementation for OpenAI-compatible endpoints. The engine does not
// prescribe the embedding model.
package embed

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"resty.dev/v3"
)

// Embedder encodes texts into vectors. Implementations must return one vector
// per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ClientConfig points the HTTP embedder at an OpenAI-compatible endpoint.
type ClientConfig struct {
	Endpoint  string
	Model     string
	APIKeyEnv string
}

// Client is an Embedder over an OpenAI-compatible embeddings API.
type Client struct {
	http  *resty.Client
	model string
}

// NewClient builds the HTTP embedder.
func NewClient(cfg ClientConfig) *Client {
	c := resty.New().SetBaseURL(cfg.Endpoint)
	if cfg.APIKeyEnv != "" {
		if key := os.Getenv(cfg.APIKeyEnv); key != "" {
			c.SetAuthToken(key)
		}
	}
	return &Client{http: c, model: cfg.Model}
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.http.Close()
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Embedder.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	var out embedResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: c.model, Input: texts}).
		SetResult(&out).
		Post("/embeddings")
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("embed: status %d", resp.StatusCode())
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d inputs", len(out.Data), len(texts))
	}
	vecs := make([][]float64, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embed: vector index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
