// Package embedder wraps the Ollama embeddings API behind the narrow
// interface the memory store needs. Any transport failure, non-2xx, or
// wrong-dimension response maps to types.ErrUnavailable so callers can
// route down the FTS fallback.
package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/types"
)

// Defaults mirror a stock local Ollama install.
const (
	DefaultHost    = "http://localhost:11434"
	DefaultModel   = "mxbai-embed-large"
	DefaultTimeout = 10 * time.Second
)

// Client produces fixed-dimension embeddings.
type Client struct {
	api   *api.Client
	model string
}

// Config selects the embedder endpoint and model.
type Config struct {
	Host      string
	Model     string
	TimeoutMS int
}

// New builds a client. Zero-value config fields fall back to defaults.
func New(cfg Config) (*Client, error) {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("%w: embedder host %q: %v", types.ErrInvalid, host, err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := DefaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &Client{
		api:   api.NewClient(base, &http.Client{Timeout: timeout}),
		model: model,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Healthy probes the server by listing models.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.api.List(ctx)
	if err != nil {
		debug.Logf("swarm:embedder", "health probe failed: %v", err)
	}
	return err == nil
}

// Embed returns the 1024-dim embedding for a prompt.
func (c *Client) Embed(ctx context.Context, prompt string) ([]float32, error) {
	resp, err := c.api.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  c.model,
		Prompt: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w: %v", types.ErrUnavailable, err)
	}
	if len(resp.Embedding) != storage.VectorDim {
		return nil, fmt.Errorf("embed: %w: got %d dims, want %d",
			types.ErrUnavailable, len(resp.Embedding), storage.VectorDim)
	}
	out := make([]float32, storage.VectorDim)
	for i, v := range resp.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
