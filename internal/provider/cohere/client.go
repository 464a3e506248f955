// Package cohere implements the gateway.Provider adapter for the Cohere API.
// It targets the v1 /chat endpoint (chat_history + preamble shape) rather
// than the newer v2 /chat endpoint, since v1 remains the broadest-compatible
// surface across Cohere's currently deployed model family.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/provider"
)

const (
	defaultBaseURL = "https://api.cohere.com/v1"
	providerName   = "cohere"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a Cohere provider adapter that implements gateway.Provider.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates a Cohere Client. name is the registered instance identifier.
// If baseURL is empty, it defaults to the Cohere API. Auth is expected on
// client's transport chain (cloudauth.APIKeyTransport with the Authorization
// header).
func New(name, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Type returns the wire format identifier.
func (c *Client) Type() string { return providerName }

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
}

// ChatCompletion sends a non-streaming chat request to the Cohere /chat endpoint.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	cReq := translateRequest(req, false)

	body, err := json.Marshal(cReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := provider.DoWithRetry(ctx, c.http, httpReq, provider.DefaultMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("cohere: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}

	return translateResponse(respBody, req.Model)
}

// ChatCompletionStream sends a streaming chat request to the Cohere /chat endpoint.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	cReq := translateRequest(req, true)

	body, err := json.Marshal(cReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := provider.DoWithRetry(ctx, c.http, httpReq, provider.DefaultMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("cohere: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, req.Model)
	return ch, nil
}

// Embeddings sends an embedding request to the Cohere /embed endpoint.
func (c *Client) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	var texts []string
	var single string
	if err := json.Unmarshal(req.Input, &single); err == nil {
		texts = []string{single}
	} else if err := json.Unmarshal(req.Input, &texts); err != nil {
		return nil, fmt.Errorf("cohere: unsupported input format: %w", err)
	}

	cReq := map[string]any{
		"model":      req.Model,
		"texts":      texts,
		"input_type": "search_document",
		"truncate":   "END",
	}

	body, err := json.Marshal(cReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := provider.DoWithRetry(ctx, c.http, httpReq, provider.DefaultMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("cohere: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}

	r := gjson.ParseBytes(respBody)
	var out []map[string]any
	r.Get("embeddings").ForEach(func(i, emb gjson.Result) bool {
		out = append(out, map[string]any{
			"object":    "embedding",
			"index":     int(i.Int()),
			"embedding": json.RawMessage(emb.Raw),
		})
		return true
	})
	data, _ := json.Marshal(out)

	return &gateway.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
	}, nil
}

// listModelsResponse is the envelope returned by GET /models.
type listModelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns model IDs available from the Cohere API.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := provider.DoWithRetry(ctx, c.http, httpReq, provider.DefaultMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("cohere: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("cohere: decode models response: %w", err)
	}

	ids := make([]string, len(out.Models))
	for i, m := range out.Models {
		ids[i] = m.Name
	}
	return ids, nil
}

// HealthCheck verifies connectivity by listing models.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}
