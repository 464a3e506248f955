// Package openai implements the gateway.Provider adapter for the OpenAI API
// and for every OpenAI-compatible backend (cerebras, groq, deepseek,
// moonshot, qwen, glm, mistral, together, openrouter, vllm, lmstudio,
// llamacpp, custom, azure) whose wire format only differs in base URL,
// auth header shape, and a handful of per-call body adjustments.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/provider"
	"github.com/eugener/gandalf/internal/provider/sseutil"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

var (
	_ gateway.Provider    = (*Client)(nil)
	_ gateway.NativeProxy = (*Client)(nil)
)

// maxCompletionTokensModels matches model ids that require
// max_completion_tokens in place of max_tokens and reject temperature.
var maxCompletionTokensModels = regexp.MustCompile(`^(gpt-5|gpt-4\.1|o3|o4)`)

// Client is an OpenAI-compatible provider adapter that implements
// gateway.Provider. A zero-value hosting selects direct OpenAI semantics;
// hosting="azure" shapes the request path for Azure OpenAI deployments.
type Client struct {
	name         string
	apiKey       string
	baseURL      string
	http         *http.Client
	hosting      string // "", "azure"
	deploymentID string // Azure: deployment id substituted for model in the URL
	apiVersion   string // Azure: api-version query param
}

// New creates an OpenAI-compatible Client. name is the registered instance
// identifier. If baseURL is empty, it defaults to the OpenAI API. apiKey may
// be empty when auth is instead configured on client's transport chain (e.g.
// via cloudauth.APIKeyTransport) -- callers wiring production providers
// typically leave it empty and rely on the transport; unit tests pass it
// directly against a plain http.Client.
func New(name, apiKey, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// NewAzure creates a Client targeting an Azure OpenAI deployment. path
// requests substitute the model field for deploymentID and append
// ?api-version=apiVersion to every request URL.
func NewAzure(name, apiKey, baseURL, deploymentID, apiVersion string, client *http.Client) *Client {
	c := New(name, apiKey, baseURL, client)
	c.hosting = "azure"
	c.deploymentID = deploymentID
	c.apiVersion = apiVersion
	return c
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Type returns the wire format identifier.
func (c *Client) Type() string { return providerName }

// isAzure reports whether this client targets Azure OpenAI.
func (c *Client) isAzure() bool { return c.hosting == "azure" }

// chatURL returns the chat completions endpoint for this hosting mode.
func (c *Client) chatURL() string {
	if c.isAzure() {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			c.baseURL, c.deploymentID, c.apiVersion)
	}
	return c.baseURL + "/chat/completions"
}

// embeddingsURL returns the embeddings endpoint for this hosting mode.
func (c *Client) embeddingsURL() string {
	if c.isAzure() {
		return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
			c.baseURL, c.deploymentID, c.apiVersion)
	}
	return c.baseURL + "/embeddings"
}

// applyModelQuirks rewrites max_tokens -> max_completion_tokens and drops
// temperature for model ids that require the newer parameter shape.
func applyModelQuirks(req *gateway.ChatRequest) json.RawMessage {
	body, err := json.Marshal(req)
	if err != nil || !maxCompletionTokensModels.MatchString(req.Model) {
		return body
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(body, &m) != nil {
		return body
	}
	if mt, ok := m["max_tokens"]; ok {
		m["max_completion_tokens"] = mt
		delete(m, "max_tokens")
	}
	delete(m, "temperature")
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body := applyModelQuirks(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := provider.DoWithRetry(ctx, c.http, httpReq, provider.DefaultMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request to the OpenAI API.
// It returns a channel of StreamChunk. The raw SSE data payloads are forwarded
// as-is in StreamChunk.Data (no JSON parsing on the hot path). The channel is
// closed after sending a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	// Force stream=true and request usage in the final chunk.
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	body := applyModelQuirks(&outReq)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := provider.DoWithRetry(ctx, c.http, httpReq, provider.DefaultMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go c.readSSEStream(ctx, resp, ch)
	return ch, nil
}

// readSSEStream reads SSE lines from the response body and sends them as
// StreamChunks. It closes ch when done.
func (c *Client) readSSEStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}

		chunk := gateway.StreamChunk{Data: []byte(data)}
		// Extract usage from final chunk if present.
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("openai: read stream: %w", err)}
	}
}

// Embeddings sends an embedding request to the OpenAI API.
func (c *Client) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.embeddingsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := provider.DoWithRetry(ctx, c.http, httpReq, provider.DefaultMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out gateway.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &out, nil
}

// listModelsResponse is the envelope returned by GET /models.
type listModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the IDs of all models available from the OpenAI API.
// Azure deployments have no list-models endpoint; the configured deployment
// id is returned as the sole entry.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if c.isAzure() {
		return []string{c.deploymentID}, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := provider.DoWithRetry(ctx, c.http, httpReq, provider.DefaultMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode models response: %w", err)
	}

	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// HealthCheck verifies connectivity by listing models.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ProxyRequest forwards a raw HTTP request to the upstream API.
// It implements the gateway.NativeProxy interface.
func (c *Client) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	var setAuth func(http.Header)
	if c.apiKey != "" {
		setAuth = func(h http.Header) { h.Set("Authorization", "Bearer "+c.apiKey) }
	}
	return provider.ForwardRequest(ctx, c.http, c.baseURL, setAuth, w, r, path)
}

// setHeaders applies common headers to an outbound request. When apiKey is
// empty, auth is assumed to be handled by the client's transport chain.
func (c *Client) setHeaders(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	r.Header.Set("Content-Type", "application/json")
}
