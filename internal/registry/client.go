package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/learnloop/aidispatch/pkg/types"
)

// InvokeRequest is the unified outbound call shape handed to a provider
// client.
type InvokeRequest struct {
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// InvokeResult is what a provider returned for one attempt.
type InvokeResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Client performs a single model invocation against one provider.
type Client interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error)
}

// connection config keys recognized by NewClient.
const (
	cfgBaseURL = "base_url"
	cfgAPIKey  = "api_key"
	cfgMode    = "mode"
)

var defaultBaseURLs = map[types.Vendor]string{
	types.VendorOpenAI:  "https://api.openai.com/v1",
	types.VendorGroq:    "https://api.groq.com/openai/v1",
	types.VendorMistral: "https://api.mistral.ai/v1",
	types.VendorOllama:  "http://localhost:11434/v1",
}

// NewClient builds a Client for the provider's vendor. OpenAI-compatible
// vendors share one adapter; Anthropic has its own wire format. Vendors
// without a native adapter (google, azure, bedrock) require an explicit
// base_url pointing at an OpenAI-compatible endpoint. Setting
// connectionConfig.mode to "stub" returns a canned local client.
func NewClient(p *types.Provider, httpc *http.Client) (Client, error) {
	if httpc == nil {
		httpc = &http.Client{Timeout: 60 * time.Second}
	}
	cfg := p.ConnectionConfig
	if cfg[cfgMode] == "stub" {
		return &StubClient{ProviderName: p.Name}, nil
	}

	if p.Vendor == types.VendorAnthropic {
		base := cfg[cfgBaseURL]
		if base == "" {
			base = "https://api.anthropic.com"
		}
		return &anthropicClient{baseURL: base, apiKey: cfg[cfgAPIKey], httpc: httpc}, nil
	}

	base := cfg[cfgBaseURL]
	if base == "" {
		base = defaultBaseURLs[p.Vendor]
	}
	if base == "" {
		return nil, fmt.Errorf("provider %s: vendor %s requires connectionConfig.base_url", p.ID, p.Vendor)
	}
	return &openAIClient{baseURL: base, apiKey: cfg[cfgAPIKey], httpc: httpc}, nil
}

// openAIClient speaks the OpenAI chat completions wire format, which most
// vendors expose natively or behind a compatibility endpoint.
type openAIClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error) {
	payload := chatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp.StatusCode, raw)
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("upstream returned no choices")
	}

	return &InvokeResult{
		Content:      out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// upstreamError keeps the HTTP status code in the message so the executor
// can classify retryability from the text.
func upstreamError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limit exceeded (%d): %s", status, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("upstream 503: %s", msg)
	case http.StatusBadGateway:
		return fmt.Errorf("upstream 502: %s", msg)
	case http.StatusInternalServerError:
		return fmt.Errorf("upstream 500: %s", msg)
	default:
		return fmt.Errorf("upstream status %d: %s", status, msg)
	}
}

// anthropicClient speaks the Anthropic messages wire format.
type anthropicClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *anthropicClient) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := anthropicRequest{
		Model:     req.Model,
		System:    req.SystemPrompt,
		Messages:  []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp.StatusCode, raw)
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &InvokeResult{
		Content:      text.String(),
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

// StubClient returns canned completions without touching the network.
// Used in tests and local runs without provider credentials.
type StubClient struct {
	ProviderName string
}

func (c *StubClient) Invoke(_ context.Context, req *InvokeRequest) (*InvokeResult, error) {
	content := fmt.Sprintf("[%s/%s] %s", c.ProviderName, req.Model, req.Prompt)
	return &InvokeResult{
		Content:      content,
		InputTokens:  (len(req.Prompt) + len(req.SystemPrompt)) / 4,
		OutputTokens: len(content) / 4,
	}, nil
}
