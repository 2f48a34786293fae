package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrClientUnavailable = errors.New("chat completion client unavailable")

const ResponseFormatJSONObject = "json_object"

const maxErrorBody = 700

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model          string
	Messages       []ChatMessage
	Temperature    float64
	MaxTokens      int
	ResponseFormat string
}

type CompletionResult struct {
	Content string
	// ModelID is the model the provider reports, or the requested one.
	ModelID string
	Usage   TokenUsage
}

// ChatCompleter is the text-completion service the generative allocator talks to.
type ChatCompleter interface {
	Complete(ctx context.Context, request CompletionRequest) (CompletionResult, error)
	Available() bool
}

type ChatClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	SiteURL    string
	AppName    string
}

// ChatClient speaks the OpenAI-compatible chat/completions protocol. It works
// against OpenAI and OpenRouter alike; only the base URL changes.
type ChatClient struct {
	endpoint   string
	headers    http.Header
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewChatClient(config ChatClientConfig) *ChatClient {
	baseURL := strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	client := &ChatClient{
		endpoint:   baseURL + "/chat/completions",
		headers:    http.Header{},
		timeout:    config.Timeout,
		maxRetries: max(config.MaxRetries, 0),
		httpClient: config.HTTPClient,
	}
	if client.timeout <= 0 {
		client.timeout = 30 * time.Second
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}

	if apiKey := strings.TrimSpace(config.APIKey); apiKey != "" {
		client.headers.Set("Authorization", "Bearer "+apiKey)
	}
	client.headers.Set("Content-Type", "application/json")
	client.headers.Set("Accept", "application/json")
	// OpenRouter attribution headers.
	if siteURL := strings.TrimSpace(config.SiteURL); siteURL != "" {
		client.headers.Set("HTTP-Referer", siteURL)
	}
	if appName := strings.TrimSpace(config.AppName); appName != "" {
		client.headers.Set("X-Title", appName)
	}
	return client
}

func (c *ChatClient) Available() bool {
	return c.headers.Get("Authorization") != ""
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequestBody struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponseBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends one chat completion, retrying server-side failures with a
// linear backoff up to MaxRetries extra attempts.
func (c *ChatClient) Complete(ctx context.Context, request CompletionRequest) (CompletionResult, error) {
	if !c.Available() {
		return CompletionResult{}, ErrClientUnavailable
	}
	if strings.TrimSpace(request.Model) == "" {
		return CompletionResult{}, errors.New("model is required")
	}
	if len(request.Messages) == 0 {
		return CompletionResult{}, errors.New("at least one message is required")
	}

	body := chatRequestBody{
		Model:       request.Model,
		Messages:    request.Messages,
		Temperature: request.Temperature,
		MaxTokens:   request.MaxTokens,
	}
	if request.ResponseFormat != "" {
		body.ResponseFormat = &responseFormat{Type: request.ResponseFormat}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	attempt := 0
	for {
		result, err := c.send(ctx, payload)
		if err == nil {
			if result.ModelID == "" {
				result.ModelID = request.Model
			}
			return result, nil
		}
		if attempt >= c.maxRetries || !retryable(err) {
			return CompletionResult{}, err
		}
		attempt++

		backoff := time.NewTimer(time.Duration(attempt) * 350 * time.Millisecond)
		select {
		case <-ctx.Done():
			backoff.Stop()
			return CompletionResult{}, ctx.Err()
		case <-backoff.C:
		}
	}
}

func (c *ChatClient) send(ctx context.Context, payload []byte) (CompletionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return CompletionResult{}, fmt.Errorf("create chat request: %w", err)
	}
	httpRequest.Header = c.headers.Clone()

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return CompletionResult{}, fmt.Errorf("chat completion timeout: %w", err)
		}
		return CompletionResult{}, fmt.Errorf("chat completion transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("read chat body: %w", err)
	}
	if httpResponse.StatusCode/100 != 2 {
		message := strings.TrimSpace(string(raw))
		if len(message) > maxErrorBody {
			message = message[:maxErrorBody]
		}
		return CompletionResult{}, &ProviderHTTPError{StatusCode: httpResponse.StatusCode, Message: message}
	}

	var decoded chatResponseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return CompletionResult{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return CompletionResult{}, errors.New("chat response without choices")
	}
	content := messageText(decoded.Choices[0].Message.Content)
	if content == "" {
		return CompletionResult{}, errors.New("chat response without message content")
	}

	return CompletionResult{
		Content: content,
		ModelID: strings.TrimSpace(decoded.Model),
		Usage: TokenUsage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		},
	}, nil
}

// messageText reads either a plain string or an array of text parts.
func messageText(content json.RawMessage) string {
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		if line := strings.TrimSpace(part.Text); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

type ProviderHTTPError struct {
	StatusCode int
	Message    string
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("chat completion status %d: %s", e.StatusCode, e.Message)
}

// retryable reports provider 5xx responses and temporary network failures.
func retryable(err error) bool {
	var httpErr *ProviderHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= http.StatusInternalServerError
	}
	return strings.Contains(strings.ToLower(err.Error()), "tempor")
}
