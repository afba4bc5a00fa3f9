// Package llm is a small OpenAI-compatible chat-completions client used by the
// natural-language extraction service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ChatCompleter is the interface the extraction service consumes; tests
// substitute a stub.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *logrus.Logger
}

var _ ChatCompleter = (*Client)(nil)

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Complete sends one chat request and returns the first choice's content.
// Transient upstream failures (5xx, 429, network errors) are retried with a
// short backoff up to MaxRetries.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	request := ChatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			c.logger.Debugf("LLM request retry %d/%d", attempt, c.config.MaxRetries)
		}

		content, retryable, err := c.doChat(ctx, &request)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", fmt.Errorf("llm request failed after %d retries: %w", c.config.MaxRetries, lastErr)
}

func (c *Client) doChat(ctx context.Context, request *ChatRequest) (content string, retryable bool, err error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", false, fmt.Errorf("marshal request body: %w", err)
	}

	url := c.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("LLM API response: %d (%d bytes)", resp.StatusCode, len(respBody))

	if resp.StatusCode >= 400 {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		var parsed ChatResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != nil {
			return "", retry, fmt.Errorf("API error [%d]: %s (%s)", resp.StatusCode, parsed.Error.Message, parsed.Error.Type)
		}
		return "", retry, fmt.Errorf("API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var parsed ChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if parsed.Content() == "" {
		return "", false, fmt.Errorf("empty completion response")
	}
	return parsed.Content(), false, nil
}
