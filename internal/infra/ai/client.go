// Package ai generates meeting summaries through an OpenAI-compatible chat
// completions endpoint.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	requestTimeout = 90 * time.Second
	maxBodySize    = 4 << 20 // 4 MB
)

// Config configures the completion client.
type Config struct {
	BaseURL            string
	Model              string
	APIKey             string
	MaxTranscriptChars int
}

// Client implements domain.Generator.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a completion client. It returns nil when no API key is
// configured.
func NewClient(cfg Config) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTranscriptChars <= 0 {
		cfg.MaxTranscriptChars = DefaultMaxTranscriptChars
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: requestTimeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate summarizes content. prompt, when non-empty, replaces the default
// summarization instructions. A transcript that is empty after cleaning is
// answered without calling the model.
func (c *Client) Generate(ctx context.Context, content, prompt string) (string, error) {
	cleaned := CleanTranscript(content)
	if strings.TrimSpace(cleaned) == "" {
		log.Info().Msg("transcript empty after cleaning, skipping model call")
		return EmptyTranscriptSummary, nil
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: BuildPrompt(cleaned, prompt, c.cfg.MaxTranscriptChars)}},
	})
	if err != nil {
		return "", fmt.Errorf("ai: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ai: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ai: request failed: %v: %w", err, domain.ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("ai: reading response: %v: %w", err, domain.ErrTransient)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classify(resp.StatusCode, raw)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("ai: parsing response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("ai: empty response")
	}
	choice := out.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", domain.ErrContentFilter
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", fmt.Errorf("ai: empty response")
	}
	return text, nil
}

func classify(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("ai: %s: %w", msg, domain.ErrRateLimited)
	case ae.Error.Code == "content_filter" || ae.Error.Code == "content_policy_violation":
		return fmt.Errorf("ai: %s: %w", msg, domain.ErrContentFilter)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("ai: invalid API key configuration: %s", msg)
	case status >= 500:
		return fmt.Errorf("ai: status %d: %s: %w", status, msg, domain.ErrTransient)
	default:
		return fmt.Errorf("ai: status %d: %s", status, msg)
	}
}

// Disabled is the generator used when no API key is configured. Every call
// fails, so summary jobs end as failed rather than waiting forever.
type Disabled struct{}

// Generate always returns domain.ErrNotConfigured.
func (Disabled) Generate(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("ai: %w", domain.ErrNotConfigured)
}
