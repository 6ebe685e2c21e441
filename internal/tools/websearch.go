package tools

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
	"unicode/utf8"

	"github.com/szaher/aida/internal/llm"
)

// Searcher answers a free-text web query.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Web search defaults.
const (
	DefaultSearchURL      = "https://api.perplexity.ai/chat/completions"
	DefaultSearchModel    = "sonar"
	DefaultSearchMaxChars = 1000
	DefaultSearchRetries  = 3

	maxSearchResponse int64 = 1 << 20
	maxCitations            = 3
)

// WebSearch is the web_search tool.
type WebSearch struct {
	searcher Searcher
	maxChars int
}

// NewWebSearch creates the tool. Results longer than maxChars runes are cut
// and suffixed with "...".
func NewWebSearch(s Searcher, maxChars int) *WebSearch {
	if maxChars <= 0 {
		maxChars = DefaultSearchMaxChars
	}
	return &WebSearch{searcher: s, maxChars: maxChars}
}

// Definition implements Tool.
func (w *WebSearch) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: "web_search",
		Description: "Search the web for current information such as weather, news, events or prices. " +
			"Use only when the answer depends on recent or time-sensitive facts.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "A specific, focused search query for current information",
					"minLength":   1,
				},
			},
			"required": []interface{}{"query"},
		},
	}
}

// Validate implements Tool.
func (w *WebSearch) Validate(args map[string]interface{}) error {
	return ValidateSchema(w.Definition().InputSchema, args)
}

// Invoke implements Tool.
func (w *WebSearch) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	query, _ := args["query"].(string)
	out, err := w.searcher.Search(ctx, strings.TrimSpace(query))
	if err != nil {
		return "", err
	}
	return truncate(out, w.maxChars), nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

// PerplexityConfig configures a PerplexitySearcher.
type PerplexityConfig struct {
	APIKey  string
	URL     string
	Model   string
	Timeout time.Duration
	// Retries is the total number of attempts for transport errors, 429
	// and 5xx responses.
	Retries int
	// Backoff is the base delay; attempt n waits n*Backoff.
	Backoff time.Duration
	// SafeTransport refuses connections to private and loopback addresses.
	SafeTransport bool
}

// PerplexitySearcher searches through Perplexity's chat-completions API.
type PerplexitySearcher struct {
	cfg    PerplexityConfig
	client *http.Client
}

// NewPerplexitySearcher creates a searcher, filling config defaults.
func NewPerplexitySearcher(cfg PerplexityConfig) *PerplexitySearcher {
	if cfg.URL == "" {
		cfg.URL = DefaultSearchURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultSearchModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultSearchRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.SafeTransport {
		client.Transport = NewSafeTransport()
	}
	return &PerplexitySearcher{cfg: cfg, client: client}
}

type perplexityRequest struct {
	Model    string              `json:"model"`
	Messages []perplexityMessage `json:"messages"`
}

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityResponse struct {
	Choices []struct {
		Message perplexityMessage `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// retryableError marks failures worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Search implements Searcher.
func (p *PerplexitySearcher) Search(ctx context.Context, query string) (string, error) {
	if p.cfg.APIKey == "" {
		return "", errors.New("web search: no API key configured")
	}
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Retries; attempt++ {
		out, err := p.once(ctx, query)
		if err == nil {
			return out, nil
		}
		lastErr = err
		var retry *retryableError
		if !errors.As(err, &retry) || attempt == p.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * p.cfg.Backoff):
		}
	}
	return "", fmt.Errorf("web search: %w", lastErr)
}

func (p *PerplexitySearcher) once(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(perplexityRequest{
		Model:    p.cfg.Model,
		Messages: []perplexityMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, _, err := ReadBody(resp.Body, maxSearchResponse)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", &retryableError{err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed perplexityResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", errors.New("empty search result")
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(parsed.Choices[0].Message.Content))
	for i, url := range parsed.Citations {
		if i == maxCitations {
			break
		}
		if i == 0 {
			b.WriteString("\n\nSources:")
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, url)
	}
	return b.String(), nil
}

// ReadBody reads body up to limit bytes and reports whether it was cut.
func ReadBody(body io.Reader, limit int64) ([]byte, bool, error) {
	lr := io.LimitReader(body, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
