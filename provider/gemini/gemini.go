// Package gemini adapts the Gemini generateContent API to quotagate.Generator.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ineyio/quotagate"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"
)

// Generator is the Gemini API adapter.
type Generator struct {
	baseURL     string
	httpClient  *http.Client
	apiKey      string
	model       string
	system      string
	temperature *float64
	maxTokens   *int
}

var _ quotagate.Generator = (*Generator)(nil)

// Option configures the generator.
type Option func(*Generator)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(g *Generator) { g.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generator) { g.httpClient = c }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(g *Generator) { g.model = model }
}

// WithSystemInstruction sets a system prompt sent with every request.
func WithSystemInstruction(text string) Option {
	return func(g *Generator) { g.system = text }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(g *Generator) { g.temperature = &t }
}

// WithMaxOutputTokens caps the response length.
func WithMaxOutputTokens(n int) Option {
	return func(g *Generator) { g.maxTokens = &n }
}

// New creates a new Gemini generator.
func New(apiKey string, opts ...Option) *Generator {
	g := &Generator{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		apiKey:     apiKey,
		model:      defaultModel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FromConfig creates a generator from the generator config section.
func FromConfig(cfg quotagate.GeneratorConfig) *Generator {
	opts := []Option{WithHTTPClient(&http.Client{Timeout: cfg.Timeout})}
	if cfg.Model != "" {
		opts = append(opts, WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.SystemInstruction != "" {
		opts = append(opts, WithSystemInstruction(cfg.SystemInstruction))
	}
	if cfg.Temperature != nil {
		opts = append(opts, WithTemperature(*cfg.Temperature))
	}
	if cfg.MaxOutputTokens > 0 {
		opts = append(opts, WithMaxOutputTokens(cfg.MaxOutputTokens))
	}
	return New(cfg.APIKey, opts...)
}

func (g *Generator) Name() string { return "gemini" }

// Gemini API types.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Complete sends prompt as a single user turn and returns the concatenated
// text of the first candidate.
func (g *Generator) Complete(ctx context.Context, prompt string) (string, error) {
	body := g.buildRequest(prompt)
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, url.QueryEscape(g.apiKey))

	httpResp, err := g.doRequest(ctx, endpoint, body)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("%w: decode gemini response: %v", quotagate.ErrGeneratorUnavailable, err)
	}

	if resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked: %s", quotagate.ErrInvalidRequest, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: empty candidates in gemini response", quotagate.ErrGeneratorUnavailable)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

func (g *Generator) buildRequest(prompt string) geminiRequest {
	gr := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: prompt}},
		}},
	}

	if g.system != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: g.system}}}
	}

	if g.temperature != nil || g.maxTokens != nil {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:     g.temperature,
			MaxOutputTokens: g.maxTokens,
		}
	}

	return gr
}

func (g *Generator) doRequest(ctx context.Context, endpoint string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("quotagate/gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("quotagate/gemini: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", quotagate.ErrGeneratorUnavailable, ctx.Err())
		}
		return nil, quotagate.ErrGeneratorUnavailable
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return quotagate.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return quotagate.ErrGeneratorAuth
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", quotagate.ErrInvalidRequest, string(body))
	default:
		return quotagate.ErrGeneratorUnavailable
	}
}
