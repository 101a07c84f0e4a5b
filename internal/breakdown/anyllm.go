package breakdown

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
)

const decomposeSystemPrompt = "You are a planning assistant. " +
	"Respond with a JSON array of short strings and nothing else."

const decomposeTemperature = 0.4

// defaultOllamaBaseURL matches the any-llm-go ollama default.
const defaultOllamaBaseURL = "http://localhost:11434"

func decomposePrompt(title string) string {
	return fmt.Sprintf(
		"Break down the task %q into 3 to 5 smaller, actionable sub-steps. "+
			"Return a JSON array of strings.", title)
}

// Client decomposes tasks through an any-llm-go backend.
type Client struct {
	backend  anyllmlib.Provider
	model    string
	provider string

	// Ollama only: base URL for the model availability probe.
	probeURL  string
	probeOnce sync.Once
	probeHit  bool
}

var _ Decomposer = (*Client)(nil)

// NewOllama returns a local decomposer backed by an Ollama server. An empty
// baseURL uses the any-llm-go default (http://localhost:11434).
func NewOllama(model, baseURL string) (*Client, error) {
	if model == "" {
		return nil, fmt.Errorf("breakdown: ollama model must not be empty")
	}
	var opts []anyllmlib.Option
	probeURL := defaultOllamaBaseURL
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
		probeURL = baseURL
	}
	backend, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("breakdown: create ollama backend: %w", err)
	}
	return &Client{
		backend:  backend,
		model:    model,
		provider: ProviderLocal,
		probeURL: probeURL,
	}, nil
}

// NewGemini returns a cloud decomposer backed by Google Gemini. An empty
// apiKey falls back to the GEMINI_API_KEY or GOOGLE_API_KEY environment
// variable.
func NewGemini(model, apiKey string) (*Client, error) {
	if model == "" {
		return nil, fmt.Errorf("breakdown: gemini model must not be empty")
	}
	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	backend, err := gemini.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("breakdown: create gemini backend: %w", err)
	}
	return &Client{backend: backend, model: model, provider: ProviderCloud}, nil
}

// Provider implements Decomposer.
func (c *Client) Provider() string { return c.provider }

// Decompose implements Decomposer.
func (c *Client) Decompose(ctx context.Context, title string) ([]string, error) {
	temp := decomposeTemperature
	params := anyllmlib.CompletionParams{
		Model: c.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: decomposeSystemPrompt},
			{Role: anyllmlib.RoleUser, Content: decomposePrompt(title)},
		},
		Temperature: &temp,
	}

	resp, err := c.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("breakdown: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("breakdown: empty choices in response")
	}
	return ExtractSteps(resp.Choices[0].Message.ContentString())
}

// Downloading probes the Ollama tag list and reports whether the configured
// model is not yet present locally. Only the first decomposition probes; a
// missing server or a failed probe reads as not downloading.
func (c *Client) Downloading(ctx context.Context) bool {
	if c.provider != ProviderLocal || c.probeURL == "" {
		return false
	}
	c.probeOnce.Do(func() {
		c.probeHit = !c.modelPresent(ctx)
	})
	return c.probeHit
}

func (c *Client) modelPresent(ctx context.Context) bool {
	endpoint, err := url.JoinPath(c.probeURL, "/api/tags")
	if err != nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return true
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return true
	}
	for _, m := range tags.Models {
		if m.Name == c.model || strings.TrimSuffix(m.Name, ":latest") == c.model {
			return true
		}
	}
	return false
}
