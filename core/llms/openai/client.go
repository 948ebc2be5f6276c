package openai

import (
	"os"
)

const (
	defaultURL   = "https://api.openai.com/v1/chat/completions"
	defaultModel = "gpt-4o-mini"

	endMessage  = "[DONE]"
	chunkPrefix = "data:"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

func New(opts ...Option) *Client {
	client := &Client{
		apiKey:  os.Getenv("OPENAI_API_KEY"),
		model:   defaultModel,
		baseURL: defaultURL,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type Option func(*Client)

func WithAPIKey(apiKey string) Option {
	return func(c *Client) { c.apiKey = apiKey }
}

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL points the client at a different OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}
