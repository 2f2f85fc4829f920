package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

type Config struct {
	Debug   bool
	Token   string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	client *openai.Client
	model  string
	debug  bool
}

func New(cfg *Config) *Client {
	c := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		c.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c.HTTPClient = &http.Client{Timeout: timeout}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		client: openai.NewClientWithConfig(c),
		model:  model,
		debug:  cfg.Debug,
	}
}

// Chat sends a single system + user exchange and returns the answer text.
func (c *Client) Chat(ctx context.Context, system, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.8,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if c.debug {
		log.Debug().Str("model", c.model).Msgf("openai: chat %q", prompt)
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai: couldn't create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices returned")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("openai: empty response")
	}
	return content, nil
}
