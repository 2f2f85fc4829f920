package suno

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/createtree2017/createtree/pkg/ratelimit"
	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL = "https://api.sunoapi.org/api/v1"
	defaultModel   = "V4_5"
)

type Client struct {
	client      *http.Client
	debug       bool
	ratelimit   ratelimit.Lock
	baseURL     string
	token       string
	model       string
	callbackURL string
}

type Config struct {
	BaseURL     string
	Token       string
	Model       string
	CallbackURL string
	Wait        time.Duration
	Timeout     time.Duration
	Debug       bool
	Client      *http.Client
}

func New(cfg *Config) *Client {
	wait := cfg.Wait
	if wait == 0 {
		wait = 200 * time.Millisecond
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
		}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		client:      client,
		debug:       cfg.Debug,
		ratelimit:   ratelimit.New(wait),
		baseURL:     baseURL,
		token:       cfg.Token,
		model:       model,
		callbackURL: cfg.CallbackURL,
	}
}

func (c *Client) log(format string, args ...interface{}) {
	if c.debug {
		log.Debug().Msgf(format, args...)
	}
}

type errStatusCode int

func (e errStatusCode) Error() string {
	return fmt.Sprintf("%d", e)
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do issues a single request. Retries are the caller's decision.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	var reqBody io.Reader
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("suno: couldn't marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}
	logBody := string(body)
	if len(logBody) > 100 {
		logBody = logBody[:100] + "..."
	}
	c.log("suno: do %s %s %s", method, path, logBody)

	u := fmt.Sprintf("%s/%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("suno: couldn't create request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	if in != nil {
		req.Header.Set("content-type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	if err := c.ratelimit.Wait(ctx); err != nil {
		return fmt.Errorf("suno: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("suno: couldn't %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("suno: couldn't read response body: %w", err)
	}
	logResp := string(respBody)
	if len(logResp) > 100 {
		logResp = logResp[:100] + "..."
	}
	c.log("suno: response %s %s %d %s", method, path, resp.StatusCode, logResp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errMessage := string(respBody)
		if len(errMessage) > 100 {
			errMessage = errMessage[:100] + "..."
		}
		return fmt.Errorf("suno: %s %s returned (%s): %w", method, u, errMessage, errStatusCode(resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("suno: couldn't unmarshal response body: %w", err)
	}
	if env.Code != http.StatusOK {
		return fmt.Errorf("suno: %s %s returned code %d (%s)", method, u, env.Code, env.Msg)
	}
	if out != nil {
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return fmt.Errorf("suno: %s %s returned no data", method, u)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("suno: couldn't unmarshal response data (%T): %w", out, err)
		}
	}
	return nil
}
