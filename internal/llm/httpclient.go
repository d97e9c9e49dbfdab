package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"resty.dev/v3"
)

// ClientConfig points the HTTP model client at an OpenAI-compatible endpoint.
type ClientConfig struct {
	Endpoint  string
	Model     string
	APIKeyEnv string
}

// Client is a ChatModel over an OpenAI-compatible chat completions API.
// Temperature is pinned to zero.
type Client struct {
	http  *resty.Client
	model string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewClient builds the HTTP chat client. The API key is read from the
// environment variable named in the config so credentials stay out of HCL.
func NewClient(cfg ClientConfig) *Client {
	c := resty.New().SetBaseURL(cfg.Endpoint)
	if cfg.APIKeyEnv != "" {
		if key := os.Getenv(cfg.APIKeyEnv); key != "" {
			c.SetAuthToken(key)
		}
	}
	return &Client{http: c, model: cfg.Model}
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.http.Close()
}

// Chat implements ChatModel. Rate-limit and server-side errors surface as
// ErrTransient so the retry decorator can back off.
func (c *Client) Chat(ctx context.Context, req Request) (string, error) {
	body := chatRequest{Model: c.model, Temperature: 0}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests,
		resp.StatusCode() >= http.StatusInternalServerError:
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode())
	case resp.IsError():
		msg := resp.Status()
		if out.Error != nil {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("llm: chat call rejected: %s", msg)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm: empty chat response")
	}
	return out.Choices[0].Message.Content, nil
}
