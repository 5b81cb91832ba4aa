package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/models"
)

// ChatClient is a thin passthrough to the chat-completion upstream. Unlike
// the speech pool it uses a single credential; admission is governed by the
// model-level rate limiter at the boundary.
type ChatClient struct {
	cfg    config.UpstreamConfig
	client *http.Client
}

// NewChatClient creates a chat client.
func NewChatClient(cfg config.UpstreamConfig) *ChatClient {
	return &ChatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type chatErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Complete forwards one chat-completion request and returns the raw
// response body. Failures come back as *APIError.
func (c *ChatClient) Complete(ctx context.Context, req models.ChatCompletionRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.ChatBaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.ChatAPIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode == http.StatusOK {
		return raw, nil
	}

	var eb chatErrorBody
	status, message := "", strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Error.Message != "" {
		status, message = eb.Error.Code, eb.Error.Message
		if status == "" {
			status = eb.Error.Type
		}
	}
	return nil, classifyBody(resp.StatusCode, status, message, parseRetryAfter(resp.Header, message))
}

// EstimateCost approximates token cost from message lengths, used for
// limiter admission before the real usage is known.
func EstimateCost(req models.ChatCompletionRequest) int64 {
	var chars int64
	for _, m := range req.Messages {
		chars += int64(len(m.Content))
	}
	// Rough chars-per-token divisor.
	cost := chars / 4
	if cost < 1 {
		cost = 1
	}
	return cost
}
