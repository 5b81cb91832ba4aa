package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/models"
)

// ProxySource supplies the outbound proxy endpoint for upstream calls.
type ProxySource interface {
	ProxyURL(ctx context.Context) (*url.URL, error)
}

// SpeechClient performs text-to-speech calls against the voice upstream,
// routed through the shared rotating identity.
type SpeechClient struct {
	cfg    config.UpstreamConfig
	client *http.Client
}

// NewSpeechClient creates a speech client. proxies may be nil for direct
// connections.
func NewSpeechClient(cfg config.UpstreamConfig, proxies ProxySource) *SpeechClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxies != nil {
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			return proxies.ProxyURL(req.Context())
		}
	}
	return &SpeechClient{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
	}
}

type speechRequest struct {
	Text          string                `json:"text"`
	ModelID       string                `json:"model_id,omitempty"`
	VoiceSettings *models.VoiceSettings `json:"voice_settings,omitempty"`
}

type errorBody struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// Synthesize performs one synthesis call for the request on the given
// account. Failures come back as *APIError.
func (c *SpeechClient) Synthesize(ctx context.Context, account *models.Account, req *models.PendingRequest) ([]byte, string, error) {
	body, err := json.Marshal(speechRequest{
		Text:          req.Text,
		ModelID:       req.Params.ModelID,
		VoiceSettings: req.Params.Settings,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode synthesis request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", strings.TrimRight(c.cfg.SpeechBaseURL, "/"), url.PathEscape(req.Params.VoiceID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", account.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", classifyTransport(err)
		}
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "audio/mpeg"
		}
		return audio, ct, nil
	}

	return nil, "", c.errorFromResponse(resp)
}

func (c *SpeechClient) errorFromResponse(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var eb errorBody
	status, message := "", strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Detail.Status != "" {
		status, message = eb.Detail.Status, eb.Detail.Message
	}
	return classifyBody(resp.StatusCode, status, message, parseRetryAfter(resp.Header, message))
}

type subscription struct {
	CharacterCount int64 `json:"character_count"`
	CharacterLimit int64 `json:"character_limit"`
}

// CheckQuota fetches the authoritative remaining character quota.
func (c *SpeechClient) CheckQuota(ctx context.Context, account *models.Account) (int64, error) {
	endpoint := strings.TrimRight(c.cfg.SpeechBaseURL, "/") + "/v1/user/subscription"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build quota request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", account.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.errorFromResponse(resp)
	}
	var sub subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return 0, fmt.Errorf("decode subscription: %w", err)
	}
	remaining := sub.CharacterLimit - sub.CharacterCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

type voiceList struct {
	Voices []struct {
		VoiceID  string `json:"voice_id"`
		Category string `json:"category"`
	} `json:"voices"`
}

// CleanupArtifacts deletes user-created voices so the account drops back
// under its stored-voice cap. Premade voices are left alone.
func (c *SpeechClient) CleanupArtifacts(ctx context.Context, account *models.Account) error {
	base := strings.TrimRight(c.cfg.SpeechBaseURL, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/voices", nil)
	if err != nil {
		return fmt.Errorf("build voices request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", account.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(resp)
	}
	var vl voiceList
	if err := json.NewDecoder(resp.Body).Decode(&vl); err != nil {
		return fmt.Errorf("decode voices: %w", err)
	}

	deleted := 0
	for _, v := range vl.Voices {
		if v.Category == "premade" || v.Category == "professional" {
			continue
		}
		delReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, base+"/v1/voices/"+url.PathEscape(v.VoiceID), nil)
		if err != nil {
			continue
		}
		delReq.Header.Set("xi-api-key", account.APIKey)
		delResp, err := c.client.Do(delReq)
		if err != nil {
			log.Printf("upstream: delete voice %s on %s failed: %v", v.VoiceID, account.Email, err)
			continue
		}
		delResp.Body.Close()
		if delResp.StatusCode == http.StatusOK {
			deleted++
		}
	}
	if deleted > 0 {
		log.Printf("upstream: cleaned %d stored voices on %s", deleted, account.Email)
	}
	return nil
}

// QuotaCost converts character count to quota units for a model. Flash and
// turbo model families are billed at half a unit per character, rounded up.
func QuotaCost(chars int64, modelID string) int64 {
	m := strings.ToLower(modelID)
	if strings.Contains(m, "flash") || strings.Contains(m, "turbo") {
		return (chars + 1) / 2
	}
	return chars
}
