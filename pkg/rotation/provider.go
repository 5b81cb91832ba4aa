package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/config"
)

// ErrAlreadyRotating is returned by RequestRotation when the provider
// reports a rotation already in progress for this line.
var ErrAlreadyRotating = errors.New("rotation already in progress")

// Status is one poll result during a rotation.
type Status struct {
	Ready bool
	IP    string
}

// ConnInfo describes the proxy endpoint dependent components dial through.
type ConnInfo struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Provider is the rotation-provider API surface. Implementations must be
// safe for concurrent use.
type Provider interface {
	// AccountInfo returns the opaque rotation handle for the proxy line.
	AccountInfo(ctx context.Context) (string, error)
	// RequestRotation asks the provider to change the outbound IP.
	RequestRotation(ctx context.Context, handle string) error
	// PollStatus reports whether the rotation has settled and the new IP.
	PollStatus(ctx context.Context) (Status, error)
	// CurrentIP returns the provider's view of the current outbound IP.
	CurrentIP(ctx context.Context) (string, error)
	// ConnectionInfo returns the proxy endpoint and credentials.
	ConnectionInfo(ctx context.Context) (ConnInfo, error)
}

// HTTPProvider talks to a mobile-proxy rotation API. All calls share a
// minimum spacing so bursts do not trip provider-side throttling.
type HTTPProvider struct {
	cfg    config.RotationConfig
	client *http.Client

	mu       sync.Mutex
	lastCall time.Time
}

// NewHTTPProvider creates a provider client for the configured proxy line.
func NewHTTPProvider(cfg config.RotationConfig) *HTTPProvider {
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// pace blocks until the minimum spacing since the previous provider call
// has elapsed, or ctx is done.
func (p *HTTPProvider) pace(ctx context.Context) error {
	p.mu.Lock()
	wait := p.cfg.MinCallSpacing - time.Since(p.lastCall)
	p.lastCall = time.Now().Add(wait)
	p.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *HTTPProvider) get(ctx context.Context, command string, params url.Values) ([]byte, error) {
	if err := p.pace(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(p.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("provider url: %w", err)
	}
	q := u.Query()
	q.Set("command", command)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider call %s: %w", command, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("provider read %s: %w", command, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s: status %d: %s", command, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// AccountInfo fetches the proxy line record and returns its rotation handle.
func (p *HTTPProvider) AccountInfo(ctx context.Context) (string, error) {
	body, err := p.get(ctx, "get_my_proxy", url.Values{"proxy_id": {p.cfg.ProxyID}})
	if err != nil {
		return "", err
	}
	var out []struct {
		ProxyKey string `json:"proxy_key"`
	}
	if err := json.Unmarshal(body, &out); err != nil || len(out) == 0 || out[0].ProxyKey == "" {
		return "", fmt.Errorf("provider account info: unexpected response %q", truncate(body))
	}
	return out[0].ProxyKey, nil
}

// RequestRotation issues the IP change command for the given handle.
func (p *HTTPProvider) RequestRotation(ctx context.Context, handle string) error {
	body, err := p.get(ctx, "change_equipment", url.Values{"proxy_key": {handle}})
	if err != nil {
		return err
	}
	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("provider rotation: unexpected response %q", truncate(body))
	}
	switch {
	case out.Status == "OK":
		return nil
	case strings.Contains(strings.ToLower(out.Message), "already"):
		return ErrAlreadyRotating
	default:
		return fmt.Errorf("provider rotation: %s", out.Message)
	}
}

// PollStatus checks whether the line has settled on a new IP.
func (p *HTTPProvider) PollStatus(ctx context.Context) (Status, error) {
	ip, err := p.CurrentIP(ctx)
	if err != nil {
		return Status{}, err
	}
	if ip == "" || ip == "null" {
		return Status{Ready: false}, nil
	}
	return Status{Ready: true, IP: ip}, nil
}

// CurrentIP returns the provider's reported outbound IP, unvalidated.
func (p *HTTPProvider) CurrentIP(ctx context.Context) (string, error) {
	body, err := p.get(ctx, "proxy_ip", url.Values{"proxy_id": {p.cfg.ProxyID}})
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
		IP     string `json:"ip"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		// Some provider errors come back as HTML pages.
		return strings.TrimSpace(string(body)), nil
	}
	if out.Status != "" && out.Status != "OK" {
		return "", fmt.Errorf("provider ip: status %s", out.Status)
	}
	return out.IP, nil
}

// ConnectionInfo fetches the proxy endpoint and credentials.
func (p *HTTPProvider) ConnectionInfo(ctx context.Context) (ConnInfo, error) {
	body, err := p.get(ctx, "get_my_proxy", url.Values{"proxy_id": {p.cfg.ProxyID}})
	if err != nil {
		return ConnInfo{}, err
	}
	var out []struct {
		Host     string `json:"proxy_independent_host"`
		HTTPPort string `json:"proxy_independent_http_port"`
		Login    string `json:"proxy_login"`
		Pass     string `json:"proxy_pass"`
	}
	if err := json.Unmarshal(body, &out); err != nil || len(out) == 0 {
		return ConnInfo{}, fmt.Errorf("provider connection info: unexpected response %q", truncate(body))
	}
	ci := ConnInfo{
		Host:     out[0].Host,
		Port:     out[0].HTTPPort,
		Username: out[0].Login,
		Password: out[0].Pass,
	}
	if ci.Host == "" || ci.Port == "" {
		return ConnInfo{}, fmt.Errorf("provider connection info: missing endpoint in %q", truncate(body))
	}
	return ci, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
