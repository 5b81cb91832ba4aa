package rotation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/config"
)

// IPUnknown and IPRotating are sentinel values returned by CurrentIP when
// no validated address is available.
const (
	IPUnknown  = "unknown"
	IPRotating = "rotating"
)

// ErrRotationTimeout is returned when the provider never confirms a new IP
// within the rotation deadline.
var ErrRotationTimeout = errors.New("rotation not confirmed before deadline")

type rotateResult struct {
	ip  string
	err error
}

// Coordinator owns the single shared outbound network identity. At most one
// rotation is in flight at a time; concurrent Rotate callers wait for the
// in-flight rotation and observe its result.
type Coordinator struct {
	provider Provider
	cfg      config.RotationConfig

	mu       sync.Mutex
	rotating bool
	waiters  []chan rotateResult
	ip       string
	handle   string
	conn     ConnInfo
	connAt   time.Time
}

// NewCoordinator creates a coordinator over the given provider.
func NewCoordinator(provider Provider, cfg config.RotationConfig) *Coordinator {
	return &Coordinator{
		provider: provider,
		cfg:      cfg,
		ip:       IPUnknown,
	}
}

// Rotate changes the shared outbound IP and returns the confirmed new
// address. If a rotation is already in flight the call waits for it instead
// of issuing a duplicate provider command.
func (c *Coordinator) Rotate(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.rotating {
		ch := make(chan rotateResult, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-ch:
			return res.ip, res.err
		}
	}
	c.rotating = true
	c.mu.Unlock()

	ip, err := c.doRotate(ctx)

	c.mu.Lock()
	c.rotating = false
	if err == nil {
		c.ip = ip
	}
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- rotateResult{ip: ip, err: err}
	}
	return ip, err
}

func (c *Coordinator) doRotate(ctx context.Context) (string, error) {
	handle, err := c.ensureHandle(ctx)
	if err != nil {
		return "", fmt.Errorf("rotation handle: %w", err)
	}

	var reqErr error
	for attempt := 1; attempt <= 3; attempt++ {
		reqErr = c.provider.RequestRotation(ctx, handle)
		if reqErr == nil || errors.Is(reqErr, ErrAlreadyRotating) {
			break
		}
		log.Printf("rotation: request attempt %d failed: %v", attempt, reqErr)
		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			return "", err
		}
	}
	if reqErr != nil && !errors.Is(reqErr, ErrAlreadyRotating) {
		return "", reqErr
	}

	// Poll to completion. Transient poll errors are retried; only the
	// deadline is terminal.
	deadline := time.Now().Add(c.cfg.RotateTimeout)
	for {
		if time.Now().After(deadline) {
			return "", ErrRotationTimeout
		}
		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			return "", err
		}
		st, err := c.provider.PollStatus(ctx)
		if err != nil {
			log.Printf("rotation: poll error (retrying): %v", err)
			continue
		}
		if !st.Ready {
			continue
		}
		if ip := validateIP(st.IP); ip != IPUnknown {
			log.Printf("rotation: confirmed new ip %s", ip)
			return ip, nil
		}
		log.Printf("rotation: provider returned unparseable ip %q (retrying)", st.IP)
	}
}

func (c *Coordinator) ensureHandle(ctx context.Context) (string, error) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle != "" {
		return handle, nil
	}

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		handle, err = c.provider.AccountInfo(ctx)
		if err == nil {
			c.mu.Lock()
			c.handle = handle
			c.mu.Unlock()
			return handle, nil
		}
		if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
			return "", sleepErr
		}
	}
	return "", err
}

// ConnectionInfo returns the proxy endpoint, served from a TTL cache unless
// forced.
func (c *Coordinator) ConnectionInfo(ctx context.Context, force bool) (ConnInfo, error) {
	c.mu.Lock()
	if !force && c.conn.Host != "" && time.Since(c.connAt) < c.cfg.CacheTTL {
		ci := c.conn
		c.mu.Unlock()
		return ci, nil
	}
	c.mu.Unlock()

	ci, err := c.provider.ConnectionInfo(ctx)
	if err != nil {
		return ConnInfo{}, fmt.Errorf("connection info: %w", err)
	}

	c.mu.Lock()
	c.conn = ci
	c.connAt = time.Now()
	c.mu.Unlock()
	return ci, nil
}

// ProxyURL returns the cached connection info as a dialable URL.
func (c *Coordinator) ProxyURL(ctx context.Context) (*url.URL, error) {
	ci, err := c.ConnectionInfo(ctx, false)
	if err != nil {
		return nil, err
	}
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(ci.Host, ci.Port),
	}
	if ci.Username != "" {
		u.User = url.UserPassword(ci.Username, ci.Password)
	}
	return u, nil
}

// CurrentIP returns the last confirmed IP, "rotating" while a rotation is
// in flight, or "unknown". It refreshes from the provider when no address
// has been observed yet.
func (c *Coordinator) CurrentIP(ctx context.Context) string {
	c.mu.Lock()
	if c.rotating {
		c.mu.Unlock()
		return IPRotating
	}
	if c.ip != IPUnknown {
		ip := c.ip
		c.mu.Unlock()
		return ip
	}
	c.mu.Unlock()

	raw, err := c.provider.CurrentIP(ctx)
	if err != nil {
		return IPUnknown
	}
	ip := validateIP(raw)
	if ip != IPUnknown {
		c.mu.Lock()
		c.ip = ip
		c.mu.Unlock()
	}
	return ip
}

// validateIP accepts only a syntactically valid address. Provider error
// pages arrive as HTML bodies and must not be mistaken for an IP.
func validateIP(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || strings.Contains(s, "<") {
		return IPUnknown
	}
	if net.ParseIP(s) == nil {
		return IPUnknown
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
