package upstream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/models"
)

type fakeClient struct {
	mu       sync.Mutex
	errs     []error // consumed per call; nil entry means success
	calls    int32
	cleanups int32

	inFlight    int32
	maxInFlight int32
	delay       time.Duration
}

func (f *fakeClient) Synthesize(ctx context.Context, account *models.Account, req *models.PendingRequest) ([]byte, string, error) {
	atomic.AddInt32(&f.calls, 1)
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, "", err
	}
	return []byte("audio-bytes"), "audio/mpeg", nil
}

func (f *fakeClient) CheckQuota(ctx context.Context, account *models.Account) (int64, error) {
	return 0, nil
}

func (f *fakeClient) CleanupArtifacts(ctx context.Context, account *models.Account) error {
	atomic.AddInt32(&f.cleanups, 1)
	return nil
}

type fakeAccounts struct {
	mu           sync.Mutex
	committed    []int64
	exhaustedAt  int64
	exhaustedMsg string
}

func (f *fakeAccounts) CommitUsage(ctx context.Context, apiKey string, cost int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, cost)
	return nil
}

func (f *fakeAccounts) MarkQuotaExhausted(ctx context.Context, apiKey string, remaining int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exhaustedAt = remaining
	f.exhaustedMsg = message
	return nil
}

type fakeRotator struct {
	rotations int32
}

func (f *fakeRotator) Rotate(ctx context.Context) (string, error) {
	atomic.AddInt32(&f.rotations, 1)
	return "10.0.0.1", nil
}

func upstreamConfig() config.UpstreamConfig {
	return config.UpstreamConfig{MaxAttempts: 3, CleanupSpacing: time.Hour}
}

func testAccount() *models.Account {
	return &models.Account{APIKey: "sk-test", Email: "t@example.com", Status: models.StatusActive}
}

func testRequest(model string) *models.PendingRequest {
	text := "hello world, this is a synthesis request"
	return &models.PendingRequest{
		ID:     "req-1",
		Text:   text,
		Cost:   int64(len(text)),
		Params: models.SpeechParams{VoiceID: "v1", ModelID: model},
	}
}

func TestInvokeSuccessCommitsOnce(t *testing.T) {
	fc := &fakeClient{}
	fa := &fakeAccounts{}
	inv := NewInvoker(fc, fa, &fakeRotator{}, upstreamConfig(), 2)

	req := testRequest("eleven_multilingual_v2")
	res := inv.Invoke(context.Background(), testAccount(), req)

	require.True(t, res.Success)
	assert.Equal(t, "audio/mpeg", res.ContentType)
	require.Len(t, fa.committed, 1, "usage must be committed exactly once")
	assert.Equal(t, req.Cost, fa.committed[0])
}

func TestInvokeDiscountedModelCost(t *testing.T) {
	fc := &fakeClient{}
	fa := &fakeAccounts{}
	inv := NewInvoker(fc, fa, &fakeRotator{}, upstreamConfig(), 2)

	req := testRequest("eleven_flash_v2_5")
	res := inv.Invoke(context.Background(), testAccount(), req)

	require.True(t, res.Success)
	require.Len(t, fa.committed, 1)
	assert.Equal(t, (req.Cost+1)/2, fa.committed[0], "flash models billed at half rate")
}

func TestInvokeQuotaExceeded(t *testing.T) {
	fc := &fakeClient{errs: []error{
		classifyBody(401, "quota_exceeded", "You have 137 credits remaining, 500 needed", 0),
	}}
	fa := &fakeAccounts{exhaustedAt: -1}
	inv := NewInvoker(fc, fa, &fakeRotator{}, upstreamConfig(), 2)

	res := inv.Invoke(context.Background(), testAccount(), testRequest("m"))

	require.False(t, res.Success)
	assert.Equal(t, models.FailureQuotaExceeded, res.Kind)
	assert.Equal(t, int64(137), fa.exhaustedAt, "provider remaining not extracted")
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.calls), "quota exhaustion must not retry the account")
	assert.Empty(t, fa.committed)
}

func TestInvokeSuspiciousNoRetry(t *testing.T) {
	fc := &fakeClient{errs: []error{
		classifyBody(401, "detected_unusual_activity", "Unusual activity detected", 0),
	}}
	fr := &fakeRotator{}
	inv := NewInvoker(fc, &fakeAccounts{}, fr, upstreamConfig(), 2)

	res := inv.Invoke(context.Background(), testAccount(), testRequest("m"))

	require.False(t, res.Success)
	assert.Equal(t, models.FailureSuspicious, res.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fr.rotations),
		"rotation is the batch processor's decision, not the invoker's")
}

func TestInvokeResourceLimitCleansUpAndRetries(t *testing.T) {
	fc := &fakeClient{errs: []error{
		classifyBody(400, "voice_limit_reached", "Too many stored voices", 0),
		nil,
	}}
	fa := &fakeAccounts{}
	inv := NewInvoker(fc, fa, &fakeRotator{}, upstreamConfig(), 2)

	res := inv.Invoke(context.Background(), testAccount(), testRequest("m"))

	require.True(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.cleanups))
	assert.Equal(t, int32(2), atomic.LoadInt32(&fc.calls))
	assert.Len(t, fa.committed, 1)
}

func TestInvokeUpstreamThrottleWaitsAndRetries(t *testing.T) {
	fc := &fakeClient{errs: []error{
		classifyBody(429, "too_many_concurrent_requests", "slow down", 20*time.Millisecond),
		nil,
	}}
	inv := NewInvoker(fc, &fakeAccounts{}, &fakeRotator{}, upstreamConfig(), 2)

	start := time.Now()
	res := inv.Invoke(context.Background(), testAccount(), testRequest("m"))

	require.True(t, res.Success)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "retry hint not honored")
	assert.Equal(t, int32(2), atomic.LoadInt32(&fc.calls))
}

func TestInvokePersistentThrottleKeepsClassification(t *testing.T) {
	throttle := func() error {
		return classifyBody(429, "too_many_concurrent_requests", "slow down", time.Millisecond)
	}
	fc := &fakeClient{errs: []error{throttle(), throttle(), throttle()}}
	inv := NewInvoker(fc, &fakeAccounts{}, &fakeRotator{}, upstreamConfig(), 2)

	res := inv.Invoke(context.Background(), testAccount(), testRequest("m"))

	require.False(t, res.Success)
	assert.Equal(t, models.FailureRateLimited, res.Kind,
		"exhausting the throttle wait budget must not degrade the classification")
	assert.Equal(t, int32(3), atomic.LoadInt32(&fc.calls))
}

func TestInvokeOtherIsTerminal(t *testing.T) {
	fc := &fakeClient{errs: []error{
		classifyBody(500, "internal_error", "boom", 0),
	}}
	inv := NewInvoker(fc, &fakeAccounts{}, &fakeRotator{}, upstreamConfig(), 2)

	res := inv.Invoke(context.Background(), testAccount(), testRequest("m"))

	require.False(t, res.Success)
	assert.Equal(t, models.FailureOther, res.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.calls))
}

func TestInvokeSlotBoundsConcurrency(t *testing.T) {
	fc := &fakeClient{delay: 30 * time.Millisecond}
	inv := NewInvoker(fc, &fakeAccounts{}, &fakeRotator{}, upstreamConfig(), 2)
	account := testAccount()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv.Invoke(context.Background(), account, testRequest("m"))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&fc.maxInFlight), int32(2),
		"per-account slot cap exceeded")
}

func TestInvokeCancelDuringSlotWait(t *testing.T) {
	fc := &fakeClient{delay: 200 * time.Millisecond}
	inv := NewInvoker(fc, &fakeAccounts{}, &fakeRotator{}, upstreamConfig(), 1)
	account := testAccount()

	// Occupy the only slot.
	go inv.Invoke(context.Background(), account, testRequest("m"))
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := inv.Invoke(ctx, account, testRequest("m"))
	require.False(t, res.Success)
}
