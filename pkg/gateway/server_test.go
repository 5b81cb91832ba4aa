package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/dispatch"
	"github.com/voxgate-ai/voxgate/pkg/history"
	"github.com/voxgate-ai/voxgate/pkg/models"
	"github.com/voxgate-ai/voxgate/pkg/ratelimit"
)

type fakeSubmitter struct {
	submitErr error
	result    *models.Result
}

func (f *fakeSubmitter) Submit(text string, params models.SpeechParams) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "req-1", nil
}

func (f *fakeSubmitter) AwaitResult(id string, timeout time.Duration) (*models.Result, error) {
	return f.result, nil
}

type fakeChat struct {
	raw json.RawMessage
	err error
}

func (f *fakeChat) Complete(ctx context.Context, req models.ChatCompletionRequest) (json.RawMessage, error) {
	return f.raw, f.err
}

// fakeChats is an in-memory history.Store.
type fakeChats struct {
	known    map[string]bool
	appended []models.StoredMessage
}

func (f *fakeChats) CreateChat(ctx context.Context, title string) (*models.Chat, error) {
	return &models.Chat{ID: "new", Title: title}, nil
}

func (f *fakeChats) ListChats(ctx context.Context) ([]models.Chat, error) { return nil, nil }

func (f *fakeChats) AppendMessage(ctx context.Context, chatID, role, content string) error {
	if !f.known[chatID] {
		return history.ErrChatNotFound
	}
	f.appended = append(f.appended, models.StoredMessage{ChatID: chatID, Role: role, Content: content})
	return nil
}

func (f *fakeChats) Messages(ctx context.Context, chatID string) ([]models.StoredMessage, error) {
	return f.appended, nil
}

func (f *fakeChats) DeleteChat(ctx context.Context, chatID string) error { return nil }

func (f *fakeChats) Close() error { return nil }

func newTestServer(sub Submitter, limits map[string]config.Limits, chat ChatUpstream) *Server {
	cfg := config.Default()
	if limits == nil {
		limits = map[string]config.Limits{"default": {}}
	}
	return New(cfg, sub, ratelimit.New(limits), chat, nil)
}

func speechBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"text":     "hello there",
		"voice_id": "v1",
		"model_id": "eleven_multilingual_v2",
	})
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func TestSpeechSuccess(t *testing.T) {
	sub := &fakeSubmitter{result: &models.Result{Success: true, Content: []byte("mp3"), ContentType: "audio/mpeg"}}
	srv := newTestServer(sub, nil, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/speech", speechBody(t)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "mp3", rec.Body.String())
}

func TestSpeechQueueFull(t *testing.T) {
	sub := &fakeSubmitter{submitErr: dispatch.ErrQueueFull}
	srv := newTestServer(sub, nil, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/speech", speechBody(t)))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSpeechExhaustedPool(t *testing.T) {
	sub := &fakeSubmitter{result: &models.Result{
		Success: false,
		Kind:    models.FailureQuotaExceeded,
		Err:     "insufficient quota across all accounts",
	}}
	srv := newTestServer(sub, nil, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/speech", speechBody(t)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "@", "account identifiers must not leak")
}

func TestSpeechValidation(t *testing.T) {
	srv := newTestServer(&fakeSubmitter{}, nil, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/speech", strings.NewReader(`{"text":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRateLimited(t *testing.T) {
	limits := map[string]config.Limits{"default": {RPM: 1}}
	chat := &fakeChat{raw: json.RawMessage(`{"choices":[]}`)}
	srv := newTestServer(&fakeSubmitter{}, limits, chat)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"), "denial must carry a retry hint")
}

func TestChatHistoryAppendMessage(t *testing.T) {
	chats := &fakeChats{known: map[string]bool{"c1": true}}
	srv := New(config.Default(), &fakeSubmitter{}, ratelimit.New(map[string]config.Limits{"default": {}}), nil, chats)

	body := `{"role":"user","content":"hi there"}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chats/c1/messages", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, chats.appended, 1)
	assert.Equal(t, "hi there", chats.appended[0].Content)
	assert.Equal(t, "user", chats.appended[0].Role)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chats/nope/messages", strings.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chats/c1/messages", strings.NewReader(`{"role":"user"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	srv := newTestServer(&fakeSubmitter{}, nil, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeSubmitter{}, nil, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&fakeSubmitter{}, nil, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/speech", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
