package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/dispatch"
	"github.com/voxgate-ai/voxgate/pkg/history"
	"github.com/voxgate-ai/voxgate/pkg/models"
	"github.com/voxgate-ai/voxgate/pkg/ratelimit"
	"github.com/voxgate-ai/voxgate/pkg/upstream"
)

// Submitter is the core boundary contract: non-blocking enqueue plus a
// bounded wait for the result.
type Submitter interface {
	Submit(text string, params models.SpeechParams) (string, error)
	AwaitResult(id string, timeout time.Duration) (*models.Result, error)
}

// ChatUpstream forwards chat completions.
type ChatUpstream interface {
	Complete(ctx context.Context, req models.ChatCompletionRequest) (json.RawMessage, error)
}

// Server is the HTTP front door. It maps admission denials to 429 with a
// retry hint and pool exhaustion to 503, and never exposes account
// identifiers.
type Server struct {
	cfg       *config.Config
	router    chi.Router
	submitter Submitter
	limiter   *ratelimit.Limiter
	chat      ChatUpstream
	chats     history.Store
}

// New creates the gateway server. chat and chats may be nil to disable the
// chat routes.
func New(cfg *config.Config, submitter Submitter, limiter *ratelimit.Limiter, chat ChatUpstream, chats history.Store) *Server {
	s := &Server{
		cfg:       cfg,
		submitter: submitter,
		limiter:   limiter,
		chat:      chat,
		chats:     chats,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/stats", s.handleStats)
	r.Post("/v1/speech", s.handleSpeech)
	if chat != nil {
		r.Post("/v1/chat", s.handleChat)
	}
	if chats != nil {
		r.Route("/v1/chats", func(r chi.Router) {
			r.Get("/", s.handleListChats)
			r.Post("/", s.handleCreateChat)
			r.Get("/{chatID}/messages", s.handleChatMessages)
			r.Post("/{chatID}/messages", s.handleAppendMessage)
			r.Delete("/{chatID}", s.handleDeleteChat)
		})
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the gateway with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("voxgate listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.limiter.Stats()})
}

type speechRequest struct {
	Text          string                `json:"text"`
	VoiceID       string                `json:"voice_id"`
	ModelID       string                `json:"model_id"`
	VoiceSettings *models.VoiceSettings `json:"voice_settings,omitempty"`
	WaitTimeout   int                   `json:"wait_timeout_seconds,omitempty"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" || req.VoiceID == "" {
		writeJSONError(w, http.StatusBadRequest, "text and voice_id are required")
		return
	}

	id, err := s.submitter.Submit(req.Text, models.SpeechParams{
		VoiceID:  req.VoiceID,
		ModelID:  req.ModelID,
		Settings: req.VoiceSettings,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			w.Header().Set("Retry-After", "30")
			writeJSONError(w, http.StatusTooManyRequests, "queue full, retry later")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	timeout := 5 * time.Minute
	if req.WaitTimeout > 0 {
		timeout = time.Duration(req.WaitTimeout) * time.Second
	}
	res, err := s.submitter.AwaitResult(id, timeout)
	if err != nil {
		writeJSONError(w, http.StatusGatewayTimeout, "synthesis did not finish in time")
		return
	}
	if !res.Success {
		if res.Kind == models.FailureQuotaExceeded {
			writeJSONError(w, http.StatusServiceUnavailable, "capacity exhausted, retry later")
			return
		}
		writeJSONError(w, http.StatusBadGateway, "synthesis failed")
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Content)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	estimated := upstream.EstimateCost(req)
	if !s.limiter.Acquire(r.Context(), req.Model, estimated, 0) {
		wait := s.limiter.SuggestedWait(req.Model, estimated)
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		writeJSONError(w, http.StatusTooManyRequests, "rate limit reached for model")
		return
	}
	defer s.limiter.Release(req.Model)

	raw, err := s.chat.Complete(r.Context(), req)
	if err != nil {
		var apiErr *upstream.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == models.FailureRateLimited {
			if apiErr.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds())+1))
			}
			writeJSONError(w, http.StatusTooManyRequests, "upstream rate limited")
			return
		}
		writeJSONError(w, http.StatusBadGateway, "chat upstream failed")
		return
	}

	// Charge the real token usage against the window.
	var usage struct {
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &usage); err == nil && usage.Usage.TotalTokens > 0 {
		s.limiter.RecordActual(req.Model, usage.Usage.TotalTokens, estimated)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.chats.ListChats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list chats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		writeJSONError(w, http.StatusBadRequest, "title is required")
		return
	}
	chat, err := s.chats.CreateChat(r.Context(), body.Title)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "create chat failed")
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chats.Messages(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "query messages failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Role == "" || body.Content == "" {
		writeJSONError(w, http.StatusBadRequest, "role and content are required")
		return
	}
	err := s.chats.AppendMessage(r.Context(), chi.URLParam(r, "chatID"), body.Role, body.Content)
	if errors.Is(err, history.ErrChatNotFound) {
		writeJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "append message failed")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	err := s.chats.DeleteChat(r.Context(), chi.URLParam(r, "chatID"))
	if errors.Is(err, history.ErrChatNotFound) {
		writeJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "delete chat failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"code":%d}}`, message, code)
}
