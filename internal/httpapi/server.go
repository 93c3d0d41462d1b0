package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kakoai/chatsync/internal/chat"
	"github.com/kakoai/chatsync/internal/draft"
	"github.com/kakoai/chatsync/internal/metrics"
	"github.com/kakoai/chatsync/internal/runtime"
)

// Server is the thin JSON gateway the browser UI talks to. It exposes the
// store/draft/metrics surfaces and contributes no semantics of its own.
type Server struct {
	store   *chat.Store
	drafts  *draft.Registry
	metrics *metrics.Aggregator
	rt      runtime.Runtime
	logger  *slog.Logger
	limits  *limiterPool
}

type Options struct {
	Store     *chat.Store
	Drafts    *draft.Registry
	Metrics   *metrics.Aggregator
	Runtime   runtime.Runtime
	Logger    *slog.Logger
	RateRPS   float64
	RateBurst int
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   opts.Store,
		drafts:  opts.Drafts,
		metrics: opts.Metrics,
		rt:      opts.Runtime,
		logger:  logger,
		limits:  newLimiterPool(opts.RateRPS, opts.RateBurst),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/threads", s.handleListThreads)
	mux.HandleFunc("POST /v1/threads", s.handleAddThread)
	mux.HandleFunc("PATCH /v1/threads/{id}", s.handleRenameThread)
	mux.HandleFunc("DELETE /v1/threads/{id}", s.handleDeleteThread)
	mux.HandleFunc("POST /v1/threads/{id}/activate", s.handleActivateThread)
	mux.HandleFunc("GET /v1/threads/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/threads/{id}/send", s.handleSend)

	mux.HandleFunc("GET /v1/threads/{id}/draft", s.handleGetDraft)
	mux.HandleFunc("PUT /v1/threads/{id}/draft", s.handleSetDraft)
	mux.HandleFunc("DELETE /v1/threads/{id}/draft", s.handleClearDraft)
	mux.HandleFunc("POST /v1/threads/{id}/draft/restore", s.handleRestoreDraft)

	mux.HandleFunc("GET /v1/metrics", s.handleMetricsSnapshot)
	mux.HandleFunc("POST /v1/metrics/bom/register", s.handleRegisterBom)
	mux.HandleFunc("POST /v1/metrics/bom/edits", s.handleBomEdits)
	mux.HandleFunc("POST /v1/metrics/feasibility", s.handleFeasibility)
	mux.HandleFunc("POST /v1/metrics/procurement", s.handleProcurement)
	mux.HandleFunc("POST /v1/metrics/reset", s.handleResetMetrics)

	return s.withMiddleware(mux)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limits.Allow(clientKey(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// --- view types (snake_case, stable) ---

type threadView struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
	MessagesLoaded  bool   `json:"messages_loaded"`
}

type messageView struct {
	ID              string      `json:"id"`
	Role            string      `json:"role"`
	Parts           []chat.Part `json:"parts"`
	CreatedAtUnixMs int64       `json:"created_at_unix_ms"`
}

func toThreadView(t chat.Thread) threadView {
	return threadView{
		ID:              t.ID,
		Title:           t.Title,
		UpdatedAtUnixMs: t.UpdatedAt.UnixMilli(),
		MessagesLoaded:  t.Messages != nil,
	}
}

func toMessageViews(msgs []chat.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView{
			ID:              m.ID,
			Role:            string(m.Role),
			Parts:           m.Content,
			CreatedAtUnixMs: m.CreatedAt.UnixMilli(),
		})
	}
	return out
}

// --- thread handlers ---

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if err := s.store.FetchThreads(r.Context()); err != nil {
		// Serve the optimistic local list anyway; the UI prefers stale over broken.
		s.logger.Warn("thread refresh failed", "error", err)
	}
	threads := s.store.Threads()
	views := make([]threadView, 0, len(threads))
	for _, t := range threads {
		views = append(views, toThreadView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threads":          views,
		"active_thread_id": s.store.ActiveThreadID(),
	})
}

func (s *Server) handleAddThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	id := s.store.AddThread(body.Title)
	t, _ := s.store.Thread(id)
	writeJSON(w, http.StatusCreated, toThreadView(t))
}

func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.store.RenameThread(r.PathValue("id"), body.Title); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	s.store.DeleteThread(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateThread(w http.ResponseWriter, r *http.Request) {
	s.store.SetActiveThread(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{
		"active_thread_id": s.store.ActiveThreadID(),
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.LoadMessages(r.Context(), id); err != nil {
		http.Error(w, "load messages failed", http.StatusBadGateway)
		return
	}
	t, ok := s.store.Thread(id)
	if !ok {
		http.Error(w, "unknown thread", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": toMessageViews(t.Messages),
	})
}

// --- draft handlers ---

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	if s.drafts == nil {
		http.Error(w, "drafts disabled", http.StatusNotFound)
		return
	}
	text, ok := s.drafts.Get(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"text": text, "exists": ok})
}

func (s *Server) handleSetDraft(w http.ResponseWriter, r *http.Request) {
	if s.drafts == nil {
		http.Error(w, "drafts disabled", http.StatusNotFound)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	s.drafts.Set(r.PathValue("id"), body.Text)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearDraft(w http.ResponseWriter, r *http.Request) {
	if s.drafts == nil {
		http.Error(w, "drafts disabled", http.StatusNotFound)
		return
	}
	s.drafts.Clear(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestoreDraft(w http.ResponseWriter, r *http.Request) {
	if s.drafts == nil {
		http.Error(w, "drafts disabled", http.StatusNotFound)
		return
	}
	var body struct {
		ComposerEmpty bool `json:"composer_empty"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	text, sel, ok := s.drafts.Restore(r.PathValue("id"), body.ComposerEmpty)
	writeJSON(w, http.StatusOK, map[string]any{
		"apply":           ok,
		"text":            text,
		"selection_start": sel.Start,
		"selection_end":   sel.End,
	})
}

// --- metrics handlers ---

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleRegisterBom(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	var body struct {
		BomID     string `json:"bom_id"`
		TotalRows int    `json:"total_rows"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	s.metrics.RegisterBom(body.BomID, body.TotalRows)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBomEdits(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	var body struct {
		BomID    string           `json:"bom_id"`
		Original []metrics.BomRow `json:"original"`
		Edited   []metrics.BomRow `json:"edited"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	edited, total := metrics.CountEdits(body.Original, body.Edited)
	s.metrics.UpdateBomEdits(body.BomID, edited, total)
	writeJSON(w, http.StatusOK, map[string]int{
		"edited_rows": edited,
		"total_rows":  total,
	})
}

func (s *Server) handleFeasibility(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	var body struct {
		EventID string `json:"event_id"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	s.metrics.RegisterFeasibilityCheck(body.EventID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProcurement(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	var body struct {
		AmountEUR float64 `json:"amount_eur"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	s.metrics.AddProcurementOrder(body.AmountEUR)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	s.metrics.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
