package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kakoai/chatsync/internal/chat"
	"github.com/kakoai/chatsync/internal/draft"
	"github.com/kakoai/chatsync/internal/metrics"
	"github.com/kakoai/chatsync/internal/retry"
	"github.com/kakoai/chatsync/internal/runtime"
)

type stubRemote struct{}

func (stubRemote) ListThreads(ctx context.Context) ([]chat.ThreadRecord, error) { return nil, nil }
func (stubRemote) InsertThread(ctx context.Context, t chat.ThreadRecord) error  { return nil }
func (stubRemote) UpdateThreadTitle(ctx context.Context, id string, title string, updatedAt time.Time) error {
	return nil
}
func (stubRemote) DeleteThreads(ctx context.Context, ids []string) error { return nil }
func (stubRemote) ListMessages(ctx context.Context, threadID string) ([]chat.MessageRecord, error) {
	return nil, nil
}
func (stubRemote) UpsertMessage(ctx context.Context, m chat.MessageRecord) error { return nil }

type scriptedRuntime struct {
	mu      sync.Mutex
	batches [][]chat.Part
	lastReq runtime.Request
}

func (f *scriptedRuntime) Run(ctx context.Context, req runtime.Request) (<-chan runtime.Batch, error) {
	f.mu.Lock()
	f.lastReq = req
	batches := f.batches
	f.mu.Unlock()

	ch := make(chan runtime.Batch, len(batches))
	for _, parts := range batches {
		ch <- runtime.Batch{Parts: parts}
	}
	close(ch)
	return ch, nil
}

func (f *scriptedRuntime) last() runtime.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type testEnv struct {
	handler http.Handler
	store   *chat.Store
	drafts  *draft.Registry
	metrics *metrics.Aggregator
	rt      *scriptedRuntime
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	drafts, err := draft.NewRegistry("", logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	agg, err := metrics.NewAggregator("", logger)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	store, err := chat.NewStore(chat.Options{
		Remote: stubRemote{},
		Drafts: drafts,
		Logger: logger,
		Retry:  retry.Options{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Flush)

	rt := &scriptedRuntime{}
	srv, err := New(Options{
		Store:   store,
		Drafts:  drafts,
		Metrics: agg,
		Runtime: rt,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{handler: srv.Handler(), store: store, drafts: drafts, metrics: agg, rt: rt}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestThreadEndpoints(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/threads", map[string]string{"title": "Pump RFQ"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	decodeBody(t, rec, &created)
	if created.ID == "" || created.Title != "Pump RFQ" {
		t.Fatalf("created=%+v", created)
	}

	rec = e.do(t, http.MethodGet, "/v1/threads", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status=%d", rec.Code)
	}
	var listed struct {
		Threads []struct {
			ID string `json:"id"`
		} `json:"threads"`
		ActiveThreadID string `json:"active_thread_id"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Threads) != 1 || listed.Threads[0].ID != created.ID {
		t.Fatalf("listed=%+v", listed)
	}
	if listed.ActiveThreadID != created.ID {
		t.Fatalf("active=%q, want %q", listed.ActiveThreadID, created.ID)
	}

	rec = e.do(t, http.MethodPatch, "/v1/threads/"+created.ID, map[string]string{"title": "Pump RFQ Q3"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("rename status=%d", rec.Code)
	}
	if th, _ := e.store.Thread(created.ID); th.Title != "Pump RFQ Q3" {
		t.Fatalf("title=%q", th.Title)
	}

	rec = e.do(t, http.MethodPatch, "/v1/threads/"+created.ID, map[string]string{"title": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank rename status=%d", rec.Code)
	}

	rec = e.do(t, http.MethodDelete, "/v1/threads/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rec.Code)
	}
	if _, ok := e.store.Thread(created.ID); ok {
		t.Fatalf("thread survived delete")
	}
}

func TestSendTurn(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.rt.batches = [][]chat.Part{
		{chat.TextPart("Checking suppliers.")},
		{chat.ToolCallPart("bom_lookup", "call_bom_lookup_1_0", map[string]any{"item": "M8"})},
	}

	id := e.store.AddThread("Bolt sourcing")
	e.drafts.Set(id, "where can I source M8 bolts?")

	rec := e.do(t, http.MethodPost, "/v1/threads/"+id+"/send", map[string]string{"text": "where can I source M8 bolts?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send status=%d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Messages []struct {
			Role  string      `json:"role"`
			Parts []chat.Part `json:"parts"`
		} `json:"messages"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Messages) != 2 {
		t.Fatalf("messages=%d, want user+assistant", len(resp.Messages))
	}
	if resp.Messages[0].Role != "user" || resp.Messages[1].Role != "assistant" {
		t.Fatalf("roles=%s,%s", resp.Messages[0].Role, resp.Messages[1].Role)
	}
	// Assistant content accumulates across batches under one message.
	if len(resp.Messages[1].Parts) != 2 {
		t.Fatalf("assistant parts=%d, want 2", len(resp.Messages[1].Parts))
	}

	// Successful send clears the thread's draft.
	if e.drafts.Has(id) {
		t.Fatalf("draft survived send")
	}

	// The runtime received the transcript with the user turn last.
	req := e.rt.last()
	if req.ThreadID != id || len(req.Messages) != 1 || req.Messages[0].Role != chat.RoleUser {
		t.Fatalf("runtime request=%+v", req)
	}

	rec = e.do(t, http.MethodPost, "/v1/threads/th_missing/send", map[string]string{"text": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown thread send status=%d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/v1/threads/"+id+"/send", map[string]string{"text": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty text send status=%d", rec.Code)
	}
}

func TestSendTurnWithAttachment(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.rt.batches = [][]chat.Part{{chat.TextPart("Drawing received, extracting BOM.")}}
	id := e.store.AddThread("Bracket drawing")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("text", "quote this bracket"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "bracket.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte("%PDF-fake")); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/threads/"+id+"/send", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("send status=%d: %s", rec.Code, rec.Body.String())
	}

	got := e.rt.last()
	if got.Attachment == nil || got.Attachment.Name != "bracket.pdf" {
		t.Fatalf("runtime attachment=%+v", got.Attachment)
	}
	if string(got.Attachment.Data) != "%PDF-fake" {
		t.Fatalf("attachment data=%q", got.Attachment.Data)
	}

	// The user message records the attachment as a content part.
	th, _ := e.store.Thread(id)
	if len(th.Messages) != 2 {
		t.Fatalf("messages=%d, want 2", len(th.Messages))
	}
	parts := th.Messages[0].Content
	if len(parts) != 2 || parts[1].Type != chat.PartTypeAttachment || parts[1].Name != "bracket.pdf" {
		t.Fatalf("user parts=%+v", parts)
	}
}

func TestDraftEndpoints(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	id := e.store.AddThread("Gasket order")

	rec := e.do(t, http.MethodPut, "/v1/threads/"+id+"/draft", map[string]string{"text": "order [quantity] gaskets"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("set draft status=%d", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/v1/threads/"+id+"/draft", nil)
	var got struct {
		Text   string `json:"text"`
		Exists bool   `json:"exists"`
	}
	decodeBody(t, rec, &got)
	if !got.Exists || got.Text != "order [quantity] gaskets" {
		t.Fatalf("draft=%+v", got)
	}

	rec = e.do(t, http.MethodPost, "/v1/threads/"+id+"/draft/restore", map[string]bool{"composer_empty": true})
	var restored struct {
		Apply          bool   `json:"apply"`
		Text           string `json:"text"`
		SelectionStart int    `json:"selection_start"`
		SelectionEnd   int    `json:"selection_end"`
	}
	decodeBody(t, rec, &restored)
	if !restored.Apply || restored.Text != "order [quantity] gaskets" {
		t.Fatalf("restore=%+v", restored)
	}
	if restored.SelectionStart != 6 || restored.SelectionEnd != 16 {
		t.Fatalf("selection=%d..%d, want placeholder span", restored.SelectionStart, restored.SelectionEnd)
	}

	// Second restore in the same activation must not re-apply.
	rec = e.do(t, http.MethodPost, "/v1/threads/"+id+"/draft/restore", map[string]bool{"composer_empty": true})
	decodeBody(t, rec, &restored)
	if restored.Apply {
		t.Fatalf("restore applied twice in one activation")
	}

	rec = e.do(t, http.MethodDelete, "/v1/threads/"+id+"/draft", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear draft status=%d", rec.Code)
	}
	if e.drafts.Has(id) {
		t.Fatalf("draft survived clear")
	}
}

func TestMetricsEndpoints(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/metrics/bom/register", map[string]any{"bom_id": "bom_1", "total_rows": 3})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("register status=%d", rec.Code)
	}

	original := []metrics.BomRow{
		{ID: "r1", Description: "Hex bolt M8", Quantity: 100, Unit: "pcs"},
		{ID: "r2", Description: "Washer 8.4", Quantity: 100, Unit: "pcs"},
		{ID: "r3", Description: "Nut M8", Quantity: 100, Unit: "pcs"},
	}
	edited := append([]metrics.BomRow{}, original...)
	edited[1].Quantity = 120
	rec = e.do(t, http.MethodPost, "/v1/metrics/bom/edits", map[string]any{
		"bom_id":   "bom_1",
		"original": original,
		"edited":   edited,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("edits status=%d", rec.Code)
	}
	var delta struct {
		EditedRows int `json:"edited_rows"`
		TotalRows  int `json:"total_rows"`
	}
	decodeBody(t, rec, &delta)
	if delta.EditedRows != 1 || delta.TotalRows != 3 {
		t.Fatalf("delta=%+v", delta)
	}

	for i := 0; i < 2; i++ { // duplicate event id counts once
		rec = e.do(t, http.MethodPost, "/v1/metrics/feasibility", map[string]string{"event_id": "evt_1"})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("feasibility status=%d", rec.Code)
		}
	}
	rec = e.do(t, http.MethodPost, "/v1/metrics/procurement", map[string]float64{"amount_eur": 1500})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("procurement status=%d", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/v1/metrics", nil)
	var snap metrics.Snapshot
	decodeBody(t, rec, &snap)
	if snap.FeasibilityChecks != 1 {
		t.Fatalf("feasibility checks=%d, want 1", snap.FeasibilityChecks)
	}
	if snap.ProcurementSpendEUR != 1500 || snap.ProcurementOrders != 1 {
		t.Fatalf("procurement=%v/%d", snap.ProcurementSpendEUR, snap.ProcurementOrders)
	}
	if st := snap.BomStats["bom_1"]; st.EditedRows != 1 || st.TotalRows != 3 {
		t.Fatalf("bom stats=%+v", st)
	}

	rec = e.do(t, http.MethodPost, "/v1/metrics/reset", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset status=%d", rec.Code)
	}
	if got := e.metrics.Snapshot(); got.FeasibilityChecks != 0 || len(got.BomStats) != 0 {
		t.Fatalf("counters survived reset: %+v", got)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := chat.NewStore(chat.Options{Remote: stubRemote{}, Logger: logger})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Flush)
	srv, err := New(Options{Store: store, Logger: logger, RateRPS: 0.001, RateBurst: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := srv.Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
		req.RemoteAddr = "203.0.113.5:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK {
		t.Fatalf("first request status=%d", codes[0])
	}
	if codes[1] != http.StatusTooManyRequests && codes[2] != http.StatusTooManyRequests {
		t.Fatalf("no request was limited: %v", codes)
	}

	// A different client gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh client status=%d", rec.Code)
	}
}

func TestRuntimeDisabledSendIs404(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := chat.NewStore(chat.Options{Remote: stubRemote{}, Logger: logger})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Flush)
	srv, err := New(Options{Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := store.AddThread("")

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/threads/%s/send", id), bytes.NewReader([]byte(`{"text":"hi"}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}
