package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/kakoai/chatsync/internal/chat"
)

// Renamer lets the backend adapter apply a generated title to a thread.
type Renamer interface {
	RenameThread(id string, title string) error
}

// Backend talks to the agent service over plain HTTP/JSON.
//
// Failures never surface as errors to the transcript flow: transport and HTTP
// errors become an inline assistant-authored text part so the composer stays
// usable for retry. An aborted turn yields nothing.
type Backend struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	renamer Renamer
}

type BackendOptions struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
	// Renamer, when set, receives generated titles for default-titled threads
	// on their first user message.
	Renamer Renamer
}

func NewBackend(opts BackendOptions) (*Backend, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing backend base url")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{baseURL: base, client: client, logger: logger, renamer: opts.Renamer}, nil
}

// Wire shapes of the agent service.
type agentBlock struct {
	Type     string          `json:"type"` // text | tool_use
	Content  string          `json:"content,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type agentResponse struct {
	Blocks []agentBlock `json:"blocks"`
}

func (b *Backend) Run(ctx context.Context, req Request) (<-chan Batch, error) {
	if b == nil {
		return nil, errors.New("nil backend")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	out := make(chan Batch, 1)
	go func() {
		defer close(out)
		b.run(ctx, req, out)
	}()
	return out, nil
}

func (b *Backend) run(ctx context.Context, req Request, out chan<- Batch) {
	userText := lastUserText(req.Messages)
	if userText == "" && req.Attachment == nil {
		return
	}

	b.maybeGenerateTitle(ctx, req, userText)

	httpReq, err := b.buildAgentRequest(ctx, req, userText)
	if err != nil {
		b.yield(ctx, out, chat.TextPart(fmt.Sprintf("Backend request failed: %v", err)))
		return
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return // aborted turn: yield nothing
		}
		b.yield(ctx, out, chat.TextPart(fmt.Sprintf("Backend request failed: %v", err)))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		b.yield(ctx, out, chat.TextPart("Backend error: "+msg))
		return
	}

	var ar agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		if ctx.Err() != nil {
			return
		}
		b.yield(ctx, out, chat.TextPart(fmt.Sprintf("Backend error: %v", err)))
		return
	}

	parts := make([]chat.Part, 0, len(ar.Blocks))
	for i, blk := range ar.Blocks {
		switch blk.Type {
		case "text":
			parts = append(parts, chat.TextPart(blk.Content))
		case "tool_use":
			var args map[string]any
			if len(blk.Data) > 0 {
				if err := json.Unmarshal(blk.Data, &args); err != nil {
					b.logger.Warn("tool block args unreadable", "tool", blk.ToolName, "error", err)
				}
			}
			callID := fmt.Sprintf("call_%s_%d_%d", blk.ToolName, time.Now().UnixMilli(), i)
			parts = append(parts, chat.ToolCallPart(blk.ToolName, callID, args))
		default:
			// Unknown block kinds are dropped rather than guessed at.
			b.logger.Debug("skipping unknown block type", "type", blk.Type)
		}
	}
	if len(parts) > 0 {
		b.yield(ctx, out, parts...)
	}
}

func (b *Backend) yield(ctx context.Context, out chan<- Batch, parts ...chat.Part) {
	select {
	case out <- Batch{Parts: parts}:
	case <-ctx.Done():
	}
}

func (b *Backend) buildAgentRequest(ctx context.Context, req Request, userText string) (*http.Request, error) {
	url := b.baseURL + "/agent"

	if req.Attachment != nil {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if err := w.WriteField("user_query", userText); err != nil {
			return nil, err
		}
		if err := w.WriteField("thread_id", req.ThreadID); err != nil {
			return nil, err
		}
		if req.ModelID != "" {
			if err := w.WriteField("model_id", req.ModelID); err != nil {
				return nil, err
			}
		}
		fw, err := w.CreateFormFile("file", req.Attachment.Name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(req.Attachment.Data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", w.FormDataContentType())
		return httpReq, nil
	}

	body, err := json.Marshal(map[string]string{
		"user_query": userText,
		"thread_id":  req.ThreadID,
		"model_id":   req.ModelID,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// maybeGenerateTitle asks the backend for a thread title on the first user
// message of a still default-titled thread. Best effort: failures are logged
// and the placeholder title stands.
func (b *Backend) maybeGenerateTitle(ctx context.Context, req Request, userText string) {
	if b.renamer == nil || userText == "" {
		return
	}
	if !chat.IsDefaultTitle(req.ThreadTitle) {
		return
	}
	if countUserMessages(req.Messages) != 1 {
		return
	}

	body, err := json.Marshal(map[string]string{
		"user_query": userText,
		"model_id":   req.ModelID,
	})
	if err != nil {
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/title", bytes.NewReader(body))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Debug("title generation failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	var data struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return
	}
	title := strings.TrimSpace(data.Title)
	if title == "" {
		return
	}
	if err := b.renamer.RenameThread(req.ThreadID, title); err != nil {
		b.logger.Debug("apply generated title failed", "thread_id", req.ThreadID, "error", err)
	}
}

func lastUserText(msgs []chat.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return strings.TrimSpace(chat.ContentText(msgs[i].Content))
		}
	}
	return ""
}

func countUserMessages(msgs []chat.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == chat.RoleUser {
			n++
		}
	}
	return n
}
