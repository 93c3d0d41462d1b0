package httpapi

import (
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/kakoai/chatsync/internal/chat"
	"github.com/kakoai/chatsync/internal/runtime"
)

// maxAttachmentBytes caps uploaded drawing size (25 MiB).
const maxAttachmentBytes = 25 << 20

// handleSend runs one conversation turn: append the user message, clear the
// thread's draft, stream runtime batches into a growing assistant message, and
// return the final transcript.
//
// The body is either JSON {text, model_id} or, when the turn carries a drawing,
// multipart form data with the same fields plus a "file" part.
//
// The request context carries the user's abort signal. Cancelling stops
// further batches; local/remote writes already dispatched complete on their
// own background context (partial persistence beats data loss).
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.rt == nil {
		http.Error(w, "runtime disabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	t, ok := s.store.Thread(id)
	if !ok {
		http.Error(w, "unknown thread", http.StatusNotFound)
		return
	}

	text, modelID, attachment, ok := s.readTurn(w, r)
	if !ok {
		return
	}
	if text == "" && attachment == nil {
		http.Error(w, "missing text", http.StatusBadRequest)
		return
	}

	if err := s.store.LoadMessages(r.Context(), id); err != nil {
		http.Error(w, "load messages failed", http.StatusBadGateway)
		return
	}
	t, _ = s.store.Thread(id)

	userParts := make([]chat.Part, 0, 2)
	if text != "" {
		userParts = append(userParts, chat.TextPart(text))
	}
	if attachment != nil {
		userParts = append(userParts, chat.Part{
			Type:     chat.PartTypeAttachment,
			Name:     attachment.Name,
			MimeType: attachment.MimeType,
		})
	}
	userMsg := chat.Message{
		ID:        chat.NewMessageID(),
		Role:      chat.RoleUser,
		Content:   userParts,
		CreatedAt: time.Now(),
	}
	transcript := append(t.Messages, userMsg)
	s.store.UpdateThreadMessages(id, transcript)
	if s.drafts != nil {
		s.drafts.Clear(id)
	}

	batches, err := s.rt.Run(r.Context(), runtime.Request{
		ThreadID:    id,
		ThreadTitle: t.Title,
		ModelID:     modelID,
		Messages:    transcript,
		Attachment:  attachment,
	})
	if err != nil {
		http.Error(w, "runtime start failed", http.StatusBadGateway)
		return
	}

	// One assistant message per turn; its content grows batch by batch under a
	// stable message id, so repeated upserts converge remotely.
	assistant := chat.Message{
		ID:        chat.NewMessageID(),
		Role:      chat.RoleAssistant,
		CreatedAt: time.Now(),
	}
	for batch := range batches {
		if len(batch.Parts) == 0 {
			continue
		}
		assistant.Content = append(assistant.Content, batch.Parts...)
		s.store.UpdateThreadMessages(id, append(transcript, assistant))
	}

	final, _ := s.store.Thread(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": toMessageViews(final.Messages),
	})
}

// readTurn extracts the turn inputs from either encoding of the request body.
func (s *Server) readTurn(w http.ResponseWriter, r *http.Request) (text, modelID string, attachment *runtime.Attachment, ok bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			Text    string `json:"text"`
			ModelID string `json:"model_id"`
		}
		if !readJSON(w, r, &body) {
			return "", "", nil, false
		}
		return strings.TrimSpace(body.Text), strings.TrimSpace(body.ModelID), nil, true
	}

	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return "", "", nil, false
	}
	text = strings.TrimSpace(r.FormValue("text"))
	modelID = strings.TrimSpace(r.FormValue("model_id"))

	f, hdr, err := r.FormFile("file")
	if err == http.ErrMissingFile {
		return text, modelID, nil, true
	}
	if err != nil {
		http.Error(w, "invalid file part", http.StatusBadRequest)
		return "", "", nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxAttachmentBytes+1))
	if err != nil {
		http.Error(w, "read file failed", http.StatusBadRequest)
		return "", "", nil, false
	}
	if len(data) > maxAttachmentBytes {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return "", "", nil, false
	}
	return text, modelID, &runtime.Attachment{
		Name:     hdr.Filename,
		MimeType: hdr.Header.Get("Content-Type"),
		Data:     data,
	}, true
}
