package runtime

import (
	"context"

	"github.com/kakoai/chatsync/internal/chat"
)

// Runtime is the conversation boundary: given the prior transcript and the
// user's turn, it asynchronously produces zero or more batches of content
// parts, terminating normally or via context abort.
//
// Once the context is cancelled no further batches are yielded; the channel is
// closed either way.
type Runtime interface {
	Run(ctx context.Context, req Request) (<-chan Batch, error)
}

// Request is one user turn.
type Request struct {
	ThreadID    string
	ThreadTitle string
	ModelID     string
	// Messages is the transcript including the user turn as its last entry.
	Messages []chat.Message
	// Attachment optionally carries an uploaded technical drawing.
	Attachment *Attachment
}

type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Batch is one yielded group of assistant content parts.
type Batch struct {
	Parts []chat.Part
}
