package chat

import (
	"context"
	"time"
)

// ThreadRecord is the remote row shape for a thread.
type ThreadRecord struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

// MessageRecord is the remote row shape for a message. Content holds the
// serialized part sequence (see EncodeContent), or plain text for legacy rows.
type MessageRecord struct {
	ID        string
	ThreadID  string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Remote is the persistence boundary the store mediates all thread/message
// durability through.
//
// Writes must be idempotent by natural key: the retry wrapper is at-least-once,
// so the same insert/upsert may be delivered more than once and out of order.
// UpsertMessage overwrites the content column wholesale for its message id.
type Remote interface {
	ListThreads(ctx context.Context) ([]ThreadRecord, error)
	InsertThread(ctx context.Context, t ThreadRecord) error
	UpdateThreadTitle(ctx context.Context, id string, title string, updatedAt time.Time) error
	DeleteThreads(ctx context.Context, ids []string) error

	ListMessages(ctx context.Context, threadID string) ([]MessageRecord, error)
	UpsertMessage(ctx context.Context, m MessageRecord) error
}
