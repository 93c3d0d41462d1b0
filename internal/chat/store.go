package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kakoai/chatsync/internal/draft"
	"github.com/kakoai/chatsync/internal/retry"
)

const (
	// defaultCreationGrace protects freshly created threads from being dropped
	// by a fetch pass that raced their remote insert.
	defaultCreationGrace = 5 * time.Minute

	// persistTimeout bounds each background persistence operation, retries
	// included. Writes already dispatched are never cancelled by a user abort;
	// partial persistence beats data loss.
	persistTimeout = 30 * time.Second
)

// Store is the single source of truth for the thread list, the active-thread
// pointer, and message contents. All remote persistence goes through it.
//
// Every mutating operation applies its local state transition synchronously and
// mirrors it to the remote store as a best-effort, retried, idempotent side
// effect. Persistent remote failures are logged, never rolled back: local state
// is session-authoritative and a later successful fetch pass reconciles any
// divergence.
type Store struct {
	remote Remote
	drafts *draft.Registry
	logger *slog.Logger
	retry  retry.Options
	grace  time.Duration

	mu      sync.Mutex
	threads []*threadState
	active  string
	fetch   *inflight

	wg sync.WaitGroup
}

type threadState struct {
	Thread
	local bool // created by this session, may not be visible remotely yet
}

type inflight struct {
	done chan struct{}
	err  error
}

type Options struct {
	Remote Remote
	// Drafts, when set, pins threads with unsent composer text against cleanup
	// and is cleared on thread deletion.
	Drafts *draft.Registry
	Logger *slog.Logger
	Retry  retry.Options
	// CreationGrace overrides the young-thread grace window. Default: 5m.
	CreationGrace time.Duration
}

func NewStore(opts Options) (*Store, error) {
	if opts.Remote == nil {
		return nil, errors.New("missing remote store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.CreationGrace
	if grace <= 0 {
		grace = defaultCreationGrace
	}
	return &Store{
		remote: opts.Remote,
		drafts: opts.Drafts,
		logger: logger,
		retry:  opts.Retry,
		grace:  grace,
	}, nil
}

// FetchThreads loads all threads from the remote store, most recently updated
// first, and reconciles them with local state.
//
// At most one fetch is in flight; concurrent callers await the same pending
// operation instead of issuing duplicate reads. The in-flight handle is cleared
// strictly after the operation settles, so a later call always does fresh work.
func (s *Store) FetchThreads(ctx context.Context) error {
	if s == nil {
		return errors.New("nil store")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if c := s.fetch; c != nil {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := &inflight{done: make(chan struct{})}
	s.fetch = c
	s.mu.Unlock()

	err := s.fetchAndReconcile(ctx)

	s.mu.Lock()
	s.fetch = nil
	s.mu.Unlock()
	c.err = err
	close(c.done)
	return err
}

func (s *Store) fetchAndReconcile(ctx context.Context) error {
	records, err := retry.Do(ctx, s.retry, func(ctx context.Context) ([]ThreadRecord, error) {
		return s.remote.ListThreads(ctx)
	})
	if err != nil {
		s.logger.Warn("fetch threads failed", "error", err)
		return err
	}

	now := time.Now()
	var cleanupIDs []string

	s.mu.Lock()
	existing := make(map[string]*threadState, len(s.threads))
	for _, t := range s.threads {
		existing[t.ID] = t
	}

	next := make([]*threadState, 0, len(records)+4)
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		id := strings.TrimSpace(r.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		t := existing[id]
		if t == nil {
			t = &threadState{Thread: Thread{
				ID:        id,
				Title:     r.Title,
				CreatedAt: r.UpdatedAt,
				UpdatedAt: r.UpdatedAt,
			}}
		} else if r.UpdatedAt.After(t.UpdatedAt) {
			// Newest write wins; local edits made after the remote row was
			// written stay authoritative for this session.
			t.Title = r.Title
			t.UpdatedAt = r.UpdatedAt
		}
		if s.abandonedLocked(t, now) {
			cleanupIDs = append(cleanupIDs, id)
			continue
		}
		next = append(next, t)
	}

	// Locally-known threads missing from the remote result survive when they
	// are young (their insert may still be in flight), already hold messages,
	// are active, or carry an unsent draft.
	for _, t := range s.threads {
		if seen[t.ID] {
			continue
		}
		if s.abandonedLocked(t, now) {
			continue
		}
		young := now.Sub(t.CreatedAt) < s.grace
		pinned := t.ID == s.active || (s.drafts != nil && s.drafts.Has(t.ID))
		if young || pinned || len(t.Messages) > 0 {
			next = append(next, t)
		}
	}

	s.threads = next
	s.sortLocked()
	s.ensureActiveLocked()
	s.mu.Unlock()

	if len(cleanupIDs) > 0 {
		if s.drafts != nil {
			for _, id := range cleanupIDs {
				s.drafts.Clear(id)
			}
		}
		ids := cleanupIDs
		s.persistAsync("cleanup threads", func(ctx context.Context) error {
			return s.remote.DeleteThreads(ctx, ids)
		})
	}
	return nil
}

// abandonedLocked reports whether t is a placeholder nobody will come back to:
// default-titled, known to have no messages, no unsent draft, not active, and
// past the creation grace window.
func (s *Store) abandonedLocked(t *threadState, now time.Time) bool {
	if t == nil || t.ID == s.active {
		return false
	}
	if !IsDefaultTitle(t.Title) {
		return false
	}
	if t.Messages == nil || len(t.Messages) > 0 {
		return false
	}
	if s.drafts != nil && s.drafts.Has(t.ID) {
		return false
	}
	return now.Sub(t.CreatedAt) >= s.grace
}

// AddThread inserts an optimistic thread at the head of the list, makes it
// active, and persists it in the background. The returned id is usable
// immediately, independent of remote confirmation.
func (s *Store) AddThread(titleHint string) string {
	id := NewThreadID()
	now := time.Now()

	s.mu.Lock()
	title := s.uniqueTitleLocked(titleHint)
	t := &threadState{
		Thread: Thread{
			ID:        id,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
			Messages:  make([]Message, 0),
		},
		local: true,
	}
	s.threads = append([]*threadState{t}, s.threads...)
	s.active = id
	s.mu.Unlock()

	rec := ThreadRecord{ID: id, Title: title, UpdatedAt: now}
	s.persistAsync("insert thread", func(ctx context.Context) error {
		return s.remote.InsertThread(ctx, rec)
	})
	return id
}

func (s *Store) uniqueTitleLocked(hint string) string {
	base := strings.TrimSpace(hint)
	if base == "" {
		base = DefaultTitle
	}
	title := base
	for n := 2; s.titleTakenLocked(title); n++ {
		title = fmt.Sprintf("%s %d", base, n)
	}
	return title
}

func (s *Store) titleTakenLocked(title string) bool {
	for _, t := range s.threads {
		if t.Title == title {
			return true
		}
	}
	return false
}

// RenameThread updates the local title synchronously, then persists. A failed
// persist is logged but the optimistic title stands.
func (s *Store) RenameThread(id string, title string) error {
	id = strings.TrimSpace(id)
	title = strings.TrimSpace(title)
	if id == "" {
		return errors.New("missing thread id")
	}
	if title == "" {
		return errors.New("missing title")
	}

	now := time.Now()
	s.mu.Lock()
	t := s.findLocked(id)
	if t == nil {
		s.mu.Unlock()
		return errors.New("unknown thread")
	}
	t.Title = title
	t.UpdatedAt = now
	s.sortLocked()
	s.mu.Unlock()

	s.persistAsync("rename thread", func(ctx context.Context) error {
		return s.remote.UpdateThreadTitle(ctx, id, title, now)
	})
	return nil
}

// DeleteThread removes the thread locally (draft included), recomputes the
// active pointer, then issues the remote deletion. Deleting an unknown thread
// is a silent no-op (concurrent-deletion race).
func (s *Store) DeleteThread(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}

	s.mu.Lock()
	idx := -1
	for i, t := range s.threads {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.threads = append(s.threads[:idx], s.threads[idx+1:]...)
	if s.active == id {
		s.active = ""
		if len(s.threads) > 0 {
			s.active = s.threads[0].ID
		}
	}
	s.mu.Unlock()

	if s.drafts != nil {
		s.drafts.Clear(id)
	}
	s.persistAsync("delete thread", func(ctx context.Context) error {
		return s.remote.DeleteThreads(ctx, []string{id})
	})
}

// LoadMessages lazily populates the thread's message list from the remote
// store, oldest first. Loading an already-loaded or unknown thread is a no-op,
// so the call is idempotent and safe to repeat.
func (s *Store) LoadMessages(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing thread id")
	}

	s.mu.Lock()
	t := s.findLocked(id)
	if t == nil || t.Messages != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	records, err := retry.Do(ctx, s.retry, func(ctx context.Context) ([]MessageRecord, error) {
		return s.remote.ListMessages(ctx, id)
	})
	if err != nil {
		s.logger.Warn("load messages failed", "thread_id", id, "error", err)
		return err
	}

	msgs := make([]Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, Message{
			ID:        r.ID,
			Role:      normalizeRole(r.Role),
			Content:   DecodeContent(r.Content),
			CreatedAt: r.CreatedAt,
		})
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	s.mu.Lock()
	// Re-check: the thread may have been deleted, or populated by an
	// interleaved completion, while the fetch was in flight.
	if t := s.findLocked(id); t != nil && t.Messages == nil {
		t.Messages = msgs
	}
	s.mu.Unlock()
	return nil
}

// UpdateThreadMessages replaces the thread's message list and upserts each
// message by id in the background.
//
// If the thread no longer exists locally this is a no-op: a stale in-flight
// completion must not resurrect a concurrently deleted thread's remote record.
// Repeated calls with the same messages converge to the same state; each
// message id's content is overwritten wholesale, never merged.
func (s *Store) UpdateThreadMessages(id string, msgs []Message) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}

	now := time.Now()
	s.mu.Lock()
	t := s.findLocked(id)
	if t == nil {
		s.mu.Unlock()
		return
	}
	t.Messages = append(make([]Message, 0, len(msgs)), msgs...)
	t.UpdatedAt = now
	s.sortLocked()

	records := make([]MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		content, err := EncodeContent(m.Content)
		if err != nil {
			s.logger.Warn("encode message content failed", "thread_id", id, "message_id", m.ID, "error", err)
			continue
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		records = append(records, MessageRecord{
			ID:        m.ID,
			ThreadID:  id,
			Role:      string(m.Role),
			Content:   content,
			CreatedAt: createdAt,
		})
	}
	s.mu.Unlock()

	if len(records) == 0 {
		return
	}
	s.persistAsync("upsert messages", func(ctx context.Context) error {
		for _, r := range records {
			if err := s.remote.UpsertMessage(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetActiveThread moves the active pointer and kicks off a fire-and-forget
// message load for the newly active thread. The thread it navigated away from
// is garbage-collected if it is an abandoned placeholder.
func (s *Store) SetActiveThread(id string) {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	if id != "" && s.findLocked(id) == nil {
		s.mu.Unlock()
		return
	}
	prev := s.active
	s.active = id
	s.mu.Unlock()

	if s.drafts != nil && id != "" {
		s.drafts.Activate(id)
	}
	if prev != "" && prev != id {
		s.DiscardIfAbandoned(prev)
	}
	if id == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		_ = s.LoadMessages(ctx, id)
	}()
}

// DiscardIfAbandoned removes a placeholder thread the user navigated away
// from: default-titled, loaded-empty, and without an unsent draft. A non-empty
// draft pins the thread in existence even with zero messages.
func (s *Store) DiscardIfAbandoned(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	s.mu.Lock()
	t := s.findLocked(id)
	discard := t != nil &&
		t.ID != s.active &&
		IsDefaultTitle(t.Title) &&
		t.Messages != nil && len(t.Messages) == 0 &&
		(s.drafts == nil || !s.drafts.Has(id))
	if discard {
		for i, c := range s.threads {
			if c.ID == id {
				s.threads = append(s.threads[:i], s.threads[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !discard {
		return false
	}
	s.persistAsync("discard thread", func(ctx context.Context) error {
		return s.remote.DeleteThreads(ctx, []string{id})
	})
	return true
}

// ActiveThreadID returns the active-thread pointer ("" when none).
func (s *Store) ActiveThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Threads returns a snapshot of the thread list, most recently updated first.
// Snapshots are read-only views; message contents are shared, not copied.
func (s *Store) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, s.snapshotLocked(t))
	}
	return out
}

// Thread returns a snapshot of one thread.
func (s *Store) Thread(id string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findLocked(strings.TrimSpace(id))
	if t == nil {
		return Thread{}, false
	}
	return s.snapshotLocked(t), true
}

func (s *Store) snapshotLocked(t *threadState) Thread {
	out := t.Thread
	if t.Messages != nil {
		out.Messages = append(make([]Message, 0, len(t.Messages)), t.Messages...)
	}
	return out
}

func (s *Store) findLocked(id string) *threadState {
	for _, t := range s.threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.threads, func(i, j int) bool {
		a, b := s.threads[i], s.threads[j]
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.ID > b.ID
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
}

func (s *Store) ensureActiveLocked() {
	if s.active == "" {
		return
	}
	if s.findLocked(s.active) != nil {
		return
	}
	s.active = ""
	if len(s.threads) > 0 {
		s.active = s.threads[0].ID
	}
}

func (s *Store) persistAsync(op string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := retry.Run(ctx, s.retry, fn); err != nil {
			s.logger.Warn("remote persistence failed", "op", op, "error", err)
		}
	}()
}

// Flush blocks until all background persistence dispatched so far has settled.
func (s *Store) Flush() {
	s.wg.Wait()
}

// Close garbage-collects abandoned placeholder threads and drains pending
// remote writes.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.active = ""
	ids := make([]string, 0, len(s.threads))
	for _, t := range s.threads {
		ids = append(ids, t.ID)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.DiscardIfAbandoned(id)
	}
	s.wg.Wait()
	return nil
}
