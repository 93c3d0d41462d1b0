package draft

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kakoai/chatsync/internal/debounce"
)

// saveQuiescence is how long a burst of draft edits has to go quiet before the
// registry commits to disk. Upstream composer callers debounce keystrokes on
// the same order (~1s), so a draft is at most a couple of seconds behind.
const saveQuiescence = time.Second

// Registry preserves in-progress, unsent composer text per thread.
//
// Drafts live outside the thread entities on purpose: they must survive thread
// switches and reloads independent of remote sync latency, and they are never
// written to the remote store. Persistence is a local JSON file, debounced.
type Registry struct {
	path   string
	logger *slog.Logger
	saver  *debounce.Debouncer

	mu     sync.Mutex
	drafts map[string]string
	// applied tracks the draft text last pushed into the composer per thread,
	// so one activation restores at most once and an intentional clear by the
	// user is not undone.
	applied map[string]string
}

// NewRegistry opens (or creates) a registry backed by the file at path.
// An empty path keeps drafts in memory only.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:    filepath.Clean(strings.TrimSpace(path)),
		logger:  logger,
		drafts:  make(map[string]string),
		applied: make(map[string]string),
	}
	if r.path == "." {
		r.path = ""
	}
	if r.path != "" {
		if err := r.load(); err != nil {
			return nil, err
		}
		r.saver = debounce.New(saveQuiescence, r.save)
	}
	return r, nil
}

type draftsFile struct {
	SchemaVersion int               `json:"schema_version"`
	Drafts        map[string]string `json:"drafts"`
}

func (r *Registry) load() error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var f draftsFile
	if err := json.Unmarshal(b, &f); err != nil {
		// A corrupt drafts file should not take the app down; start fresh.
		r.logger.Warn("drafts file unreadable, starting empty", "path", r.path, "error", err)
		return nil
	}
	for id, text := range f.Drafts {
		if strings.TrimSpace(id) == "" || text == "" {
			continue
		}
		r.drafts[id] = text
	}
	return nil
}

func (r *Registry) save() {
	r.mu.Lock()
	f := draftsFile{SchemaVersion: 1, Drafts: make(map[string]string, len(r.drafts))}
	for id, text := range r.drafts {
		f.Drafts[id] = text
	}
	r.mu.Unlock()

	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		r.logger.Warn("marshal drafts failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		r.logger.Warn("create drafts dir failed", "path", r.path, "error", err)
		return
	}
	if err := os.WriteFile(r.path, b, 0o600); err != nil {
		r.logger.Warn("write drafts failed", "path", r.path, "error", err)
	}
}

// Set overwrites the stored draft for a thread. Empty text clears it.
func (r *Registry) Set(threadID string, text string) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return
	}
	if text == "" {
		r.Clear(threadID)
		return
	}
	r.mu.Lock()
	r.drafts[threadID] = text
	r.mu.Unlock()
	r.scheduleSave()
}

// Clear removes the entry for a thread (successful send, discard, deletion).
func (r *Registry) Clear(threadID string) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return
	}
	r.mu.Lock()
	_, had := r.drafts[threadID]
	delete(r.drafts, threadID)
	delete(r.applied, threadID)
	r.mu.Unlock()
	if had {
		r.scheduleSave()
	}
}

// Get returns the stored draft for a thread.
func (r *Registry) Get(threadID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text, ok := r.drafts[strings.TrimSpace(threadID)]
	return text, ok
}

// Has reports whether a non-empty draft exists for a thread. A non-empty draft
// pins the thread against empty-thread cleanup.
func (r *Registry) Has(threadID string) bool {
	_, ok := r.Get(threadID)
	return ok
}

// Activate resets the once-per-activation restoration marker for a thread.
// Call it on every thread switch, before Restore.
func (r *Registry) Activate(threadID string) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return
	}
	r.mu.Lock()
	delete(r.applied, threadID)
	r.mu.Unlock()
}

// Restore returns the draft to push into the composer on thread activation,
// with a cursor-placement hint. It applies at most once per activation and
// only while the live composer is still empty, so it never clobbers text the
// user has started typing or re-fills a composer they cleared on purpose.
func (r *Registry) Restore(threadID string, composerEmpty bool) (string, Selection, bool) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" || !composerEmpty {
		return "", Selection{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	text, ok := r.drafts[threadID]
	if !ok || text == "" {
		return "", Selection{}, false
	}
	if r.applied[threadID] == text {
		return "", Selection{}, false
	}
	r.applied[threadID] = text
	return text, PlaceCursor(text), true
}

// Flush persists any pending changes immediately.
func (r *Registry) Flush() {
	if r.saver != nil {
		r.saver.Flush()
	}
}

// Close flushes and stops the background saver.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	if r.saver != nil {
		r.saver.Flush()
		r.saver.Stop()
	}
	return nil
}

func (r *Registry) scheduleSave() {
	if r.saver != nil {
		r.saver.Trigger()
	}
}
