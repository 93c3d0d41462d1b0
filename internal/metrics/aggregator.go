package metrics

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kakoai/chatsync/internal/debounce"
)

// Aggregator derives best-effort usage counters from UI-emitted events.
//
// It is deliberately eventually-consistent and client-local: counters are
// persisted to a local JSON file, never reconciled against a remote source of
// truth. This data feeds dashboards only, nothing decision-critical.
type Aggregator struct {
	path   string
	logger *slog.Logger
	saver  *debounce.Debouncer

	mu    sync.Mutex
	state state
}

// BomStats tracks per-BOM extraction accuracy inputs.
type BomStats struct {
	TotalRows  int `json:"total_rows"`
	EditedRows int `json:"edited_rows"`
}

type state struct {
	SchemaVersion int `json:"schema_version"`

	BomStats map[string]BomStats `json:"bom_stats"`

	FeasibilityChecks   int             `json:"feasibility_checks"`
	FeasibilityEventIDs map[string]bool `json:"feasibility_event_ids"`
	FeasibilityByWeek   map[string]int  `json:"feasibility_by_week"`

	ProcurementSpendEUR float64        `json:"procurement_spend_eur"`
	ProcurementOrders   int            `json:"procurement_orders"`
	OrdersByMonth       map[string]int `json:"orders_by_month"`
}

func newState() state {
	return state{
		SchemaVersion:       1,
		BomStats:            make(map[string]BomStats),
		FeasibilityEventIDs: make(map[string]bool),
		FeasibilityByWeek:   make(map[string]int),
		OrdersByMonth:       make(map[string]int),
	}
}

const saveQuiescence = time.Second

// NewAggregator opens (or creates) an aggregator backed by the file at path.
// An empty path keeps counters in memory only.
func NewAggregator(path string, logger *slog.Logger) (*Aggregator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		path:   filepath.Clean(strings.TrimSpace(path)),
		logger: logger,
		state:  newState(),
	}
	if a.path == "." {
		a.path = ""
	}
	if a.path != "" {
		if err := a.load(); err != nil {
			return nil, err
		}
		a.saver = debounce.New(saveQuiescence, a.save)
	}
	return a, nil
}

func (a *Aggregator) load() error {
	b, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	st := newState()
	if err := json.Unmarshal(b, &st); err != nil {
		a.logger.Warn("metrics file unreadable, starting empty", "path", a.path, "error", err)
		return nil
	}
	if st.BomStats == nil {
		st.BomStats = make(map[string]BomStats)
	}
	if st.FeasibilityEventIDs == nil {
		st.FeasibilityEventIDs = make(map[string]bool)
	}
	if st.FeasibilityByWeek == nil {
		st.FeasibilityByWeek = make(map[string]int)
	}
	if st.OrdersByMonth == nil {
		st.OrdersByMonth = make(map[string]int)
	}
	a.state = st
	return nil
}

func (a *Aggregator) save() {
	a.mu.Lock()
	b, err := json.MarshalIndent(a.state, "", "  ")
	a.mu.Unlock()
	if err != nil {
		a.logger.Warn("marshal metrics failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		a.logger.Warn("create metrics dir failed", "path", a.path, "error", err)
		return
	}
	if err := os.WriteFile(a.path, b, 0o600); err != nil {
		a.logger.Warn("write metrics failed", "path", a.path, "error", err)
	}
}

// RegisterBom records the baseline row count for a first-seen BOM. Re-registering
// only ever raises totalRows (a stale re-registration with a smaller count is
// ignored) and never resets editedRows.
func (a *Aggregator) RegisterBom(bomID string, totalRows int) {
	bomID = strings.TrimSpace(bomID)
	if bomID == "" {
		return
	}
	a.mu.Lock()
	st, known := a.state.BomStats[bomID]
	if known {
		if totalRows > st.TotalRows {
			st.TotalRows = totalRows
			a.state.BomStats[bomID] = st
		}
	} else {
		a.state.BomStats[bomID] = BomStats{TotalRows: totalRows}
	}
	a.mu.Unlock()
	a.scheduleSave()
}

// UpdateBomEdits overwrites both counters for a BOM with the freshly computed
// delta of an explicit user save action (see CountEdits).
func (a *Aggregator) UpdateBomEdits(bomID string, editedRows, totalRows int) {
	bomID = strings.TrimSpace(bomID)
	if bomID == "" {
		return
	}
	a.mu.Lock()
	a.state.BomStats[bomID] = BomStats{TotalRows: totalRows, EditedRows: editedRows}
	a.mu.Unlock()
	a.scheduleSave()
}

// RegisterFeasibilityCheck counts one feasibility check, idempotent by event id
// so duplicate events from re-renders are ignored. Checks are bucketed by the
// Monday-starting week they fall into.
func (a *Aggregator) RegisterFeasibilityCheck(eventID string) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return
	}
	a.mu.Lock()
	if a.state.FeasibilityEventIDs[eventID] {
		a.mu.Unlock()
		return
	}
	a.state.FeasibilityEventIDs[eventID] = true
	a.state.FeasibilityChecks++
	a.state.FeasibilityByWeek[WeekKey(time.Now())]++
	a.mu.Unlock()
	a.scheduleSave()
}

// AddProcurementOrder accumulates procurement spend and order counts, bucketed
// by month. Non-finite or non-positive amounts are ignored.
func (a *Aggregator) AddProcurementOrder(amountEUR float64) {
	if math.IsNaN(amountEUR) || math.IsInf(amountEUR, 0) || amountEUR <= 0 {
		return
	}
	a.mu.Lock()
	a.state.ProcurementSpendEUR += amountEUR
	a.state.ProcurementOrders++
	a.state.OrdersByMonth[MonthKey(time.Now())]++
	a.mu.Unlock()
	a.scheduleSave()
}

// Reset zeroes all counters (dashboard reset action).
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.state = newState()
	a.mu.Unlock()
	a.scheduleSave()
}

// Snapshot is a read-only copy of the aggregated counters.
type Snapshot struct {
	BomStats            map[string]BomStats `json:"bom_stats"`
	FeasibilityChecks   int                 `json:"feasibility_checks"`
	FeasibilityByWeek   map[string]int      `json:"feasibility_by_week"`
	ProcurementSpendEUR float64             `json:"procurement_spend_eur"`
	ProcurementOrders   int                 `json:"procurement_orders"`
	OrdersByMonth       map[string]int      `json:"orders_by_month"`
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := Snapshot{
		BomStats:            make(map[string]BomStats, len(a.state.BomStats)),
		FeasibilityChecks:   a.state.FeasibilityChecks,
		FeasibilityByWeek:   make(map[string]int, len(a.state.FeasibilityByWeek)),
		ProcurementSpendEUR: a.state.ProcurementSpendEUR,
		ProcurementOrders:   a.state.ProcurementOrders,
		OrdersByMonth:       make(map[string]int, len(a.state.OrdersByMonth)),
	}
	for k, v := range a.state.BomStats {
		out.BomStats[k] = v
	}
	for k, v := range a.state.FeasibilityByWeek {
		out.FeasibilityByWeek[k] = v
	}
	for k, v := range a.state.OrdersByMonth {
		out.OrdersByMonth[k] = v
	}
	return out
}

// Flush persists any pending changes immediately.
func (a *Aggregator) Flush() {
	if a.saver != nil {
		a.saver.Flush()
	}
}

// Close flushes and stops the background saver.
func (a *Aggregator) Close() error {
	if a == nil {
		return nil
	}
	if a.saver != nil {
		a.saver.Flush()
		a.saver.Stop()
	}
	return nil
}

func (a *Aggregator) scheduleSave() {
	if a.saver != nil {
		a.saver.Trigger()
	}
}

// WeekKey buckets t into its Monday-starting week, local time, formatted as
// the week's Monday date (YYYY-MM-DD).
func WeekKey(t time.Time) string {
	wd := int(t.Weekday())
	diff := 1 - wd
	if wd == 0 { // Sunday belongs to the week that started six days earlier
		diff = -6
	}
	monday := t.AddDate(0, 0, diff)
	monday = time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, t.Location())
	return monday.Format("2006-01-02")
}

// MonthKey buckets t into its calendar month (YYYY-MM), local time.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}
