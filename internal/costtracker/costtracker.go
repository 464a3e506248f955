// Package costtracker maintains a bounded, in-memory window of per-request
// cost records and answers billing queries against it, grounded on the same
// aggregate-by-composite-key shape internal/worker/usage_rollup.go uses for
// its hourly rollups.
package costtracker

import (
	"sync"
	"time"
)

// ModelPrice is the USD cost per 1000 tokens for a model's input and
// output sides. Models absent from the price table cost 0.
type ModelPrice struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Record is one tracked request's cost, retained until evicted by
// retention age or the maxRecords cap.
type Record struct {
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CreatedAt        time.Time
}

// BillingEntry aggregates cost by provider, model, and UTC calendar date.
type BillingEntry struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Date             string  `json:"date"` // YYYY-MM-DD, UTC
	RequestCount     int     `json:"request_count"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// BudgetCallback fires once per threshold crossing. It runs on its own
// goroutine and must not block Track.
type BudgetCallback func(threshold string, totalUSD float64)

// Tracker is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	prices     map[string]ModelPrice
	records    []Record // ascending CreatedAt; oldest evicted from the front
	retention  time.Duration
	maxRecords int

	warning, limit           float64
	warningFired, limitFired bool
	onWarning, onLimit       BudgetCallback
	runningTotal             float64
}

// Options configures retention and budget behavior. Zero values disable
// the corresponding feature (no eviction, no budget callbacks).
type Options struct {
	Retention  time.Duration
	MaxRecords int
	Warning    float64
	Limit      float64
	OnWarning  BudgetCallback
	OnLimit    BudgetCallback
}

// New creates a Tracker with the given price table and options.
// A nil prices map is treated as empty (every model costs 0).
func New(prices map[string]ModelPrice, opts Options) *Tracker {
	if prices == nil {
		prices = map[string]ModelPrice{}
	}
	return &Tracker{
		prices:     prices,
		retention:  opts.Retention,
		maxRecords: opts.MaxRecords,
		warning:    opts.Warning,
		limit:      opts.Limit,
		onWarning:  opts.OnWarning,
		onLimit:    opts.OnLimit,
	}
}

// Track prices a completed request against the model's price table entry
// and appends a Record. Returns the computed cost in USD.
func (t *Tracker) Track(provider, model string, promptTokens, completionTokens int) float64 {
	price := t.prices[model]
	cost := (float64(promptTokens)/1000)*price.InputPer1K + (float64(completionTokens)/1000)*price.OutputPer1K

	t.mu.Lock()
	t.records = append(t.records, Record{
		Provider:         provider,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
		CreatedAt:        time.Now(),
	})
	t.runningTotal += cost
	t.evictLocked()

	var fireWarning, fireLimit bool
	if !t.warningFired && t.warning > 0 && t.runningTotal >= t.warning {
		t.warningFired = true
		fireWarning = true
	}
	if !t.limitFired && t.limit > 0 && t.runningTotal >= t.limit {
		t.limitFired = true
		fireLimit = true
	}
	total := t.runningTotal
	t.mu.Unlock()

	// Fire-and-forget: budget callbacks never block the hot tracking path.
	if fireWarning && t.onWarning != nil {
		go t.onWarning("warning", total)
	}
	if fireLimit && t.onLimit != nil {
		go t.onLimit("limit", total)
	}
	return cost
}

// evictLocked drops records older than retention and trims to maxRecords.
// Callers must hold t.mu.
func (t *Tracker) evictLocked() {
	if t.retention > 0 {
		cutoff := time.Now().Add(-t.retention)
		i := 0
		for i < len(t.records) && t.records[i].CreatedAt.Before(cutoff) {
			i++
		}
		if i > 0 {
			t.records = t.records[i:]
		}
	}
	if t.maxRecords > 0 && len(t.records) > t.maxRecords {
		t.records = t.records[len(t.records)-t.maxRecords:]
	}
}

// CurrentMonthCost sums the cost of every retained record created since the
// start of the current UTC month.
func (t *Tracker) CurrentMonthCost() float64 {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	t.mu.Lock()
	defer t.mu.Unlock()
	var sum float64
	for _, r := range t.records {
		if !r.CreatedAt.UTC().Before(monthStart) {
			sum += r.CostUSD
		}
	}
	return sum
}

// Billing groups retained records in [start, end) by provider, model, and
// UTC calendar date.
func (t *Tracker) Billing(start, end time.Time) []BillingEntry {
	type key struct {
		Provider string
		Model    string
		Date     string
	}
	agg := make(map[key]*BillingEntry)

	t.mu.Lock()
	records := make([]Record, len(t.records))
	copy(records, t.records)
	t.mu.Unlock()

	for _, r := range records {
		if r.CreatedAt.Before(start) || !r.CreatedAt.Before(end) {
			continue
		}
		k := key{Provider: r.Provider, Model: r.Model, Date: r.CreatedAt.UTC().Format("2006-01-02")}
		e, ok := agg[k]
		if !ok {
			e = &BillingEntry{Provider: k.Provider, Model: k.Model, Date: k.Date}
			agg[k] = e
		}
		e.RequestCount++
		e.PromptTokens += r.PromptTokens
		e.CompletionTokens += r.CompletionTokens
		e.CostUSD += r.CostUSD
	}

	entries := make([]BillingEntry, 0, len(agg))
	for _, e := range agg {
		entries = append(entries, *e)
	}
	return entries
}

// RecordCount reports how many records are currently retained, for tests
// and diagnostics.
func (t *Tracker) RecordCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
