package costtracker

import (
	"testing"
	"time"
)

func testPrices() map[string]ModelPrice {
	return map[string]ModelPrice{
		"gpt-4o": {InputPer1K: 0.01, OutputPer1K: 0.02},
	}
}

func TestTrack_ComputesCostFromPriceTable(t *testing.T) {
	tr := New(testPrices(), Options{})
	cost := tr.Track("openai", "gpt-4o", 1000, 500)
	want := 0.01 + 0.01 // 1000/1000*0.01 + 500/1000*0.02
	if cost != want {
		t.Errorf("cost = %v, want %v", cost, want)
	}
}

func TestTrack_UnknownModelCostsZero(t *testing.T) {
	tr := New(testPrices(), Options{})
	cost := tr.Track("openai", "mystery-model", 1000, 1000)
	if cost != 0 {
		t.Errorf("cost = %v, want 0", cost)
	}
}

func TestCurrentMonthCost_SumsAllRecentRecords(t *testing.T) {
	tr := New(testPrices(), Options{})
	tr.Track("openai", "gpt-4o", 1000, 0)
	tr.Track("openai", "gpt-4o", 1000, 0)
	got := tr.CurrentMonthCost()
	if got != 0.02 {
		t.Errorf("CurrentMonthCost = %v, want 0.02", got)
	}
}

func TestBilling_GroupsByProviderModelDate(t *testing.T) {
	tr := New(testPrices(), Options{})
	tr.Track("openai", "gpt-4o", 1000, 0)
	tr.Track("openai", "gpt-4o", 1000, 0)
	tr.Track("openai", "gpt-4o-mini", 1000, 0)

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	entries := tr.Billing(start, end)

	var gpt4oCount, gpt4oMiniCount int
	for _, e := range entries {
		switch e.Model {
		case "gpt-4o":
			gpt4oCount = e.RequestCount
		case "gpt-4o-mini":
			gpt4oMiniCount = e.RequestCount
		}
	}
	if gpt4oCount != 2 {
		t.Errorf("gpt-4o RequestCount = %d, want 2", gpt4oCount)
	}
	if gpt4oMiniCount != 1 {
		t.Errorf("gpt-4o-mini RequestCount = %d, want 1", gpt4oMiniCount)
	}
}

func TestBilling_ExcludesRecordsOutsideRange(t *testing.T) {
	tr := New(testPrices(), Options{})
	tr.Track("openai", "gpt-4o", 1000, 0)

	// A window entirely before any tracked record.
	start := time.Now().Add(-2 * time.Hour)
	end := time.Now().Add(-time.Hour)
	entries := tr.Billing(start, end)
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}

func TestRetention_EvictsOldRecords(t *testing.T) {
	tr := New(testPrices(), Options{Retention: time.Millisecond})
	tr.Track("openai", "gpt-4o", 1000, 0)
	time.Sleep(5 * time.Millisecond)
	// Trigger evictLocked via a second Track call.
	tr.Track("openai", "gpt-4o", 1000, 0)
	if got := tr.RecordCount(); got != 1 {
		t.Errorf("RecordCount = %d, want 1 (oldest evicted)", got)
	}
}

func TestMaxRecords_CapsRetainedCount(t *testing.T) {
	tr := New(testPrices(), Options{MaxRecords: 2})
	tr.Track("openai", "gpt-4o", 1000, 0)
	tr.Track("openai", "gpt-4o", 1000, 0)
	tr.Track("openai", "gpt-4o", 1000, 0)
	if got := tr.RecordCount(); got != 2 {
		t.Errorf("RecordCount = %d, want 2", got)
	}
}

func TestBudgetCallbacks_FireOncePerThresholdCrossing(t *testing.T) {
	warnCh := make(chan float64, 10)
	limitCh := make(chan float64, 10)
	tr := New(testPrices(), Options{
		Warning: 0.01,
		Limit:   0.02,
		OnWarning: func(threshold string, total float64) {
			warnCh <- total
		},
		OnLimit: func(threshold string, total float64) {
			limitCh <- total
		},
	})

	// Each call costs 0.01 (1000 prompt tokens at 0.01/1K).
	tr.Track("openai", "gpt-4o", 1000, 0) // total 0.01 -> warning
	tr.Track("openai", "gpt-4o", 1000, 0) // total 0.02 -> limit
	tr.Track("openai", "gpt-4o", 1000, 0) // total 0.03 -> neither fires again

	deadline := time.After(time.Second)
	var warnings, limits int
loop:
	for warnings < 1 || limits < 1 {
		select {
		case <-warnCh:
			warnings++
		case <-limitCh:
			limits++
		case <-deadline:
			break loop
		}
	}
	if warnings != 1 {
		t.Errorf("warning callback fired %d times, want 1", warnings)
	}
	if limits != 1 {
		t.Errorf("limit callback fired %d times, want 1", limits)
	}

	select {
	case <-warnCh:
		t.Error("warning callback fired more than once")
	case <-limitCh:
		t.Error("limit callback fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}
