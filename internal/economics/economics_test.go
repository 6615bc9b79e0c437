package economics

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEvaluate(t *testing.T) {
	for _, tc := range []struct {
		spent, budget float64
		want          string
	}{
		{0, 10, ""},
		{6.99, 10, ""},
		{7, 10, LevelWarn},
		{9, 10, LevelHigh},
		{10, 10, LevelCritical},
		{11, 10, LevelHardStop},
		{50, 10, LevelHardStop},
		{-5, 10, ""},
		{5, 0, ""},
		{5, -1, ""},
		{math.NaN(), 10, ""},
		{5, math.Inf(1), ""},
	} {
		if got := Evaluate(tc.spent, tc.budget); got != tc.want {
			t.Errorf("Evaluate(%v, %v) = %q, want %q", tc.spent, tc.budget, got, tc.want)
		}
	}
}

func TestBudgetStatus(t *testing.T) {
	st := BudgetStatus(8, 10)
	if *st.SpendUSD != 8 || *st.MarginUSD != 2 || math.Abs(*st.MarginPct-0.2) > 1e-9 || st.Threshold != LevelWarn {
		t.Errorf("status = %+v", st)
	}
	if st.ToThreshold[LevelWarn] != 0 || st.ToThreshold[LevelHigh] != 1 || st.ToThreshold[LevelHardStop] != 3 {
		t.Errorf("to_threshold = %v", st.ToThreshold)
	}

	nan := BudgetStatus(math.NaN(), 10)
	b, err := json.Marshal(nan)
	if err != nil {
		t.Fatalf("marshal non-finite status: %v", err)
	}
	if !strings.Contains(string(b), `"spend_usd":null`) {
		t.Errorf("non-finite status = %s", b)
	}

	zero := BudgetStatus(-3, 0)
	if *zero.SpendUSD != 0 || zero.MarginUSD != nil {
		t.Errorf("zero budget status = %+v", zero)
	}
}

func TestTopContributors(t *testing.T) {
	entries := []Entry{
		{Category: "llm", Vendor: "openai", Quantity: 2, UnitCostUSD: 1},
		{Category: "compute", Quantity: 3, UnitCostUSD: 1},
		{Category: "llm", Vendor: "anthropic", Quantity: 1, UnitCostUSD: 1},
		{Category: "storage", Quantity: 3, UnitCostUSD: 1},
	}
	got := TopContributors(entries, "category", 2)
	want := []Contributor{{"compute", 3}, {"llm", 3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("by category (-want +got):\n%s", diff)
	}
	byVendor := TopContributors(entries, "vendor", 10)
	if byVendor[0].Key != "unknown" || byVendor[0].CostUSD != 6 {
		t.Errorf("by vendor = %v", byVendor)
	}
	if got := TopContributors(entries, "category", -1); len(got) != 0 {
		t.Errorf("negative limit = %v", got)
	}
}

func TestLedgerAppendAndFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "economics.jsonl")
	l := NewLedger(path)
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	e, err := l.Append(Entry{
		CorrelationID: "c1", RunID: "r1", Producer: "beta.spend_guardrail",
		Category: "llm_tokens", Unit: "usd", Quantity: 0.1, UnitCostUSD: 3,
		Labels: map[string]any{"nan": math.NaN(), "raw": []byte("hi"), "nested": map[string]any{"inf": math.Inf(-1)}},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Schema != EntrySchema || e.Timestamp != "2026-01-02T03:04:05Z" || !strings.HasPrefix(e.EntryID, "led-") {
		t.Errorf("filled entry = %+v", e)
	}
	if e.CostUSD != 0.3 {
		t.Errorf("cost = %v, want 0.3", e.CostUSD)
	}
	if _, err := l.Append(Entry{CorrelationID: "c2", RunID: "r1", Quantity: 1, UnitCostUSD: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(Entry{Quantity: math.Inf(1)}); err == nil {
		t.Error("infinite quantity accepted")
	}

	// Foreign lines are ignored.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("{\"schema\":\"other\"}\n")
	f.Close()

	all, err := l.Entries(Filter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("Entries = %d, %v", len(all), err)
	}
	if all[0].Labels["nan"] != nil || all[0].Labels["raw"] != "hi" {
		t.Errorf("labels = %v", all[0].Labels)
	}
	c1, _ := l.Entries(Filter{CorrelationID: "c1"})
	if len(c1) != 1 {
		t.Errorf("filter by correlation = %d", len(c1))
	}
	if total := Total(all); math.Abs(total-2.3) > 1e-9 {
		t.Errorf("Total = %v", total)
	}
}

func TestBuildTriggerEvent(t *testing.T) {
	entries := []Entry{{Category: "llm_tokens", Quantity: 9.5, UnitCostUSD: 1}}
	ev := BuildTriggerEvent(entries, 10, Scope{Type: "day", ID: "2026-01-02"}, "c1")
	if ev == nil {
		t.Fatal("expected trigger")
	}
	if ev.Schema != TriggerSchema || ev.Facts.Threshold != LevelHigh || ev.Summary != "HIGH economics threshold reached for day 2026-01-02" {
		t.Errorf("event = %+v", ev)
	}
	if ev.TopContributors["by_category"][0].Key != "llm_tokens" {
		t.Errorf("contributors = %v", ev.TopContributors)
	}
	if BuildTriggerEvent(entries, 100, Scope{}, "") != nil {
		t.Error("trigger below threshold")
	}
}
