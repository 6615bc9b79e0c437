package economics

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Threshold levels in ascending order of severity.
const (
	LevelWarn     = "WARN"
	LevelHigh     = "HIGH"
	LevelCritical = "CRITICAL"
	LevelHardStop = "HARD_STOP"
)

// Thresholds maps each level to the budget ratio that triggers it, highest
// first.
var Thresholds = []struct {
	Level string
	Ratio float64
}{
	{LevelHardStop, 1.10},
	{LevelCritical, 1.00},
	{LevelHigh, 0.90},
	{LevelWarn, 0.70},
}

// Evaluate returns the highest level reached by spent against budget, or ""
// when none is reached or the inputs are not usable.
func Evaluate(spent, budget float64) string {
	if !finite(spent) || !finite(budget) || budget <= 0 {
		return ""
	}
	ratio := math.Max(spent, 0) / budget
	for _, t := range Thresholds {
		if ratio >= t.Ratio {
			return t.Level
		}
	}
	return ""
}

// Status holds JSON-safe budget facts. Nil pointers stand for values that
// cannot be computed.
type Status struct {
	BudgetUSD *float64 `json:"budget_usd"`
	SpendUSD  *float64 `json:"spend_usd"`
	Ratio     *float64 `json:"ratio"`
	MarginUSD *float64 `json:"margin_usd"`
	MarginPct *float64 `json:"margin_pct"`
	Threshold string   `json:"threshold,omitempty"`
	// ToThreshold is the remaining spend before each level triggers.
	ToThreshold map[string]float64 `json:"to_threshold,omitempty"`
}

// BudgetStatus computes the facts for spent against budget.
func BudgetStatus(spent, budget float64) Status {
	if !finite(spent) || !finite(budget) {
		return Status{}
	}
	spent = math.Max(spent, 0)
	st := Status{BudgetUSD: ptr(budget), SpendUSD: ptr(spent)}
	if budget <= 0 {
		return st
	}
	st.Ratio = ptr(spent / budget)
	st.MarginUSD = ptr(budget - spent)
	st.MarginPct = ptr((budget - spent) / budget)
	st.Threshold = Evaluate(spent, budget)
	st.ToThreshold = make(map[string]float64, len(Thresholds))
	for _, t := range Thresholds {
		st.ToThreshold[t.Level] = round6(math.Max(budget*t.Ratio-spent, 0))
	}
	return st
}

// Contributor is one aggregated spend bucket.
type Contributor struct {
	Key     string  `json:"key"`
	CostUSD float64 `json:"cost_usd"`
}

// TopContributors aggregates cost by "category" or "vendor" (empty vendors
// bucket as "unknown") and returns the n largest, ties broken by key.
func TopContributors(entries []Entry, by string, n int) []Contributor {
	buckets := map[string]float64{}
	for _, e := range entries {
		key := e.Category
		if by == "vendor" {
			key = e.Vendor
			if key == "" {
				key = "unknown"
			}
		}
		buckets[key] += e.Cost()
	}
	out := make([]Contributor, 0, len(buckets))
	for k, v := range buckets {
		out = append(out, Contributor{Key: k, CostUSD: v})
	}
	slices.SortFunc(out, func(a, b Contributor) int {
		if c := cmp.Compare(b.CostUSD, a.CostUSD); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if n < 0 {
		n = 0
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// TriggerSchema tags budget trigger events.
const TriggerSchema = "gados.economics.trigger.v1"

// TriggerEvent is the transport-agnostic payload emitted when a threshold
// is reached.
type TriggerEvent struct {
	Schema          string                   `json:"schema"`
	EventType       string                   `json:"event_type"`
	CorrelationID   string                   `json:"correlation_id,omitempty"`
	Scope           Scope                    `json:"scope"`
	Summary         string                   `json:"summary"`
	Facts           Status                   `json:"facts"`
	TopContributors map[string][]Contributor `json:"top_contributors"`
}

// Scope names what a budget applies to, such as ("day", "2026-01-02").
type Scope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// BuildTriggerEvent returns the trigger for entries against budget, or nil
// when no threshold is reached.
func BuildTriggerEvent(entries []Entry, budget float64, scope Scope, correlationID string) *TriggerEvent {
	spent := Total(entries)
	level := Evaluate(spent, budget)
	if level == "" {
		return nil
	}
	return &TriggerEvent{
		Schema:        TriggerSchema,
		EventType:     "economics.budget_threshold",
		CorrelationID: correlationID,
		Scope:         scope,
		Summary:       fmt.Sprintf("%s economics threshold reached for %s %s", level, scope.Type, scope.ID),
		Facts:         BudgetStatus(spent, budget),
		TopContributors: map[string][]Contributor{
			"by_category": TopContributors(entries, "category", 5),
			"by_vendor":   TopContributors(entries, "vendor", 5),
		},
	}
}

func ptr(f float64) *float64 { return &f }
