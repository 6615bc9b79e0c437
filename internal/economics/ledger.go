// Package economics records spend in an append-only JSONL ledger and
// evaluates it against budget thresholds.
package economics

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/alfredjeanlab/gados/internal/idgen"
	"github.com/alfredjeanlab/gados/internal/jsonl"
)

// EntrySchema tags every ledger record.
const EntrySchema = "economics.ledger.entry.v1"

// Entry is one ledger record.
type Entry struct {
	Schema        string         `json:"schema"`
	EntryID       string         `json:"entry_id"`
	Timestamp     string         `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	RunID         string         `json:"run_id"`
	Producer      string         `json:"producer"`
	Category      string         `json:"category"`
	Unit          string         `json:"unit"`
	Quantity      float64        `json:"quantity"`
	UnitCostUSD   float64        `json:"unit_cost_usd"`
	CostUSD       float64        `json:"cost_usd"`
	Labels        map[string]any `json:"labels"`
	Vendor        string         `json:"vendor,omitempty"`
	Model         string         `json:"model,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	Notes         string         `json:"notes,omitempty"`
}

// Cost returns quantity times unit cost.
func (e Entry) Cost() float64 {
	return e.Quantity * e.UnitCostUSD
}

// Ledger appends entries to a JSONL file.
type Ledger struct {
	path string
	now  func() time.Time
}

// NewLedger returns a ledger stored at path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path, now: time.Now}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Append fills the id, timestamp, schema and cost of e, normalizes its
// labels and appends it. Non-finite quantities or costs are rejected.
func (l *Ledger) Append(e Entry) (Entry, error) {
	if !finite(e.Quantity) || !finite(e.UnitCostUSD) {
		return Entry{}, fmt.Errorf("ledger entry: quantity and unit_cost_usd must be finite")
	}
	if e.EntryID == "" {
		id, err := idgen.New(idgen.Ledger)
		if err != nil {
			return Entry{}, err
		}
		e.EntryID = id
	}
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format("2006-01-02T15:04:05Z")
	}
	e.Schema = EntrySchema
	e.CostUSD = round6(e.Cost())
	e.Labels = NormalizeLabels(e.Labels)
	if err := jsonl.Append(l.path, e); err != nil {
		return Entry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return e, nil
}

// Filter selects ledger entries. Empty fields match everything.
type Filter struct {
	CorrelationID string
	RunID         string
}

// Entries reads the ledger, skipping lines that are not ledger entries.
func (l *Ledger) Entries(f Filter) ([]Entry, error) {
	var out []Entry
	err := jsonl.ReadAll(l.path, func(raw json.RawMessage) error {
		var e Entry
		if json.Unmarshal(raw, &e) != nil || e.Schema != EntrySchema {
			return nil
		}
		if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
			return nil
		}
		if f.RunID != "" && e.RunID != f.RunID {
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Total sums the cost of entries.
func Total(entries []Entry) float64 {
	var sum float64
	for _, e := range entries {
		sum += e.Cost()
	}
	return sum
}

// NormalizeLabels coerces label values into JSON-safe primitives.
func NormalizeLabels(labels map[string]any) map[string]any {
	out := make(map[string]any, len(labels))
	for k, v := range labels {
		out[k] = normalize(v, 0)
	}
	return out
}

func normalize(v any, depth int) any {
	if depth > 8 {
		return fmt.Sprint(v)
	}
	switch x := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x
	case float32:
		return normalize(float64(x), depth)
	case float64:
		if !finite(x) {
			return nil
		}
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalize(vv, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalize(vv, depth+1)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = vv
		}
		return out
	}
	return fmt.Sprint(v)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
