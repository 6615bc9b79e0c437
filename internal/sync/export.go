package sync

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/economics"
	"github.com/alfredjeanlab/gados/internal/registry"
)

// Source supplies the evidence that goes into an archive snapshot.
type Source interface {
	RegistryRuns() ([]registry.Run, error)
	BetaRuns() ([]betarun.Summary, error)
	LedgerEntries() ([]economics.Entry, error)
}

// Sources adapts the evidence stores to Source. Nil stores contribute
// nothing.
type Sources struct {
	Registry *registry.Registry
	Runs     *betarun.Store
	Ledger   *economics.Ledger
}

func (s Sources) RegistryRuns() ([]registry.Run, error) {
	if s.Registry == nil {
		return nil, nil
	}
	return s.Registry.List("", math.MaxInt)
}

func (s Sources) BetaRuns() ([]betarun.Summary, error) {
	if s.Runs == nil {
		return nil, nil
	}
	return s.Runs.List()
}

func (s Sources) LedgerEntries() ([]economics.Entry, error) {
	if s.Ledger == nil {
		return nil, nil
	}
	return s.Ledger.Entries(economics.Filter{})
}

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version       string    `json:"version"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	RegistryCount int       `json:"registry_run_count"`
	BetaRunCount  int       `json:"beta_run_count"`
	LedgerCount   int       `json:"ledger_entry_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes an evidence snapshot as JSONL to w: a header, then
// registry runs sorted by run id, beta runs sorted by run id and ledger
// entries in ledger order.
func ExportJSONL(ctx context.Context, src Source, w io.Writer) error {
	runs, err := src.RegistryRuns()
	if err != nil {
		return fmt.Errorf("list registry runs: %w", err)
	}
	slices.SortFunc(runs, func(a, b registry.Run) int { return cmp.Compare(a.RunID, b.RunID) })

	beta, err := src.BetaRuns()
	if err != nil {
		return fmt.Errorf("list beta runs: %w", err)
	}
	slices.SortFunc(beta, func(a, b betarun.Summary) int { return cmp.Compare(a.RunID, b.RunID) })

	entries, err := src.LedgerEntries()
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:       "1",
		Type:          "header",
		Timestamp:     time.Now().UTC(),
		RegistryCount: len(runs),
		BetaRunCount:  len(beta),
		LedgerCount:   len(entries),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, r := range runs {
		if err := enc.Encode(record{Type: "registry_run", Data: r}); err != nil {
			return fmt.Errorf("encode registry run %s: %w", r.RunID, err)
		}
	}
	for _, r := range beta {
		if err := enc.Encode(record{Type: "beta_run", Data: r}); err != nil {
			return fmt.Errorf("encode beta run %s: %w", r.RunID, err)
		}
	}
	for _, e := range entries {
		if err := enc.Encode(record{Type: "ledger_entry", Data: e}); err != nil {
			return fmt.Errorf("encode ledger entry %s: %w", e.EntryID, err)
		}
	}
	return nil
}
