// Package sync archives evidence snapshots (registry runs, beta runs and
// ledger entries) as JSONL to S3 or a git repository on a schedule.
package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DestinationTimeout bounds a single destination write.
const DestinationTimeout = 2 * time.Minute

// Destination is an archive target (S3, git).
type Destination interface {
	// Name identifies the destination in logs.
	Name() string
	// Write sends the JSONL payload to the destination.
	Write(ctx context.Context, data []byte) error
}

// Report summarises one archive pass.
type Report struct {
	Bytes  int
	SHA256 string
	Failed []string // names of destinations that returned an error
}

// Scheduler archives a snapshot of src to every destination on an interval.
type Scheduler struct {
	src      Source
	dests    []Destination
	interval time.Duration
	logger   *slog.Logger

	stop context.CancelFunc
	done sync.WaitGroup
}

func NewScheduler(src Source, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{src: src, dests: destinations, interval: interval, logger: logger}
}

// Start archives once immediately and then every interval until Stop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.SyncOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight archive to return.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.done.Wait()
}

// SyncOnce exports one snapshot and writes it to all destinations in
// parallel. A failing destination does not affect the others. Export
// failures skip the destinations entirely and return nil.
func (s *Scheduler) SyncOnce(ctx context.Context) *Report {
	var buf bytes.Buffer
	if err := ExportJSONL(ctx, s.src, &buf); err != nil {
		s.logger.Error("archive export failed", "err", err)
		return nil
	}
	data := buf.Bytes()
	sum := sha256.Sum256(data)
	rep := &Report{Bytes: len(data), SHA256: hex.EncodeToString(sum[:])}

	var mu sync.Mutex
	var g errgroup.Group
	for _, dest := range s.dests {
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(ctx, DestinationTimeout)
			defer cancel()
			if err := dest.Write(wctx, data); err != nil {
				s.logger.Error("archive destination write failed", "destination", dest.Name(), "err", err)
				mu.Lock()
				rep.Failed = append(rep.Failed, dest.Name())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("archive completed",
		"destinations", len(s.dests),
		"failed", len(rep.Failed),
		"bytes", rep.Bytes,
		"sha256", rep.SHA256,
	)
	return rep
}
