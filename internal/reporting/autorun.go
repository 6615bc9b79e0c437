package reporting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/gados/internal/paths"
)

// MinAutorunInterval is the shortest allowed autorun period.
const MinAutorunInterval = time.Minute

// AutorunInterval converts a configured minute count into a period, never
// shorter than MinAutorunInterval.
func AutorunInterval(minutes int) time.Duration {
	return max(time.Duration(minutes)*time.Minute, MinAutorunInterval)
}

// Autorun periodically runs a job until stopped. Job failures are logged and
// never stop the loop.
type Autorun struct {
	job      func(ctx context.Context) error
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutorun creates a loop that runs job every interval (floored at
// MinAutorunInterval).
func NewAutorun(job func(ctx context.Context) error, interval time.Duration, logger *slog.Logger) *Autorun {
	if logger == nil {
		logger = slog.Default()
	}
	return &Autorun{
		job:      job,
		interval: max(interval, MinAutorunInterval),
		logger:   logger,
	}
}

// DigestJob returns an autorun job that writes a daily digest for p.
func DigestJob(p paths.Project, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		rel, err := RunDailyDigest(ctx, p, time.Now())
		if err == nil {
			logger.Info("daily digest written", "path", rel)
		}
		return err
	}
}

// Start runs the job immediately and then on every tick.
func (a *Autorun) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

// Stop cancels the loop and waits for a running job to finish.
func (a *Autorun) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Autorun) run(ctx context.Context) {
	a.once(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.once(ctx)
		}
	}
}

func (a *Autorun) once(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("autorun job panicked", "err", r)
		}
	}()
	start := time.Now()
	if err := a.job(ctx); err != nil {
		a.logger.Error("autorun job failed", "err", err)
		return
	}
	a.logger.Info("autorun job completed", "duration", time.Since(start))
}
