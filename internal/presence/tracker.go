// Package presence keeps the live agent roster in memory.
//
// Heartbeats are persisted by the bus store; the Tracker mirrors them so the
// roster and the SLA reaper never have to poll the database. The reaper
// flags agents that go silent and eventually drops them from the roster.
package presence

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Entry is one row of the agent roster.
type Entry struct {
	Role       string    `json:"role"`
	AgentID    string    `json:"agent_id"`
	LastSeen   time.Time `json:"last_seen"`
	FirstSeen  time.Time `json:"first_seen"`
	IdleSecs   float64   `json:"idle_secs"`
	BeatCount  int64     `json:"beat_count"`
	Dead       bool      `json:"dead,omitempty"`
	DeadSince  time.Time `json:"dead_since,omitzero"`
	UptimeSecs float64   `json:"uptime_secs"`
}

// Agent is the roster key.
type Agent struct {
	Role    string
	AgentID string
}

// ReaperConfig tunes the dead-agent reaper. Zero fields take the defaults
// noted on each.
type ReaperConfig struct {
	DeadThreshold time.Duration // silence before an agent is dead (15m)
	EvictAfter    time.Duration // time a dead agent stays listed (30m)
	SweepInterval time.Duration // scan period (1m)

	// OnDead runs once per agent each time it goes from alive to dead. It is
	// called without the tracker lock held.
	OnDead func(a Agent, lastSeen time.Time)
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	c.DeadThreshold = cmp.Or(c.DeadThreshold, 15*time.Minute)
	c.EvictAfter = cmp.Or(c.EvictAfter, 30*time.Minute)
	c.SweepInterval = cmp.Or(c.SweepInterval, time.Minute)
	return c
}

type liveness struct {
	first, last time.Time
	beats       int64
	deadSince   time.Time // zero while alive
}

func (l *liveness) entry(a Agent, now time.Time) Entry {
	return Entry{
		Role:       a.Role,
		AgentID:    a.AgentID,
		LastSeen:   l.last,
		FirstSeen:  l.first,
		IdleSecs:   now.Sub(l.last).Seconds(),
		BeatCount:  l.beats,
		Dead:       !l.deadSince.IsZero(),
		DeadSince:  l.deadSince,
		UptimeSecs: l.last.Sub(l.first).Seconds(),
	}
}

// Tracker is the in-memory roster. It is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	agents map[Agent]*liveness
	now    func() time.Time

	stopReaper context.CancelFunc
	reaper     sync.WaitGroup
}

func New() *Tracker {
	return &Tracker{agents: make(map[Agent]*liveness), now: time.Now}
}

// Beat records a heartbeat at at (now when zero). Beats without a role or
// agent id are ignored. A beat from a dead agent revives it.
func (t *Tracker) Beat(role, agentID string, at time.Time) {
	if role == "" || agentID == "" {
		return
	}
	if at.IsZero() {
		at = t.now()
	}
	a := Agent{Role: role, AgentID: agentID}

	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.agents[a]
	if l == nil {
		l = &liveness{first: at}
		t.agents[a] = l
	}
	if !l.deadSince.IsZero() {
		slog.Info("presence: agent back", "role", role, "agent_id", agentID)
		l.deadSince = time.Time{}
	}
	if at.After(l.last) {
		l.last = at
	}
	l.beats++
}

// LastSeen returns the newest heartbeat for the agent, or the zero time.
func (t *Tracker) LastSeen(role, agentID string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l := t.agents[Agent{Role: role, AgentID: agentID}]; l != nil {
		return l.last
	}
	return time.Time{}
}

// Roster lists agents seen within staleThreshold (all of them when it is
// zero), most recent first and then by role and id.
func (t *Tracker) Roster(staleThreshold time.Duration) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make([]Entry, 0, len(t.agents))
	for a, l := range t.agents {
		if staleThreshold > 0 && now.Sub(l.last) > staleThreshold {
			continue
		}
		out = append(out, l.entry(a, now))
	}
	slices.SortFunc(out, func(x, y Entry) int {
		return cmp.Or(
			y.LastSeen.Compare(x.LastSeen),
			cmp.Compare(x.Role, y.Role),
			cmp.Compare(x.AgentID, y.AgentID),
		)
	})
	return out
}

// StartReaper sweeps the roster every cfg.SweepInterval until Stop. A nil
// cfg uses the defaults.
func (t *Tracker) StartReaper(cfg *ReaperConfig) {
	var c ReaperConfig
	if cfg != nil {
		c = *cfg
	}
	c = c.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	t.stopReaper = cancel
	t.reaper.Add(1)
	go func() {
		defer t.reaper.Done()
		ticker := time.NewTicker(c.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(&c)
			}
		}
	}()
	slog.Info("presence: reaper started", "dead_threshold", c.DeadThreshold, "sweep_interval", c.SweepInterval)
}

// Stop ends the reaper, if running, and waits for it to exit.
func (t *Tracker) Stop() {
	if t.stopReaper != nil {
		t.stopReaper()
		t.stopReaper = nil
	}
	t.reaper.Wait()
}

// sweep marks agents silent past the threshold as dead, evicts agents dead
// past EvictAfter, then reports the newly dead.
func (t *Tracker) sweep(cfg *ReaperConfig) {
	now := t.now()
	died := map[Agent]time.Time{}

	t.mu.Lock()
	for a, l := range t.agents {
		switch {
		case l.deadSince.IsZero() && now.Sub(l.last) > cfg.DeadThreshold:
			l.deadSince = now
			died[a] = l.last
		case !l.deadSince.IsZero() && now.Sub(l.deadSince) > cfg.EvictAfter:
			delete(t.agents, a)
		}
	}
	t.mu.Unlock()

	for a, last := range died {
		slog.Info("presence: agent dead", "role", a.Role, "agent_id", a.AgentID, "last_seen", last)
		if cfg.OnDead != nil {
			cfg.OnDead(a, last)
		}
	}
}
