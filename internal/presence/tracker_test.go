package presence

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

var epoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func newTracker() (*Tracker, *time.Time) {
	tr := New()
	clock := epoch
	tr.now = func() time.Time { return clock }
	return tr, &clock
}

func TestBeat_BasicTracking(t *testing.T) {
	tr, clock := newTracker()

	tr.Beat("CoordinationAgent", "CA-1", time.Time{})
	*clock = clock.Add(30 * time.Second)
	tr.Beat("CoordinationAgent", "CA-1", time.Time{})

	roster := tr.Roster(0)
	if len(roster) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(roster))
	}
	e := roster[0]
	if e.Role != "CoordinationAgent" || e.AgentID != "CA-1" {
		t.Errorf("unexpected key %s/%s", e.Role, e.AgentID)
	}
	if e.BeatCount != 2 {
		t.Errorf("expected 2 beats, got %d", e.BeatCount)
	}
	if e.UptimeSecs != 30 {
		t.Errorf("expected uptime 30s, got %v", e.UptimeSecs)
	}
	if got := tr.LastSeen("CoordinationAgent", "CA-1"); !got.Equal(epoch.Add(30 * time.Second)) {
		t.Errorf("LastSeen = %v", got)
	}
}

func TestBeat_IgnoresEmptyIdentity(t *testing.T) {
	tr, _ := newTracker()
	tr.Beat("", "CA-1", time.Time{})
	tr.Beat("CoordinationAgent", "", time.Time{})
	if n := len(tr.Roster(0)); n != 0 {
		t.Fatalf("expected 0 entries, got %d", n)
	}
	if !tr.LastSeen("x", "y").IsZero() {
		t.Error("unknown agent should have zero LastSeen")
	}
}

func TestBeat_OutOfOrderKeepsLatest(t *testing.T) {
	tr, _ := newTracker()
	tr.Beat("A", "1", epoch.Add(time.Minute))
	tr.Beat("A", "1", epoch)
	if got := tr.LastSeen("A", "1"); !got.Equal(epoch.Add(time.Minute)) {
		t.Errorf("LastSeen = %v", got)
	}
}

func TestRoster_StaleThresholdAndOrder(t *testing.T) {
	tr, clock := newTracker()

	tr.Beat("A", "old", epoch.Add(-20*time.Minute))
	tr.Beat("A", "mid", epoch.Add(-time.Minute))
	tr.Beat("A", "new", epoch)

	roster := tr.Roster(10 * time.Minute)
	if len(roster) != 2 || roster[0].AgentID != "new" || roster[1].AgentID != "mid" {
		t.Fatalf("unexpected roster %+v", roster)
	}
	if all := tr.Roster(0); len(all) != 3 || all[2].AgentID != "old" {
		t.Fatalf("unexpected full roster %+v", all)
	}
	*clock = clock.Add(time.Minute)
	if got := tr.Roster(0)[0].IdleSecs; got != 60 {
		t.Errorf("idle = %v, want 60", got)
	}
}

func TestSweep_MarksSilentAgentsDead(t *testing.T) {
	tr, clock := newTracker()
	tr.Beat("SLAWatchdog", "SLA-1", epoch)
	tr.Beat("PolicyWatchdog", "POL-1", epoch.Add(10*time.Minute))
	*clock = epoch.Add(20 * time.Minute)

	var dead []Agent
	cfg := &ReaperConfig{
		DeadThreshold: 15 * time.Minute,
		EvictAfter:    30 * time.Minute,
		OnDead: func(a Agent, lastSeen time.Time) {
			if !lastSeen.Equal(epoch) {
				t.Errorf("lastSeen = %v", lastSeen)
			}
			dead = append(dead, a)
		},
	}
	tr.sweep(cfg)
	tr.sweep(cfg)

	if len(dead) != 1 || dead[0] != (Agent{Role: "SLAWatchdog", AgentID: "SLA-1"}) {
		t.Fatalf("expected SLA-1 reaped once, got %v", dead)
	}
	for _, e := range tr.Roster(0) {
		if e.AgentID == "SLA-1" && (!e.Dead || !e.DeadSince.Equal(*clock)) {
			t.Errorf("SLA-1 entry = %+v", e)
		}
	}
}

func TestSweep_RevivedAgentNotDead(t *testing.T) {
	tr, clock := newTracker()
	tr.Beat("A", "zombie", epoch)
	*clock = epoch.Add(20 * time.Minute)
	tr.sweep(&ReaperConfig{DeadThreshold: 15 * time.Minute, EvictAfter: 30 * time.Minute})

	tr.Beat("A", "zombie", time.Time{})

	roster := tr.Roster(0)
	if len(roster) != 1 || roster[0].Dead || roster[0].BeatCount != 2 {
		t.Fatalf("expected revived agent, got %+v", roster)
	}
}

func TestSweep_EvictsLongDeadAgents(t *testing.T) {
	tr, clock := newTracker()
	tr.Beat("A", "gone", epoch)
	cfg := &ReaperConfig{DeadThreshold: time.Minute, EvictAfter: 5 * time.Minute}

	*clock = epoch.Add(2 * time.Minute)
	tr.sweep(cfg)
	*clock = clock.Add(6 * time.Minute)
	tr.sweep(cfg)

	if n := len(tr.Roster(0)); n != 0 {
		t.Errorf("expected eviction, roster has %d entries", n)
	}
}

func TestStartReaper_StopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := New()

	tr.StartReaper(&ReaperConfig{SweepInterval: 20 * time.Millisecond})
	time.Sleep(60 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		tr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return within 2 seconds")
	}
}
