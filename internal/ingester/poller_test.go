package ingester

import (
	"context"
	"testing"
	"time"

	"contractscan/internal/models"
)

type staticContracts []models.Contract

func (s staticContracts) ListContractsByStatus(_ context.Context, _ ...string) ([]models.Contract, error) {
	return s, nil
}

func newTestPoller(t *testing.T, addrs ...string) *Poller {
	t.Helper()
	var contracts staticContracts
	for _, a := range addrs {
		contracts = append(contracts, models.Contract{Address: a, Status: models.StatusComplete})
	}
	p := NewPoller(contracts, NewIngestor(&scriptedExplorer{}, newFakeStore(), 1, 50, 10))
	if err := p.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return p
}

func TestPollerIntervalTable(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name          string
		startInterval time.Duration
		startEmpty    int
		inserted      int64
		failed        bool
		wantInterval  time.Duration
		wantEmpty     int
	}{
		{"error doubles", pollBase, 0, 0, true, pollBase * 2, 1},
		{"error capped", pollMax, 3, 0, true, pollMax, 4},
		{"surge resets", pollLow, 1, 7, false, pollBase, 0},
		{"trickle goes medium", pollLow, 2, 2, false, pollMedium, 0},
		{"first empty goes low", pollBase, 0, 0, false, pollLow, 1},
		{"subsequent empty doubles", pollLow, 1, 0, false, pollMax, 2},
		{"empty capped at max", pollMax, 5, 0, false, pollMax, 6},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			p := newTestPoller(t, "0xc1")
			p.states["0xc1"].interval = c.startInterval
			p.states["0xc1"].consecutiveEmpty = c.startEmpty

			p.record("0xc1", c.inserted, c.failed, now)

			st, _ := p.snapshot("0xc1")
			if st.interval != c.wantInterval {
				t.Errorf("interval = %s, want %s", st.interval, c.wantInterval)
			}
			if st.consecutiveEmpty != c.wantEmpty {
				t.Errorf("consecutiveEmpty = %d, want %d", st.consecutiveEmpty, c.wantEmpty)
			}
			if st.interval < pollBase || st.interval > pollMax {
				t.Errorf("interval %s escaped [%s, %s]", st.interval, pollBase, pollMax)
			}
			if !st.lastPollAt.Equal(now) {
				t.Errorf("lastPollAt not recorded")
			}
		})
	}
}

// Activity surge from the one-empty-poll state: 7 rows snap the contract
// back to the base interval.
func TestPollerActivitySurge(t *testing.T) {
	t.Parallel()

	p := newTestPoller(t, "0xc1")
	p.states["0xc1"].interval = pollLow
	p.states["0xc1"].consecutiveEmpty = 1

	p.record("0xc1", 7, false, time.Now())

	st, _ := p.snapshot("0xc1")
	if st.interval != pollBase {
		t.Errorf("interval = %s, want %s", st.interval, pollBase)
	}
	if st.consecutiveEmpty != 0 {
		t.Errorf("consecutiveEmpty = %d", st.consecutiveEmpty)
	}
}

func TestPollerNextDue(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newTestPoller(t, "0xa", "0xb", "0xc")

	// Never-polled contracts come first.
	if got := p.nextDue(now); got == "" {
		t.Fatal("virgin contracts must be due immediately")
	}

	// With history: the most overdue wins.
	p.states["0xa"].lastPollAt = now.Add(-20 * time.Second) // 5s overdue at base
	p.states["0xb"].lastPollAt = now.Add(-80 * time.Second) // 65s overdue at base
	p.states["0xc"].lastPollAt = now.Add(-5 * time.Second)  // not due
	for _, st := range p.states {
		st.interval = pollBase
	}
	if got := p.nextDue(now); got != "0xb" {
		t.Errorf("nextDue = %q, want 0xb", got)
	}

	// Nothing due.
	for _, st := range p.states {
		st.lastPollAt = now
	}
	if got := p.nextDue(now); got != "" {
		t.Errorf("nextDue = %q, want none", got)
	}
}

func TestPollerRefreshDropsNonComplete(t *testing.T) {
	t.Parallel()

	contracts := staticContracts{{Address: "0xkeep", Status: models.StatusComplete}}
	p := NewPoller(contracts, NewIngestor(&scriptedExplorer{}, newFakeStore(), 1, 50, 10))
	p.states["0xgone"] = &pollState{interval: pollBase}

	if err := p.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := p.snapshot("0xgone"); ok {
		t.Error("stale contract not dropped")
	}
	if _, ok := p.snapshot("0xkeep"); !ok {
		t.Error("complete contract not tracked")
	}
}
