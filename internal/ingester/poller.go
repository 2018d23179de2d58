package ingester

import (
	"context"
	"log"
	"sync"
	"time"

	"contractscan/internal/models"
)

// Poll intervals. Intervals widen on emptiness and errors and collapse on
// activity; every contract stays within [pollBase, pollMax].
const (
	pollBase   = 15 * time.Second
	pollMedium = 30 * time.Second
	pollLow    = 60 * time.Second
	pollMax    = 120 * time.Second

	// pollHighWater is the inserted-row count that counts as a surge.
	pollHighWater = 5

	pollTick         = 100 * time.Millisecond
	pollRefreshEvery = 30 * time.Second
	postPollSleep    = 200 * time.Millisecond
)

// pollState is the in-process schedule entry for one contract.
type pollState struct {
	lastPollAt       time.Time // zero until the first poll
	interval         time.Duration
	consecutiveEmpty int
}

// PollerStore lists the contracts eligible for polling.
type PollerStore interface {
	ListContractsByStatus(ctx context.Context, statuses ...string) ([]models.Contract, error)
}

// Poller keeps completed contracts fresh: one scheduler goroutine picks the
// most overdue contract each tick and runs the ingestor in poll mode.
type Poller struct {
	store    PollerStore
	ingestor *Ingestor

	mu     sync.Mutex
	states map[string]*pollState

	now func() time.Time // stubbed in tests
}

func NewPoller(store PollerStore, ing *Ingestor) *Poller {
	return &Poller{
		store:    store,
		ingestor: ing,
		states:   make(map[string]*pollState),
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if err := p.refresh(ctx); err != nil {
		log.Printf("[poller] initial contract refresh failed: %v", err)
	}

	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()
	refresh := time.NewTicker(pollRefreshEvery)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[poller] stopped")
			return
		case <-refresh.C:
			if err := p.refresh(ctx); err != nil {
				log.Printf("[poller] contract refresh failed: %v", err)
			}
		case <-ticker.C:
			addr := p.nextDue(p.now())
			if addr == "" {
				continue
			}
			p.pollOne(ctx, addr)
			sleepCtx(ctx, postPollSleep)
		}
	}
}

// refresh syncs the schedule with the contract table: completed contracts
// join at the base interval, everything else drops out.
func (p *Poller) refresh(ctx context.Context) error {
	contracts, err := p.store.ListContractsByStatus(ctx, models.StatusComplete)
	if err != nil {
		return err
	}

	active := make(map[string]bool, len(contracts))
	for _, c := range contracts {
		active[c.Address] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range contracts {
		if _, ok := p.states[c.Address]; !ok {
			p.states[c.Address] = &pollState{interval: pollBase}
			log.Printf("[poller] tracking %s", c.Address)
		}
	}
	for addr := range p.states {
		if !active[addr] {
			delete(p.states, addr)
			log.Printf("[poller] dropped %s", addr)
		}
	}
	return nil
}

// nextDue returns the most overdue contract, or "" when nothing is due.
// Never-polled contracts sort first.
func (p *Poller) nextDue(now time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		best        string
		bestOverdue time.Duration
		bestVirgin  bool
	)
	for addr, st := range p.states {
		if st.lastPollAt.IsZero() {
			if !bestVirgin || addr < best {
				best, bestVirgin = addr, true
			}
			continue
		}
		if bestVirgin {
			continue
		}
		overdue := now.Sub(st.lastPollAt) - st.interval
		if overdue <= 0 {
			continue
		}
		if best == "" || overdue > bestOverdue {
			best, bestOverdue = addr, overdue
		}
	}
	return best
}

func (p *Poller) pollOne(ctx context.Context, addr string) {
	inserted, err := p.ingestor.Poll(ctx, addr)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Printf("[poller] %s poll failed: %v", addr, err)
	} else if inserted > 0 {
		log.Printf("[poller] %s inserted %d new rows", addr, inserted)
	}
	p.record(addr, inserted, err != nil, p.now())
}

// record applies the interval adjustment table.
func (p *Poller) record(addr string, inserted int64, failed bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[addr]
	if !ok {
		return
	}
	st.lastPollAt = now

	switch {
	case failed:
		st.interval = capInterval(st.interval * 2)
		st.consecutiveEmpty++
	case inserted >= pollHighWater:
		st.interval = pollBase
		st.consecutiveEmpty = 0
	case inserted > 0:
		st.interval = pollMedium
		st.consecutiveEmpty = 0
	case st.consecutiveEmpty == 0:
		st.interval = pollLow
		st.consecutiveEmpty = 1
	default:
		st.interval = capInterval(st.interval * 2)
		st.consecutiveEmpty++
	}
}

func capInterval(d time.Duration) time.Duration {
	if d > pollMax {
		return pollMax
	}
	if d < pollBase {
		return pollBase
	}
	return d
}

// snapshot returns a copy of one contract's schedule state (tests and the
// operator API).
func (p *Poller) snapshot(addr string) (pollState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[addr]
	if !ok {
		return pollState{}, false
	}
	return *st, true
}
