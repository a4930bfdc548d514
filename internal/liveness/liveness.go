// Package liveness tracks operations sent to adults and reports adults
// that stop answering.
package liveness

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

// PendingOpsThreshold is the outstanding-op count at which an adult is
// considered unresponsive.
const PendingOpsThreshold = 10

type OpID string

type Tracker struct {
	mu        sync.Mutex
	clock     clock.PassiveClock
	threshold int
	pending   map[xorname.XorName]map[OpID]time.Time
}

func New(clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{clock: clk, threshold: PendingOpsThreshold, pending: make(map[xorname.XorName]map[OpID]time.Time)}
}

// AddPending records op as sent to adult, due within timeout.
func (t *Tracker) AddPending(adult xorname.XorName, op OpID, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := t.pending[adult]
	if ops == nil {
		ops = make(map[OpID]time.Time)
		t.pending[adult] = ops
	}
	ops[op] = t.clock.Now().Add(timeout)
}

// Fulfilled removes the record of op at adult and reports whether it existed.
func (t *Tracker) Fulfilled(adult xorname.XorName, op OpID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := t.pending[adult]
	if _, ok := ops[op]; !ok {
		return false
	}
	delete(ops, op)
	if len(ops) == 0 {
		delete(t.pending, adult)
	}
	return true
}

func (t *Tracker) PendingCount(adult xorname.XorName) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[adult])
}

// Overdue counts adult's operations past their deadline.
func (t *Tracker) Overdue(adult xorname.XorName) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	n := 0
	for _, due := range t.pending[adult] {
		if now.After(due) {
			n++
		}
	}
	return n
}

// FindUnresponsive lists adults whose outstanding operations reached the
// threshold, ordered by name.
func (t *Tracker) FindUnresponsive() []xorname.XorName {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []xorname.XorName
	for adult, ops := range t.pending {
		if len(ops) >= t.threshold {
			out = append(out, adult)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Retain forgets adults not in members.
func (t *Tracker) Retain(members []xorname.XorName) {
	keep := make(map[xorname.XorName]bool, len(members))
	for _, m := range members {
		keep[m] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for adult := range t.pending {
		if !keep[adult] {
			delete(t.pending, adult)
		}
	}
}

func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ops := range t.pending {
		n += len(ops)
	}
	return n
}
