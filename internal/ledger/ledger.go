// Package ledger records when each (job, unit) pair last completed successfully.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Never is the elapsed time reported for a pair that has no recorded success.
const Never = time.Duration(math.MaxInt64)

type Ledger struct {
	store Store
	clock clock.Clock

	mu   sync.Mutex
	data Entries
}

// Open loads the ledger from store once.
func Open(ctx context.Context, store Store, clk clock.Clock) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is nil")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	data, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if data == nil {
		data = Entries{}
	}
	return &Ledger{store: store, clock: clk, data: data}, nil
}

// LastRun returns the time of the last recorded success.
func (l *Ledger) LastRun(job, unit string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.data[job][unit]
	return t, ok
}

// Elapsed is the time since the last recorded success, or Never.
func (l *Ledger) Elapsed(job, unit string) time.Duration {
	last, ok := l.LastRun(job, unit)
	if !ok {
		return Never
	}
	return l.clock.Now().Sub(last)
}

func (l *Ledger) ElapsedSeconds(job, unit string) int64 {
	d := l.Elapsed(job, unit)
	if d == Never {
		return math.MaxInt64
	}
	return int64(d / time.Second)
}

// RecordSuccess stamps (job, unit) with the current time and persists the
// whole ledger before returning. A failed save leaves the ledger unchanged.
func (l *Ledger) RecordSuccess(ctx context.Context, job, unit string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	units, ok := l.data[job]
	if !ok {
		units = make(map[string]time.Time)
		l.data[job] = units
	}
	prev, hadPrev := units[unit]
	units[unit] = l.clock.Now().UTC()

	if err := l.store.Save(ctx, l.data); err != nil {
		if hadPrev {
			units[unit] = prev
		} else {
			delete(units, unit)
			if len(units) == 0 {
				delete(l.data, job)
			}
		}
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// Jobs lists job names that have at least one entry.
func (l *Ledger) Jobs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]string, 0, len(l.data))
	for job := range l.data {
		ret = append(ret, job)
	}
	sort.Strings(ret)
	return ret
}
