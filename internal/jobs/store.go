package jobs

import "context"

// Store keeps the history of unit runs.
type Store interface {
	RecordRun(ctx context.Context, run *UnitRun) error
	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]*UnitRun, error)
}

// NopStore drops history; used when the ledger backend has no history table.
type NopStore struct{}

func (NopStore) RecordRun(context.Context, *UnitRun) error {
	return nil
}

func (NopStore) ListRuns(context.Context, int) ([]*UnitRun, error) {
	return nil, nil
}
