package jobs

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

type Kind string

const (
	KindBackup Kind = "backup"
	KindPrune  Kind = "prune"
)

// UnitRun is one attempt at backing up a unit, or at pruning a repository.
type UnitRun struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Job        string    `json:"job"`
	Unit       string    `json:"unit,omitempty"`
	Volume     string    `json:"volume"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func NewRun(kind Kind, job, unit, volume string, startedAt time.Time) *UnitRun {
	return &UnitRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		Job:       job,
		Unit:      unit,
		Volume:    volume,
		StartedAt: startedAt.UTC(),
	}
}

// Finish records the outcome. A nil err means success.
func (r *UnitRun) Finish(finishedAt time.Time, err error) *UnitRun {
	r.FinishedAt = finishedAt.UTC()
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
		return r
	}
	r.Status = StatusSuccess
	r.Error = ""
	return r
}

// Skip marks a run that never started, e.g. because its volume was unavailable.
func (r *UnitRun) Skip(finishedAt time.Time, reason string) *UnitRun {
	r.FinishedAt = finishedAt.UTC()
	r.Status = StatusSkipped
	r.Error = reason
	return r
}

func (r *UnitRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
