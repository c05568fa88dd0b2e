// Package metrics records backup run outcomes for a node_exporter textfile
// collector.
package metrics

import "time"

// Outcome labels run and step results.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// OutcomeOf maps a success flag to an Outcome.
func OutcomeOf(ok bool) Outcome {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailed
}

// Recorder defines the hooks the orchestrator reports through. NoopRecorder
// is used when no textfile is configured.
type Recorder interface {
	ObserveUnitBackup(job, unit string, d time.Duration, outcome Outcome)
	SetLastSuccess(job, unit string, at time.Time)
	IncPrune(job string, outcome Outcome)
	IncRepoOutcome(job string, outcome Outcome)
	ObserveRunDuration(d time.Duration, outcome Outcome)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveUnitBackup(string, string, time.Duration, Outcome) {}

func (NoopRecorder) SetLastSuccess(string, string, time.Time) {}

func (NoopRecorder) IncPrune(string, Outcome) {}

func (NoopRecorder) IncRepoOutcome(string, Outcome) {}

func (NoopRecorder) ObserveRunDuration(time.Duration, Outcome) {}
