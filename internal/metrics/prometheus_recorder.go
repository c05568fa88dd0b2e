package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "volback"

// PrometheusRecorder implements Recorder on a private registry that is
// flushed to a textfile at the end of a run.
type PrometheusRecorder struct {
	reg            *prom.Registry
	unitDuration   *prom.HistogramVec
	unitResults    *prom.CounterVec
	lastSuccess    *prom.GaugeVec
	pruneResults   *prom.CounterVec
	repoOutcomes   *prom.CounterVec
	runDuration    prom.Gauge
	runLastOutcome *prom.GaugeVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		reg: reg,
		unitDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_backup_duration_seconds",
			Help:      "Duration of restic backup per unit",
			Buckets:   prom.ExponentialBuckets(1, 4, 10),
		}, []string{"job", "unit"}),
		unitResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "unit_backup_results_total",
			Help:      "Unit backup results by outcome",
		}, []string{"job", "unit", "outcome"}),
		lastSuccess: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful backup per unit",
		}, []string{"job", "unit"}),
		pruneResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "prune_results_total",
			Help:      "Retention pass results by outcome",
		}, []string{"job", "outcome"}),
		repoOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "repo_outcomes_total",
			Help:      "Repository pass outcomes",
		}, []string{"job", "outcome"}),
		runDuration: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run",
		}),
		runLastOutcome: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "run_last_outcome",
			Help:      "1 for the outcome of the last run, 0 otherwise",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		pr.unitDuration,
		pr.unitResults,
		pr.lastSuccess,
		pr.pruneResults,
		pr.repoOutcomes,
		pr.runDuration,
		pr.runLastOutcome,
	)
	return pr
}

func (p *PrometheusRecorder) ObserveUnitBackup(job, unit string, d time.Duration, outcome Outcome) {
	if p == nil {
		return
	}
	p.unitDuration.WithLabelValues(job, unit).Observe(d.Seconds())
	p.unitResults.WithLabelValues(job, unit, string(outcome)).Inc()
}

func (p *PrometheusRecorder) SetLastSuccess(job, unit string, at time.Time) {
	if p == nil {
		return
	}
	p.lastSuccess.WithLabelValues(job, unit).Set(float64(at.Unix()))
}

func (p *PrometheusRecorder) IncPrune(job string, outcome Outcome) {
	if p == nil {
		return
	}
	p.pruneResults.WithLabelValues(job, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncRepoOutcome(job string, outcome Outcome) {
	if p == nil {
		return
	}
	p.repoOutcomes.WithLabelValues(job, string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration, outcome Outcome) {
	if p == nil {
		return
	}
	p.runDuration.Set(d.Seconds())
	for _, o := range []Outcome{OutcomeSuccess, OutcomeFailed, OutcomeSkipped} {
		v := 0.0
		if o == outcome {
			v = 1
		}
		p.runLastOutcome.WithLabelValues(string(o)).Set(v)
	}
}

// Gatherer exposes the registry for tests and callers that serve it.
func (p *PrometheusRecorder) Gatherer() prom.Gatherer {
	return p.reg
}

// WriteTextfile writes the registry in text exposition format. The write is
// atomic so a collector never reads a partial file.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if p == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prom.WriteToTextfile(path, p.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
