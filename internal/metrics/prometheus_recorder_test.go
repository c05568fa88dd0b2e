package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveUnitBackup("docs", "Photos", 90*time.Second, OutcomeSuccess)
	pr.SetLastSuccess("docs", "Photos", time.Unix(1700000000, 0))
	pr.IncPrune("docs", OutcomeFailed)
	pr.IncRepoOutcome("docs", OutcomeFailed)
	pr.ObserveRunDuration(2*time.Minute, OutcomeFailed)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"volback_unit_backup_duration_seconds",
		"volback_unit_backup_results_total",
		"volback_unit_last_success_timestamp_seconds",
		"volback_prune_results_total",
		"volback_repo_outcomes_total",
		"volback_run_duration_seconds",
		"volback_run_last_outcome",
	} {
		assert.True(t, names[name], "missing %s", name)
	}
}

func TestPrometheusRecorder_WriteTextfile(t *testing.T) {
	pr := NewPrometheusRecorder(nil)
	pr.SetLastSuccess("docs", "Photos", time.Unix(1700000000, 0))
	pr.ObserveRunDuration(time.Minute, OutcomeSuccess)

	path := filepath.Join(t.TempDir(), "textfile", "volback.prom")
	require.NoError(t, pr.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `volback_unit_last_success_timestamp_seconds{job="docs",unit="Photos"} 1.7e+09`)
	assert.Contains(t, text, `volback_run_last_outcome{outcome="success"} 1`)
	assert.Contains(t, text, `volback_run_last_outcome{outcome="failed"} 0`)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeOf(true))
	assert.Equal(t, OutcomeFailed, OutcomeOf(false))
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveUnitBackup("docs", "Photos", time.Second, OutcomeSuccess)
	r.ObserveRunDuration(time.Second, OutcomeSuccess)
}
