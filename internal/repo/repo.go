// Package repo models backup jobs and decides which of their units are due.
package repo

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ElapsedSource reports the whole seconds since a unit's last successful
// backup.
type ElapsedSource interface {
	ElapsedSeconds(job, unit string) int64
}

// Repo is one backup job: a set of directories under Base backed up into the
// restic repository named Name on Volume.
type Repo struct {
	Name      string
	Volume    string
	Frequency Frequency
	Base      string
	Units     []string
}

func (r *Repo) Interval() time.Duration {
	return r.Frequency.Interval()
}

func (r *Repo) Retention() RetentionPolicy {
	return r.Frequency.Retention()
}

// UnitPath is the directory backed up for unit.
func (r *Repo) UnitPath(unit string) string {
	return filepath.Join(r.Base, unit)
}

// Location is the restic repository path once the volume is mounted at mountPath.
func (r *Repo) Location(mountPath string) string {
	return filepath.Join(mountPath, r.Name)
}

// DueUnits returns, in configured order, the units whose last success is
// older than the job interval. It has no side effects.
func (r *Repo) DueUnits(src ElapsedSource) []string {
	due := make([]string, 0, len(r.Units))
	for _, unit := range r.Units {
		if r.IsDue(src, unit) {
			due = append(due, unit)
		}
	}
	return due
}

// IsDue reports whether more whole seconds than the interval have passed
// since the unit's last success.
func (r *Repo) IsDue(src ElapsedSource, unit string) bool {
	return src.ElapsedSeconds(r.Name, unit) > int64(r.Interval()/time.Second)
}

func (r *Repo) HasDueUnits(src ElapsedSource) bool {
	return len(r.DueUnits(src)) > 0
}

func (r *Repo) String() string {
	lines := make([]string, 0, len(r.Units)+1)
	lines = append(lines, string(r.Frequency))
	for _, unit := range r.Units {
		lines = append(lines, fmt.Sprintf("- %s", r.UnitPath(unit)))
	}
	return strings.Join(lines, "\n")
}
