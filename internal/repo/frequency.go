package repo

import (
	"strconv"
	"strings"
	"time"
)

// Frequency is how often a job is due.
type Frequency string

const (
	Hourly  Frequency = "hourly"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// secondsPerYear is the mean Gregorian year.
const secondsPerYear = 31556952

var intervals = map[Frequency]time.Duration{
	Hourly:  time.Hour,
	Daily:   24 * time.Hour,
	Weekly:  7 * 24 * time.Hour,
	Monthly: secondsPerYear / 12 * time.Second,
	Yearly:  secondsPerYear * time.Second,
}

// RetentionPolicy is the number of snapshots restic keeps per granularity.
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

var retentions = map[Frequency]RetentionPolicy{
	Hourly: {Hourly: 18, Daily: 6, Weekly: 4, Monthly: 4},
	Daily:  {Hourly: 1, Daily: 6, Weekly: 4, Monthly: 4},
	Weekly: {Hourly: 0, Daily: 1, Weekly: 4, Monthly: 4},
}

// ParseFrequency normalizes s. Unknown or empty values yield Daily with ok=false.
func ParseFrequency(s string) (Frequency, bool) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := intervals[f]; !ok {
		return Daily, false
	}
	return f, true
}

// Interval is the minimum time between two backups of the same unit.
func (f Frequency) Interval() time.Duration {
	if d, ok := intervals[f]; ok {
		return d
	}
	return intervals[Daily]
}

// Retention falls back to the daily policy for classes without their own.
func (f Frequency) Retention() RetentionPolicy {
	if p, ok := retentions[f]; ok {
		return p
	}
	return retentions[Daily]
}

// Args renders the policy as restic forget flags.
func (p RetentionPolicy) Args() []string {
	return []string{
		"--keep-hourly", strconv.Itoa(p.Hourly),
		"--keep-daily", strconv.Itoa(p.Daily),
		"--keep-weekly", strconv.Itoa(p.Weekly),
		"--keep-monthly", strconv.Itoa(p.Monthly),
	}
}

func (p RetentionPolicy) String() string {
	return strings.Join(p.Args(), " ")
}
