package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerInfo struct {
	Expression string
	Next       []time.Time

	TimeUntilNext time.Duration
}

// Parse accepts standard five-field expressions and descriptors such as "@hourly".
func Parse(cronExpr string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return schedule, nil
}

// GetTriggerInfo returns the next count trigger times after refTime.
func GetTriggerInfo(cronExpr string, refTime time.Time, count int) (*TriggerInfo, error) {
	schedule, err := Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       make([]time.Time, 0, count),
	}
	t := refTime
	for range count {
		t = schedule.Next(t)
		if t.IsZero() {
			break
		}
		info.Next = append(info.Next, t)
	}
	if len(info.Next) > 0 {
		info.TimeUntilNext = info.Next[0].Sub(refTime)
	}
	return info, nil
}
