package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/volback/pkg/icron"
)

// RunOnce runs Backup unless a run is already in flight, in which case it
// waits for that run and shares its result.
func (s *Service) RunOnce(ctx context.Context, opts Options) (Summary, error) {
	v, err, shared := s.group.Do("backup", func() (any, error) {
		return s.Backup(ctx, opts)
	})
	if shared {
		s.logger.Debug("Joined a backup run already in progress")
	}
	summary, _ := v.(Summary)
	return summary, err
}

// Schedule registers a backup run on c for every trigger of cronExpr. Each
// run opens the volumes and the ledger afresh.
func (s *Service) Schedule(ctx context.Context, c *cron.Cron, cronExpr string, opts Options) error {
	if _, err := icron.Parse(cronExpr); err != nil {
		return WrapError(err, ErrConfig, "invalid schedule")
	}
	s.logger.Info("Scheduling backups on %q", cronExpr)
	s.logNextTrigger(cronExpr)

	runFunc := func() {
		summary, err := s.RunOnce(ctx, opts)
		switch {
		case err != nil:
			s.logger.Error("Scheduled backup failed: %v", err)
		case !summary.OK:
			s.logger.Warn("Scheduled backup finished with errors")
		}
		s.logNextTrigger(cronExpr)
	}
	if _, err := c.AddFunc(cronExpr, runFunc); err != nil {
		return WrapError(err, ErrConfig, "could not schedule backups")
	}
	return nil
}

func (s *Service) logNextTrigger(cronExpr string) {
	info, err := icron.GetTriggerInfo(cronExpr, s.clock.Now(), 1)
	if err != nil || len(info.Next) == 0 {
		return
	}
	s.logger.Info("Next backup at %s (in %s)", info.Next[0].Format(time.DateTime), info.TimeUntilNext.Round(time.Second))
}
