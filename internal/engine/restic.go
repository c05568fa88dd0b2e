// Package engine invokes restic, the external backup engine.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/volback/pkg/cmdrun"
	"github.com/MimeLyc/volback/pkg/log"
)

const passwordEnv = "RESTIC_PASSWORD"

type BackupRequest struct {
	Repository   string
	Host         string
	ExcludeFiles []string
	Path         string
}

type Timeouts struct {
	Backup    time.Duration
	Prune     time.Duration
	Snapshots time.Duration
}

type restic struct {
	resticCmd string
	password  string
	timeouts  Timeouts
	logger    *log.Logger
}

func NewRestic(
	resticCmd string,
	password string,
	timeouts Timeouts,
	logger *log.Logger,
) restic {
	if resticCmd == "" {
		resticCmd = "restic"
	}
	return restic{
		resticCmd: resticCmd,
		password:  password,
		timeouts:  timeouts,
		logger:    logger,
	}
}

// Backup snapshots req.Path into req.Repository.
func (r restic) Backup(ctx context.Context, req BackupRequest) error {
	args := r.backupArgs(req)
	r.logger.Debug("Running %s %s", r.resticCmd, strings.Join(args, " "))
	return r.run(ctx, args, r.timeouts.Backup)
}

// Forget applies keep to the repository and prunes unreferenced data.
func (r restic) Forget(ctx context.Context, repository string, keep []string) error {
	args := r.forgetArgs(repository, keep)
	r.logger.Debug("Running %s %s", r.resticCmd, strings.Join(args, " "))
	return r.run(ctx, args, r.timeouts.Prune)
}

// Snapshots returns restic's snapshot table for the repository.
func (r restic) Snapshots(ctx context.Context, repository string) (string, error) {
	out, err := cmdrun.Output(ctx, r.command(r.snapshotsArgs(repository), r.timeouts.Snapshots))
	if err != nil {
		return "", fmt.Errorf("list snapshots of %s: %w", repository, err)
	}
	return string(out), nil
}

func (r restic) run(ctx context.Context, args []string, timeout time.Duration) error {
	return cmdrun.Run(ctx, r.command(args, timeout))
}

func (r restic) command(args []string, timeout time.Duration) cmdrun.Command {
	return cmdrun.Command{
		Name:    r.resticCmd,
		Args:    args,
		Env:     []string{passwordEnv + "=" + r.password},
		Timeout: timeout,
	}
}

func (restic) backupArgs(req BackupRequest) []string {
	args := []string{"--repo", req.Repository, "backup"}
	if req.Host != "" {
		args = append(args, "--host="+req.Host)
	}
	for _, ef := range req.ExcludeFiles {
		args = append(args, "--exclude-file="+ef)
	}
	return append(args, req.Path)
}

func (restic) forgetArgs(repository string, keep []string) []string {
	args := []string{"--repo", repository, "forget", "--prune"}
	return append(args, keep...)
}

func (restic) snapshotsArgs(repository string) []string {
	return []string{"--repo", repository, "snapshots"}
}

// TrimSnapshotTable drops the two header and two footer lines restic prints
// around the snapshot rows.
func TrimSnapshotTable(out string) string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) <= 4 {
		return ""
	}
	return strings.Join(lines[2:len(lines)-2], "\n")
}
