package service

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/MimeLyc/volback/internal/engine"
	"github.com/MimeLyc/volback/internal/ledger"
)

var titleCaser = cases.Title(language.English)

type UnitStatus struct {
	Unit    string     `json:"unit"`
	Path    string     `json:"path"`
	LastRun *time.Time `json:"last_run,omitempty"`
	Due     bool       `json:"due"`
}

type RepoStatus struct {
	Name      string       `json:"name"`
	Volume    string       `json:"volume"`
	Frequency string       `json:"frequency"`
	Units     []UnitStatus `json:"units"`
}

// Status reports the last run and due state of every selected unit. It
// neither probes nor mounts volumes.
func (s *Service) Status(ctx context.Context, opts Options) ([]RepoStatus, error) {
	l, err := ledger.Open(ctx, s.deps.Ledger, s.clock)
	if err != nil {
		return nil, WrapError(err, ErrLedger, "could not load ledger")
	}
	return s.status(l, opts), nil
}

func (s *Service) status(l *ledger.Ledger, opts Options) []RepoStatus {
	volumes := make(map[string]Device)
	for _, name := range s.cfg.VolumeNames() {
		if len(opts.Devices) == 0 || slices.Contains(opts.Devices, name) {
			volumes[name] = nil
		}
	}

	repos := s.selectRepos(volumes, opts.Repos)
	ret := make([]RepoStatus, 0, len(repos))
	for _, r := range repos {
		rs := RepoStatus{
			Name:      r.Name,
			Volume:    r.Volume,
			Frequency: string(r.Frequency),
			Units:     make([]UnitStatus, 0, len(r.Units)),
		}
		for _, unit := range r.Units {
			us := UnitStatus{
				Unit: unit,
				Path: r.UnitPath(unit),
				Due:  r.IsDue(l, unit),
			}
			if t, ok := l.LastRun(r.Name, unit); ok {
				us.LastRun = &t
			}
			rs.Units = append(rs.Units, us)
		}
		ret = append(ret, rs)
	}
	return ret
}

// staleJobs lists ledger jobs that no longer match a configured repository.
func (s *Service) staleJobs(l *ledger.Ledger) []string {
	var ret []string
	for _, job := range l.Jobs() {
		if _, ok := s.cfg.Repos[job]; !ok {
			ret = append(ret, job)
		}
	}
	return ret
}

// List prints the configured volumes and repositories without mounting
// anything. verbose adds the snapshot tables of Inspect.
func (s *Service) List(ctx context.Context, w io.Writer, opts Options, verbose bool) error {
	if verbose {
		return s.Inspect(ctx, w, opts)
	}

	l, err := ledger.Open(ctx, s.deps.Ledger, s.clock)
	if err != nil {
		return WrapError(err, ErrLedger, "could not load ledger")
	}
	devices, order, err := s.openVolumes(ctx, opts.Devices)
	if err != nil {
		return err
	}
	s.printVolumes(w, devices, order)

	fmt.Fprintf(w, "\nConfigured backups:\n")
	now := s.clock.Now()
	for _, rs := range s.status(l, opts) {
		fmt.Fprintf(w, "  %s:\n", rs.Name)
		fmt.Fprintf(w, "    %s on %s\n", titleCaser.String(rs.Frequency), rs.Volume)
		for _, us := range rs.Units {
			last := "never"
			if us.LastRun != nil {
				last = humanize.RelTime(*us.LastRun, now, "ago", "from now")
			}
			marker := ""
			if us.Due {
				marker = " (due)"
			}
			fmt.Fprintf(w, "    - %s, last run %s%s\n", us.Path, last, marker)
		}
	}
	if stale := s.staleJobs(l); len(stale) > 0 {
		fmt.Fprintf(w, "\nLedger entries without a configured repo: %s\n", strings.Join(stale, ", "))
	}

	if opts.ForceUnmount {
		return s.forceUnmount(context.WithoutCancel(ctx), devices, order)
	}
	return nil
}

// Inspect prints the snapshot table of every repository whose volume can be
// mounted.
func (s *Service) Inspect(ctx context.Context, w io.Writer, opts Options) error {
	devices, order, err := s.openVolumes(ctx, opts.Devices)
	if err != nil {
		return err
	}
	s.printVolumes(w, devices, order)

	fmt.Fprintf(w, "\nConfigured backups:\n")
	repos := s.selectRepos(devices, opts.Repos)
	bracket := make([]Device, 0, len(order))
	for _, name := range order {
		if devices[name].Mount(ctx) {
			bracket = append(bracket, devices[name])
		}
	}

	for _, r := range repos {
		fmt.Fprintf(w, "\n  %s:\n", r.Name)
		if !r.device.IsMounted() {
			fmt.Fprintf(w, "    volume not mounted\n")
			continue
		}
		out, err := s.deps.Engine.Snapshots(ctx, r.Location(r.device.Path()))
		if err != nil {
			s.logger.Error("Could not list snapshots of %s: %v", r.Name, err)
			fmt.Fprintf(w, "    could not list snapshots\n")
			continue
		}
		if table := engine.TrimSnapshotTable(out); table != "" {
			fmt.Fprintln(w, indent(table, "    "))
		}
	}

	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.releaseBracket(cleanupCtx, bracket); err != nil {
		return err
	}
	if opts.ForceUnmount {
		return s.forceUnmount(cleanupCtx, devices, order)
	}
	return nil
}

// History prints the most recent unit runs.
func (s *Service) History(ctx context.Context, w io.Writer, limit int) error {
	runs, err := s.deps.History.ListRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tKIND\tJOB\tUNIT\tVOLUME\tSTATUS\tDURATION\tERROR")
	for _, run := range runs {
		unit := run.Unit
		if unit == "" {
			unit = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.StartedAt.Local().Format(time.DateTime),
			run.Kind,
			run.Job,
			unit,
			run.Volume,
			run.Status,
			run.Duration().Round(time.Second),
			firstLine(run.Error),
		)
	}
	return tw.Flush()
}

func (s *Service) printVolumes(w io.Writer, devices map[string]Device, order []string) {
	fmt.Fprintf(w, "\nConfigured Volumes:\n")
	for _, name := range order {
		fmt.Fprintf(w, "  %s: %s\n", name, devices[name])
	}
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
