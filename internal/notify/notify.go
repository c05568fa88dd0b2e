// Package notify shows a desktop notification at the end of a run.
package notify

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/MimeLyc/volback/pkg/cmdrun"
)

// AppName is the notification title.
const AppName = "ResticBackup"

const defaultTimeout = 10 * time.Second

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string) error {
	return nil
}

// Desktop posts notifications through osascript on macOS and notify-send
// elsewhere.
type Desktop struct {
	goos    string
	title   string
	timeout time.Duration
}

func NewDesktop() *Desktop {
	return &Desktop{goos: runtime.GOOS, title: AppName, timeout: defaultTimeout}
}

func (d *Desktop) Notify(ctx context.Context, message string) error {
	if err := cmdrun.Run(ctx, d.command(message)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (d *Desktop) command(message string) cmdrun.Command {
	if d.goos == "darwin" {
		script := fmt.Sprintf("display notification %s with title %s", appleScriptString(message), appleScriptString(d.title))
		return cmdrun.Command{Name: "osascript", Args: []string{"-e", script}, Timeout: d.timeout}
	}
	return cmdrun.Command{Name: "notify-send", Args: []string{d.title, message}, Timeout: d.timeout}
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
