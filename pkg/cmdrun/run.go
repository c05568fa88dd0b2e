// Package cmdrun runs external programs with a bounded lifetime.
package cmdrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a command exceeds its Timeout.
var ErrTimeout = errors.New("command timed out")

type Command struct {
	Name    string
	Args    []string
	Env     []string // appended to the current environment
	Stdin   io.Reader
	Timeout time.Duration
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Output runs the command and returns its standard output. A non-zero exit
// status is reported as an error carrying the trimmed standard error.
func Output(ctx context.Context, c Command) ([]byte, error) {
	cmdPath, err := exec.LookPath(c.Name)
	if err != nil {
		return nil, err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cmdPath, c.Args...)
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = time.Second
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%s: %w after %s", c.Name, ErrTimeout, c.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", c.Name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", c.Name, err)
	}
	return out, nil
}

// Run is Output without the captured standard output.
func Run(ctx context.Context, c Command) error {
	_, err := Output(ctx, c)
	return err
}
