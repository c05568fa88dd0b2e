package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/MimeLyc/volback/internal/config"
	"github.com/MimeLyc/volback/internal/service"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	global := &Global{Context: ctx, Stdout: os.Stdout}
	if err := kctx.Run(global, &cli); err != nil {
		if errors.Is(err, errRunFailed) {
			return 1
		}
		fmt.Fprintf(os.Stderr, "volback: %v\n", err)
		if service.IsFatal(err) {
			fmt.Fprintf(os.Stderr, "%s\n", service.Advice(err))
		}
		return 1
	}
	return 0
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("volback"),
		kong.Description("Back up directories with restic onto removable volumes, mounting them only when something is due."),
		kong.UsageOnError(),
		kong.Vars{"config_path": config.DefaultPath()},
	)
}
