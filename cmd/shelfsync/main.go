// Package main is the engine driver: run-once, daemon, status, cleanup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/shelfsync/shelfsync/internal/app"
	"github.com/shelfsync/shelfsync/internal/buildinfo"
	"github.com/shelfsync/shelfsync/internal/config"
)

const usage = `shelfsync - want-to-read list sync engine

Usage:
  shelfsync [flags] <command>

Commands:
  run-once   feed the pipeline, drain it, exit
  daemon     run continuously with periodic feeds
  status     dump the status histogram and scheduler stats
  cleanup    run a reconciliation and task-GC pass
  version    print version information

Flags:
  --config PATH   env file to load before reading the environment
  --debug         single-slot scheduling for step-by-step debugging
`

func main() {
	os.Exit(run())
}

func run() int {
	flags := flag.NewFlagSet("shelfsync", flag.ContinueOnError)
	configPath := flags.String("config", "", "env file to load")
	debug := flags.Bool("debug", false, "single-slot debug mode")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if err := flags.Parse(os.Args[1:]); err != nil {
		return 1
	}
	command := flags.Arg(0)
	if command == "" {
		command = "run-once"
	}

	if command == "version" {
		fmt.Printf("shelfsync %s", buildinfo.Resolve())
		if buildinfo.Commit != "" {
			fmt.Printf(" (%s)", buildinfo.Commit)
		}
		fmt.Println()
		return 0
	}

	cfg, err := config.Load(*configPath, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	application, err := app.Initialize(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize engine: %v\n", err)
		return 1
	}

	switch command {
	case "run-once":
		if err := application.RunOnce(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
			return 1
		}
	case "daemon":
		if err := application.RunDaemon(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon failed: %v\n", err)
			return 1
		}
	case "status":
		err := application.PrintStatus(ctx)
		application.Shutdown(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			return 1
		}
	case "cleanup":
		err := application.Cleanup(ctx)
		application.Shutdown(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", command, usage)
		return 1
	}
	return 0
}
