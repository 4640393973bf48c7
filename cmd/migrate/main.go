package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/mosaic/internal/infra/persistence/migrations"
)

const (
	defaultMigrationsPath = "db/migrations"
	defaultTimeout        = 30 * time.Second
	dsnEnv                = "MOSAIC_DATABASE_DSN"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type command struct {
	name     string
	steps    int
	dsn      string
	dir      string
	embedded bool
	timeout  time.Duration
	quiet    bool
}

func parse(args []string) (command, error) {
	fs := flag.NewFlagSet("mosaic-migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var cmd command
	fs.StringVar(&cmd.dsn, "database", os.Getenv(dsnEnv), "PostgreSQL DSN (defaults to $"+dsnEnv+")")
	fs.StringVar(&cmd.dir, "path", defaultMigrationsPath, "Directory containing SQL migrations")
	fs.BoolVar(&cmd.embedded, "embedded", false, "Apply the migrations compiled into the binary (up only)")
	fs.DurationVar(&cmd.timeout, "timeout", defaultTimeout, "Maximum time to wait for database connectivity")
	fs.BoolVar(&cmd.quiet, "quiet", false, "Suppress informational logs")
	if err := fs.Parse(args); err != nil {
		return command{}, err
	}

	if strings.TrimSpace(cmd.dsn) == "" {
		return command{}, errors.New("-database flag or " + dsnEnv + " is required")
	}
	if !cmd.embedded && strings.TrimSpace(cmd.dir) == "" {
		return command{}, errors.New("-path flag is required")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return command{}, errors.New("command required (up|down)")
	}
	cmd.name = rest[0]
	switch cmd.name {
	case "up":
	case "down":
		if cmd.embedded {
			return command{}, errors.New("-embedded only supports up")
		}
		cmd.steps = 1
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil {
				return command{}, fmt.Errorf("invalid down steps %q: %w", rest[1], err)
			}
			cmd.steps = n
		}
	default:
		return command{}, fmt.Errorf("unknown command %q (expected up or down)", cmd.name)
	}
	return cmd, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cmd, err := parse(args)
	if err != nil {
		return err
	}

	var logger *log.Logger
	if !cmd.quiet {
		logger = log.New(stdout, "mosaic-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.timeout)
	defer cancel()

	switch {
	case cmd.name == "up" && cmd.embedded:
		return migrations.ApplyEmbedded(ctx, cmd.dsn, logger)
	case cmd.name == "up":
		return migrations.Apply(ctx, cmd.dsn, cmd.dir, logger)
	default:
		return migrations.Rollback(ctx, cmd.dsn, cmd.dir, cmd.steps, logger)
	}
}
