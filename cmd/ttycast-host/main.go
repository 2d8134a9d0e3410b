package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/ttycast/ttycast/internal/hostbridge"
	"github.com/ttycast/ttycast/internal/logstream"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

func main() {
	var url string
	var basin string
	var user string
	var password string
	var sessionID string
	var rows int
	var cols int
	var maxLogBytes int64
	var logLevel string
	var verbose bool

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "ttycast-host (%s)\n\n", version)
		fmt.Fprintf(out, "Usage:\n  %s [flags] [-- command args...]\n\nRuns the command (default $SHELL) on a pty and bridges it to the\nsession's record logs. Flags:\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.StringVar(&url, "url", "", "broker URL (default $TTYCAST_URL or nats://127.0.0.1:4222)")
	flag.StringVar(&basin, "basin", "", "stream namespace prefix (default ttycast)")
	flag.StringVar(&user, "user", "", "broker username")
	flag.StringVar(&password, "password", "", "broker password (prefer $TTYCAST_PASSWORD)")
	flag.StringVar(&sessionID, "session", "", "session identifier (default: generated)")
	flag.IntVar(&rows, "rows", 0, "initial pty rows (default 32)")
	flag.IntVar(&cols, "cols", 0, "initial pty cols (default 72)")
	flag.Int64Var(&maxLogBytes, "max-log-bytes", 0, "per-log size cap before the broker trims old records (default 1GiB)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose debug logging (same as -log-level=debug)")

	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch l := strings.ToLower(strings.TrimSpace(logLevel)); l {
		case "debug":
			level = slog.LevelDebug
		case "info", "":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			// Keep it user-friendly: warn and continue with info.
			log.Printf("unknown -log-level=%q (expected debug|info|warn|error); defaulting to info", logLevel)
			level = slog.LevelInfo
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if url == "" {
		url = os.Getenv("TTYCAST_URL")
	}
	if password == "" {
		password = os.Getenv("TTYCAST_PASSWORD")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	command := flag.Args()
	if len(command) == 0 {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		command = []string{shell}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logs, err := logstream.Connect(&logstream.Options{
		URL:            url,
		User:           user,
		Password:       password,
		Name:           "ttycast-host",
		Basin:          basin,
		CreateMissing:  true,
		MaxBytesPerLog: maxLogBytes,
		Logger:         logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer logs.Close()

	bridge, err := hostbridge.New(hostbridge.Config{
		Logs:      logs,
		SessionID: sessionID,
		Command:   command,
		Rows:      rows,
		Cols:      cols,
		Logger:    logger,
	})
	if err != nil {
		log.Fatal(err)
	}

	logger.Debug("build info", "version", version, "commit", commit, "build_time", buildTime)
	logger.Info("hosting session", "session", sessionID, "command", strings.Join(command, " "))
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
