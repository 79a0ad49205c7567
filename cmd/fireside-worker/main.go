// fireside-worker is the sandboxed inference process. It speaks the
// newline-delimited JSON protocol on stdin/stdout and logs to stderr, so a
// crashing engine takes down this process instead of the chat frontend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fireside/internal/backend"
	"fireside/internal/domain"
	"fireside/internal/wire"
)

func newEngine(name string, delay time.Duration) (domain.Engine, error) {
	switch name {
	case "echo":
		var opts []backend.EchoOption
		if delay > 0 {
			opts = append(opts, backend.WithEchoDelay(delay))
		}
		return backend.NewEchoEngine(opts...), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

func run() error {
	engineName := flag.String("engine", "echo", "inference engine to host")
	delay := flag.Duration("delay", 0, "artificial delay between tokens (echo engine)")
	level := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(*level)); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	engine, err := newEngine(*engineName, *delay)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker ready", "engine", *engineName, "pid", os.Getpid())
	srv := wire.NewServer(engine, wire.WithServerLogger(logger))
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
