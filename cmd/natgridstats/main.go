package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/natgridstats/natgridstats/pkg/export"
	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/sensors"
	"github.com/natgridstats/natgridstats/pkg/server"
	"github.com/natgridstats/natgridstats/pkg/storage"
	"github.com/natgridstats/natgridstats/pkg/utility"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	u := utility.Configured()
	s := storage.Configured()
	sm := sensors.Configured()
	influx := export.ConfiguredInflux()

	// init server, the influx mirror does nothing unless influx-url is set
	srv := server.Configured(u, s, sm, influx)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := u.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid national grid configuration", "error", err)
		os.Exit(1)
	}

	defer func() {
		if err := influx.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close influx", "error", err)
		}
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
