// Package app wires configuration into a ready engine: database, migrations,
// collaborators, event publishing and tracing.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/engine"
	"civicflow/internal/media"
	"civicflow/internal/migrate"
	"civicflow/internal/notify"
	"civicflow/internal/telemetry"
)

// App owns everything opened from one configuration.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	Logger  *slog.Logger

	closers []func(context.Context) error
}

type Options struct {
	// Migrate applies pending migrations before the engine is returned.
	Migrate bool
	// Version is attached to trace resources.
	Version string
	// TraceWriter receives spans when telemetry is enabled.
	TraceWriter io.Writer
}

// NewLogger builds the process logger from the log section of the config.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Open connects to the configured database and builds the engine. Media
// checks go to the object store and events to AMQP when those are configured.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger}

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "civicflow",
		Version:     opts.Version,
		Writer:      opts.TraceWriter,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Path: cfg.Database.Path})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB, a.Dialect = conn, dialect
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	if err := conn.PingContext(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if opts.Migrate {
		version, err := migrate.Migrate(ctx, conn, dialect)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		logger.Debug("schema ready", "driver", dialect, "version", version)
	}

	e := engine.New(conn, dialect)
	e.Logger = logger
	if cfg.Media.Endpoint != "" {
		store, err := media.NewObjectStore(cfg.Media)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		e.Media = store
	}
	if cfg.Events.AMQPURL != "" {
		pub, err := notify.Dial(ctx, cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("events: %w", err)
		}
		e.Events = pub
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	}
	a.Engine = e
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
