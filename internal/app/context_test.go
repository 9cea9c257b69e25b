package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"civicflow/internal/config"
	"civicflow/internal/media"
	"civicflow/internal/notify"
)

func TestOpenMigratesAndUsesDefaults(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default(t.TempDir())
	cfg.Database.Path = filepath.Join(t.TempDir(), "civicflow.db")

	var logs bytes.Buffer
	a, err := Open(ctx, cfg, NewLogger(cfg, &logs), Options{Migrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	require.IsType(t, media.Trusting{}, a.Engine.Media)
	require.IsType(t, notify.Noop{}, a.Engine.Events)

	var n int
	require.NoError(t, a.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&n))
	require.Zero(t, n)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Database.Driver = "mysql"
	_, err := Open(context.Background(), cfg, NewLogger(cfg, &bytes.Buffer{}), Options{})
	require.Error(t, err)
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	cfg := config.Default(".")
	cfg.Log.Level = "warn"
	cfg.Log.Format = "text"

	var buf bytes.Buffer
	logger := NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.True(t, strings.Contains(out, "msg=shown"), out)
	require.Contains(t, out, "k=v")
}
