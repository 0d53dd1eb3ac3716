package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/courier/pkg/courier/eventlog"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "مرحبا", truncate("مرحبا", 5))
}

func TestPrintRecords(t *testing.T) {
	var buf bytes.Buffer
	printRecords(&buf, []eventlog.Record{{
		ID:         "e-1",
		Name:       "invoice.created",
		RetryCount: 1,
		MaxRetries: 3,
		Error:      "notification delivery failed",
		CreatedAt:  time.Now(),
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "RETRIES")
	assert.Contains(t, lines[1], "invoice.created")
	assert.Contains(t, lines[1], "1/3")
}

func TestEventsStatsCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COURIER_STORE_DRIVER", "sqlite")
	t.Setenv("COURIER_STORE_DSN", filepath.Join(dir, "courier.db"))

	rootCmd.SetArgs([]string{"events", "stats", "--json", "--env-file", filepath.Join(dir, "missing.env")})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "sqlite", settings.Options().Store.Driver)
}
