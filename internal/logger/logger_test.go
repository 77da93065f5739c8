package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closer := New(Options{Level: "warn", NoColor: true, Console: &buf})
	defer closer()

	log.Info("quiet")
	log.Warn("loud", "table", "Package")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
	assert.Contains(t, out, "table=Package")
}

func TestFileGetsDebug(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "tabdb.log")
	log, closer := New(Options{Level: "info", File: path, NoColor: true, Console: &buf})

	log.Debug("db: INSERT Package/1")
	log.With("op", "ensure").Info("tabdb: schema updated")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"db: INSERT Package/1"`)
	assert.Contains(t, string(data), `"op":"ensure"`)
	assert.NotContains(t, buf.String(), "INSERT")
	assert.Contains(t, buf.String(), "schema updated")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
