package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/tabdb/storage"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"TABDB_ENGINE", "TABDB_MAX_SIZE_MB", "TABDB_VERBOSE", "LOG_LEVEL", "LOG_FILE"} {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bolt", c.Engine)
	assert.Equal(t, "info", c.Log.Level)
	assert.False(t, c.Verbose)

	opt := c.Options()
	assert.Equal(t, storage.EngineBolt, opt.Engine)
	assert.Zero(t, opt.MaxSize)
}

func TestEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("TABDB_ENGINE", "SQLite")
	t.Setenv("TABDB_MAX_SIZE_MB", "64")
	t.Setenv("TABDB_VERBOSE", "1")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := Load(writeEnvFile(t, ""))
	require.NoError(t, err)
	opt := c.Options()
	assert.Equal(t, storage.EngineSQLite, opt.Engine)
	assert.Equal(t, int64(64<<20), opt.MaxSize)
	assert.True(t, opt.Verbose)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestEnvFile(t *testing.T) {
	clearEnv(t)
	for _, k := range []string{"TABDB_ENGINE", "TABDB_MAX_SIZE_MB"} {
		os.Unsetenv(k)
	}
	path := writeEnvFile(t, "TABDB_ENGINE=memory\nTABDB_MAX_SIZE_MB=-1\n")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Engine)
	assert.Equal(t, int64(-1), c.Options().MaxSize)
}

func TestInvalid(t *testing.T) {
	for k, v := range map[string]string{
		"TABDB_ENGINE":      "leveldb",
		"TABDB_MAX_SIZE_MB": "lots",
		"TABDB_VERBOSE":     "maybe",
		"LOG_LEVEL":         "trace",
	} {
		t.Run(k, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(k, v)
			_, err := Load(writeEnvFile(t, ""))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func writeEnvFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
