// Package config loads the tabdb command settings from the environment and
// an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/andreyvit/tabdb"
	"github.com/andreyvit/tabdb/storage"
)

type Config struct {
	Engine    string `validate:"required,oneof=bolt sqlite memory"`
	MaxSizeMB int64  `validate:"gte=-1"`
	Verbose   bool
	Log       struct {
		Level string `validate:"required,oneof=debug info warn error"`
		File  string
	}
}

var validate = validator.New()

// Load reads TABDB_ENGINE, TABDB_MAX_SIZE_MB, TABDB_VERBOSE, LOG_LEVEL and
// LOG_FILE. Variables already set in the environment win over env files.
// Without explicit files, a missing .env is not an error.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	var c Config
	var err error
	c.Engine = strings.ToLower(getenv("TABDB_ENGINE", string(storage.EngineBolt)))
	if c.MaxSizeMB, err = strconv.ParseInt(getenv("TABDB_MAX_SIZE_MB", "0"), 10, 64); err != nil {
		return Config{}, fmt.Errorf("config: TABDB_MAX_SIZE_MB: %w", err)
	}
	if c.Verbose, err = strconv.ParseBool(getenv("TABDB_VERBOSE", "false")); err != nil {
		return Config{}, fmt.Errorf("config: TABDB_VERBOSE: %w", err)
	}
	c.Log.Level = strings.ToLower(getenv("LOG_LEVEL", "info"))
	c.Log.File = os.Getenv("LOG_FILE")

	if err := validate.Struct(c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// Options converts the settings to database options. A MaxSizeMB of 0 keeps
// the storage default and -1 disables the limit.
func (c Config) Options() tabdb.Options {
	opt := tabdb.Options{
		Engine:  storage.Engine(c.Engine),
		Verbose: c.Verbose,
	}
	switch {
	case c.MaxSizeMB > 0:
		opt.MaxSize = c.MaxSizeMB << 20
	case c.MaxSizeMB < 0:
		opt.MaxSize = -1
	}
	return opt
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
