// Package config loads the optional stratum configuration file.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional stratum configuration file.
type Config struct {
	Cache    CacheConfig    `toml:"cache"`
	Traverse TraverseConfig `toml:"traverse"`
}

// CacheConfig holds persistent cache manager defaults.
type CacheConfig struct {
	Dir              *string `toml:"dir"`
	WorkspaceDir     *string `toml:"workspace_dir"`
	LimitBytes       *uint64 `toml:"limit_bytes"`
	CleanupThreshold *uint64 `toml:"cleanup_threshold"`
	AsyncDelete      *bool   `toml:"async_delete"`
	Shared           *bool   `toml:"shared"`
}

// TraverseConfig holds persistent traversal flag defaults.
type TraverseConfig struct {
	History         *uint   `toml:"history"`
	Timestamp       *uint64 `toml:"timestamp"`
	NoRepeatHistory *bool   `toml:"no_repeat_history"`
	DepthFirst      *bool   `toml:"depth_first"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "stratum", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
