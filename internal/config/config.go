// Package config loads user-editable settings for the reconstruction
// pipeline: workspace location, worker concurrency, default quality tag,
// external toolchain binary paths, and logging destinations.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/reconstruct/config.json"
	defaultWorkers    = 2
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Workspace Workspace  `json:"workspace"`
	Logging   Logging    `json:"logging"`
	Toolchain Toolchain  `json:"toolchain"`
	Quality   QualityCfg `json:"quality"`
}

// Workspace configures where jobs are rooted and how many run concurrently.
type Workspace struct {
	Root        string `json:"root"`
	Workers     int    `json:"workers"`
	DatabasePath string `json:"database_path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // enable file logging
	LogDir     string `json:"log_dir"`     // directory for log files
}

// Toolchain configures the external photogrammetry binary and the
// per-frame extraction tools it's invoked alongside.
type Toolchain struct {
	BinaryPath  string `json:"binary_path"`  // the photogrammetry CLI, resolved once at startup
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`
}

// QualityCfg sets the default quality tag applied when a job submission
// does not specify one.
type QualityCfg struct {
	DefaultTag string `json:"default_tag"` // fast, medium, high, ultra
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("RECONSTRUCT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Workspace: Workspace{
			Root:         filepath.Join(os.TempDir(), "reconstruct-jobs"),
			Workers:      defaultWorkers,
			DatabasePath: filepath.Join(os.TempDir(), "reconstruct.db"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Toolchain: Toolchain{
			BinaryPath:  "colmap",
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
		},
		Quality: QualityCfg{
			DefaultTag: "medium",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
