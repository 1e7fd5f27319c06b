package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envOverrides are the CODELOOP_* variables that take precedence over the
// file.
type envOverrides struct {
	Provider string `env:"PROVIDER"`
	Model    string `env:"MODEL"`
	Mode     string `env:"MODE"`
	MaxTurns *int   `env:"MAX_TURNS"`
	StateDir string `env:"STATE_DIR"`
	LogLevel string `env:"LOG_LEVEL"`
	Stream   *bool  `env:"STREAM"`
}

// DefaultPath returns $XDG_CONFIG_HOME/codeloop/config.yaml, falling back to
// ~/.config/codeloop/config.yaml.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "codeloop", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "codeloop", "config.yaml")
}

// Load reads the configuration at path, applies CODELOOP_* environment
// overrides and validates the result. An empty path reads DefaultPath and
// tolerates it being absent.
func Load(path string) (*File, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decode expands ${VAR} references and decodes a single YAML document over
// cfg. Unknown keys are rejected.
func decode(data []byte, cfg *File) error {
	expanded := os.ExpandEnv(string(data))
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("expected a single document")
	}
	return nil
}

func applyEnv(cfg *File) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: "CODELOOP_"}); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}
	if o.Provider != "" {
		cfg.Provider = o.Provider
	}
	if o.Model != "" {
		cfg.Model = o.Model
	}
	if o.Mode != "" {
		cfg.Mode = o.Mode
	}
	if o.MaxTurns != nil {
		cfg.MaxTurns = *o.MaxTurns
	}
	if o.StateDir != "" {
		cfg.StateDir = o.StateDir
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.Stream != nil {
		cfg.Stream = o.Stream
	}
	return nil
}
