package config

import (
	"errors"
	"fmt"
	"maps"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions, since a silently ignored typo is hard to debug.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns the
// defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is a fully merged configuration plus the file it came from.
type Resolved struct {
	*Config
	// Path is the config file consulted, which may not exist.
	Path string
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	backends := builtinBackends()
	maps.Copy(backends, cfg.Backends)
	cfg.Backends = backends

	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}

	if cli.LogLevel != nil {
		cfg.Logging.Level = *cli.LogLevel
	}

	if cli.CopyFallback != nil {
		cfg.Transfer.CopyFallback = *cli.CopyFallback
	}

	if cli.BandwidthLimit != nil {
		cfg.Transfer.BandwidthLimit = *cli.BandwidthLimit
	}

	// Overrides bypass the file validation, so check the merged result.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &Resolved{Config: cfg, Path: cfgPath}, nil
}

// Backend returns the named backend section.
func (c *Config) Backend(name string) (Backend, error) {
	b, ok := c.Backends[name]
	if !ok {
		return Backend{}, fmt.Errorf("unknown backend %q", name)
	}

	return b, nil
}
