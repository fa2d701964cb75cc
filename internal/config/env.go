package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "BREADFS_CONFIG"
	EnvLogLevel = "BREADFS_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // BREADFS_CONFIG: config file path
	LogLevel   string // BREADFS_LOG_LEVEL: log level
}

// ReadEnvOverrides reads the environment. It does not modify any Config;
// Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
