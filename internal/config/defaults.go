package config

// Default values, the first layer of the override chain.
const (
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
	defaultConnectTimeout = "10s"
	defaultRequestTimeout = "60s"
	defaultCopyFallback   = "buffer"
	defaultBandwidthLimit = "0"
)

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding (so unset fields keep their
// defaults) and the result when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			RequestTimeout: defaultRequestTimeout,
		},
		Transfer: TransferConfig{
			CopyFallback:   defaultCopyFallback,
			BandwidthLimit: defaultBandwidthLimit,
		},
		Backends: make(map[string]Backend),
	}
}

// builtinBackends are always available, even with no config file. A config
// section with the same name replaces them.
func builtinBackends() map[string]Backend {
	return map[string]Backend{
		"local":  {Type: TypeLocal, Root: "/"},
		"memory": {Type: TypeMemory},
	}
}
