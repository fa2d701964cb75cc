// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for breadfs. Values resolve through
// defaults -> config file -> environment -> CLI flags, and each named
// backend section describes one storage provider.
package config

// Backend types.
const (
	TypeLocal  = "local"
	TypeMemory = "memory"
	TypeWebDAV = "webdav"
	TypeAlipan = "alipan"
	TypeS3     = "s3"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Logging  LoggingConfig      `toml:"logging"`
	Network  NetworkConfig      `toml:"network"`
	Transfer TransferConfig     `toml:"transfer"`
	Backends map[string]Backend `toml:"backends" validate:"dive"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=auto text json"`
	// File receives log output instead of stderr when set.
	File string `toml:"file"`
}

// NetworkConfig controls the HTTP clients of the remote backends.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout"`
	// ForceHTTP11 disables HTTP/2, for proxies that mishandle it.
	ForceHTTP11 bool `toml:"force_http_11"`
}

// TransferConfig controls cross-backend copies.
type TransferConfig struct {
	CopyFallback   string `toml:"copy_fallback" validate:"oneof=buffer stream"`
	BandwidthLimit string `toml:"bandwidth_limit"`
}

// Backend is one [backends.<name>] section. Which fields apply depends on
// Type; the rest must stay empty.
type Backend struct {
	Type string `toml:"type" validate:"required,oneof=local memory webdav alipan s3"`

	// local
	Root string `toml:"root"`

	// webdav
	URL      string `toml:"url" validate:"omitempty,url"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	// alipan
	RefreshToken   string `toml:"refresh_token"`
	AccessToken    string `toml:"access_token"`
	ClientID       string `toml:"client_id"`
	ClientSecret   string `toml:"client_secret"`
	RefreshMode    string `toml:"refresh_mode" validate:"omitempty,oneof=online local"`
	OnlineAPIURL   string `toml:"online_api_url" validate:"omitempty,url"`
	OnlineType     string `toml:"online_type" validate:"omitempty,oneof=default alipanTV"`
	APIURL         string `toml:"api_url" validate:"omitempty,url"`
	DriveType      string `toml:"drive_type" validate:"omitempty,oneof=default resource backup"`
	RootFolderID   string `toml:"root_folder_id"`
	OrderBy        string `toml:"order_by" validate:"omitempty,oneof=name size updated_at created_at"`
	OrderDirection string `toml:"order_direction" validate:"omitempty,oneof=ASC DESC"`
	RemoveMethod   string `toml:"remove_method" validate:"omitempty,oneof=trash delete"`
	RapidUpload    bool   `toml:"rapid_upload"`
	InternalUpload bool   `toml:"internal_upload"`
	LivpFormat     string `toml:"livp_format" validate:"omitempty,oneof=jpeg mov"`
	// TokenFile overrides where rotated tokens are persisted.
	TokenFile string `toml:"token_file"`

	// s3
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint" validate:"omitempty,url"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	PathStyle bool   `toml:"path_style"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from an explicit zero value.
type CLIOverrides struct {
	ConfigPath     string  // --config (empty = use default)
	LogLevel       *string // --log-level, or --verbose/--quiet
	CopyFallback   *string // --fallback
	BandwidthLimit *string // --bwlimit
}
