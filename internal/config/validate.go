package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validation range constants.
const (
	minConnectTimeout = 1 * time.Second
	minRequestTimeout = 5 * time.Second
)

// backendNamePattern keeps names usable in "name:/path" arguments.
var backendNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// typeKeys lists the keys each backend type accepts besides "type".
var typeKeys = map[string][]string{
	TypeLocal:  {"root"},
	TypeMemory: {},
	TypeWebDAV: {"url", "username", "password"},
	TypeAlipan: {
		"refresh_token", "access_token", "client_id", "client_secret", "refresh_mode",
		"online_api_url", "online_type", "api_url", "drive_type", "root_folder_id",
		"order_by", "order_direction", "remove_method", "rapid_upload", "internal_upload",
		"livp_format", "token_file",
	},
	TypeS3: {"bucket", "prefix", "region", "endpoint", "access_key", "secret_key", "path_style"},
}

// validate is the shared struct-tag validator. Field names in its errors are
// the toml keys.
var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}()

// Validate checks all configuration values and returns every problem found,
// so a broken file can be fixed in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		errs = append(errs, formatValidationErrors(err)...)
	}

	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateTransfer(&cfg.Transfer)...)

	names := make([]string, 0, len(cfg.Backends))
	for name := range cfg.Backends {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		errs = append(errs, validateBackend(name, cfg.Backends[name])...)
	}

	return errors.Join(errs...)
}

// formatValidationErrors turns validator failures into one message per
// field, addressed by toml path.
func formatValidationErrors(err error) []error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{err}
	}

	out := make([]error, 0, len(verrs))

	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")

		switch fe.Tag() {
		case "required":
			out = append(out, fmt.Errorf("%s: is required", field))
		case "oneof":
			out = append(out, fmt.Errorf("%s: must be one of [%s], got %q",
				field, strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value()))
		case "url":
			out = append(out, fmt.Errorf("%s: must be a URL, got %q", field, fe.Value()))
		default:
			out = append(out, fmt.Errorf("%s: failed %q check", field, fe.Tag()))
		}
	}

	return out
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if err := validateDuration("network.connect_timeout", n.ConnectTimeout, minConnectTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := validateDuration("network.request_timeout", n.RequestTimeout, minRequestTimeout); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func validateDuration(field, value string, floor time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < floor {
		return fmt.Errorf("%s: must be at least %s, got %s", field, floor, value)
	}

	return nil
}

func validateTransfer(t *TransferConfig) []error {
	if _, err := ParseSize(t.BandwidthLimit); err != nil {
		return []error{fmt.Errorf("transfer.bandwidth_limit: %w", err)}
	}

	return nil
}

// validateBackend runs the cross-field checks struct tags cannot express.
func validateBackend(name string, b Backend) []error {
	var errs []error

	prefix := "backends." + name

	if !backendNamePattern.MatchString(name) {
		errs = append(errs, fmt.Errorf("%s: name must match %s", prefix, backendNamePattern))
	}

	allowed, ok := typeKeys[b.Type]
	if !ok {
		// Already reported by the struct validator.
		return errs
	}

	for _, key := range setKeys(b) {
		if key != "type" && !slices.Contains(allowed, key) {
			errs = append(errs, fmt.Errorf("%s: %q does not apply to type %q", prefix, key, b.Type))
		}
	}

	switch b.Type {
	case TypeLocal:
		if b.Root == "" {
			errs = append(errs, fmt.Errorf("%s.root: is required", prefix))
		} else if root := ExpandHome(b.Root); !filepath.IsAbs(root) {
			errs = append(errs, fmt.Errorf("%s.root: must be absolute, got %q", prefix, b.Root))
		}
	case TypeWebDAV:
		if b.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url: is required", prefix))
		}
	case TypeAlipan:
		if b.RefreshToken == "" {
			errs = append(errs, fmt.Errorf("%s.refresh_token: is required", prefix))
		}

		if (b.ClientID == "") != (b.ClientSecret == "") {
			errs = append(errs, fmt.Errorf("%s: client_id and client_secret must be set together", prefix))
		}

		if b.RefreshMode == "local" && b.ClientID == "" {
			errs = append(errs, fmt.Errorf("%s: refresh_mode \"local\" requires client_id and client_secret", prefix))
		}
	case TypeS3:
		if b.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s.bucket: is required", prefix))
		}

		if (b.AccessKey == "") != (b.SecretKey == "") {
			errs = append(errs, fmt.Errorf("%s: access_key and secret_key must be set together", prefix))
		}
	}

	return errs
}

// setKeys returns the toml keys of b's non-zero fields.
func setKeys(b Backend) []string {
	v := reflect.ValueOf(b)
	t := v.Type()

	var keys []string

	for i := range t.NumField() {
		if v.Field(i).IsZero() {
			continue
		}

		if name, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ","); name != "" {
			keys = append(keys, name)
		}
	}

	return keys
}
