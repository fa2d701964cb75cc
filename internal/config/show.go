package config

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
)

// secretKeys are masked by RenderEffective.
var secretKeys = map[string]bool{
	"password":      true,
	"refresh_token": true,
	"access_token":  true,
	"client_secret": true,
	"secret_key":    true,
}

const redacted = "<redacted>"

// RenderEffective writes the resolved configuration as an annotated TOML-like
// summary, with credentials masked. It powers "backends --show".
func RenderEffective(rc *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", rc.Path)

	ew.printf("[logging]\n")
	ew.printf("  level  = %q\n", rc.Logging.Level)
	ew.printf("  format = %q\n", rc.Logging.Format)

	if rc.Logging.File != "" {
		ew.printf("  file   = %q\n", rc.Logging.File)
	}

	ew.printf("\n[network]\n")
	ew.printf("  connect_timeout = %q\n", rc.Network.ConnectTimeout)
	ew.printf("  request_timeout = %q\n", rc.Network.RequestTimeout)
	ew.printf("  force_http_11   = %t\n", rc.Network.ForceHTTP11)

	ew.printf("\n[transfer]\n")
	ew.printf("  copy_fallback   = %q\n", rc.Transfer.CopyFallback)
	ew.printf("  bandwidth_limit = %q\n", rc.Transfer.BandwidthLimit)

	for _, name := range rc.BackendNames() {
		ew.printf("\n[backends.%s]\n", name)
		renderBackend(ew, rc.Backends[name])
	}

	return ew.err
}

// BackendNames returns the configured backend names in sorted order.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func renderBackend(ew *errWriter, b Backend) {
	v := reflect.ValueOf(b)
	t := v.Type()

	for i := range t.NumField() {
		f := v.Field(i)
		if f.IsZero() {
			continue
		}

		key, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")

		switch {
		case secretKeys[key]:
			ew.printf("  %-16s = %q\n", key, redacted)
		case f.Kind() == reflect.Bool:
			ew.printf("  %-16s = %t\n", key, f.Bool())
		default:
			ew.printf("  %-16s = %q\n", key, f.String())
		}
	}
}

// errWriter wraps an io.Writer and keeps the first write error, so
// callers can chain printf calls without checking each one.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
