package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/breadfs/breadfs/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath      string
	flagLogLevel        string
	flagFallback        string
	flagBandwidthLimit  string
	flagMetricsTextfile string
	flagJSON            bool
	flagVerbose         bool
	flagQuiet           bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// cliSession is the per-invocation backend session, opened lazily by
// commands that touch storage.
var cliSession *session

// skipConfigCommands lists commands that never need configuration.
var skipConfigCommands = map[string]bool{
	"breadfs help":    true,
	"breadfs version": true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breadfs",
		Short: "Unified file operations across storage backends",
		Long: `breadfs addresses local disks, memory, WebDAV servers, S3 buckets and
Alipan drives through one set of commands. Paths take the form
"<backend>:/path"; a bare path refers to the local filesystem.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main reports errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return closeSession()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file path")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flagFallback, "fallback", "", "cross-backend copy strategy (buffer, stream)")
	pf.StringVar(&flagBandwidthLimit, "bwlimit", "", "bandwidth limit for cross-backend copies (e.g. 10MiB/s)")
	pf.StringVar(&flagMetricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")
	pf.BoolVar(&flagJSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors and suppress status output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newCatCmd())
	cmd.AddCommand(newWriteCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newCpCmd())
	cmd.AddCommand(newMvCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newBackendsCmd())

	return cmd
}

// cliOverrides collects the flags the user explicitly set. Unset flags stay
// nil so they do not mask config and environment values.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}
	flags := cmd.Flags()

	if flags.Changed("log-level") {
		cli.LogLevel = &flagLogLevel
	}

	// --verbose and --quiet win over --log-level.
	switch {
	case flagVerbose:
		level := "debug"
		cli.LogLevel = &level
	case flagQuiet:
		level := "error"
		cli.LogLevel = &level
	}

	if flags.Changed("fallback") {
		cli.CopyFallback = &flagFallback
	}

	if flags.Changed("bwlimit") {
		cli.BandwidthLimit = &flagBandwidthLimit
	}

	return cli
}

// loadConfig resolves the effective configuration from the override chain
// and stores the result in resolvedCfg for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	resolved, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// openSession returns the session for this invocation, creating it on first
// use. Every log line it emits carries a fresh op_id so one invocation can
// be picked out of a shared log file.
func openSession(cmd *cobra.Command) (*session, error) {
	if cliSession != nil {
		return cliSession, nil
	}

	if resolvedCfg == nil {
		if err := loadConfig(cmd); err != nil {
			return nil, err
		}
	}

	logger, logCloser, err := buildLogger(resolvedCfg.Logging)
	if err != nil {
		return nil, err
	}

	logger = logger.With(
		slog.String("op_id", uuid.NewString()),
		slog.String("command", cmd.Name()),
	)

	s, err := newSession(resolvedCfg, logger, flagMetricsTextfile)
	if err != nil {
		closeQuietly(logCloser)
		return nil, err
	}

	// The first SIGINT/SIGTERM cancels in-flight transfers; Close stops the
	// signal watcher.
	ctx, cancel := context.WithCancel(cmd.Context())
	cmd.SetContext(shutdownContext(ctx, logger))

	s.logCloser = logCloser
	s.cancel = cancel
	cliSession = s

	return s, nil
}

// closeSession releases the current session, if any.
func closeSession() error {
	if cliSession == nil {
		return nil
	}

	err := cliSession.Close()
	cliSession = nil

	return err
}

// buildLogger creates an slog.Logger from the logging config. The level has
// already absorbed --log-level, --verbose and --quiet during resolution.
// The returned closer is non-nil when logs go to a file.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer
		isTTY  = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	)

	if cfg.File != "" {
		f, err := os.OpenFile(config.ExpandHome(cfg.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		out, closer, isTTY = f, f, false
	}

	return newLogger(out, cfg.Level, cfg.Format, isTTY), closer, nil
}

// newLogger builds the handler for the given level and format. Format
// "auto" picks text on a terminal and JSON otherwise.
func newLogger(w io.Writer, level, format string, isTTY bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if format == "json" || (format == "auto" && !isTTY) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	var uerr *usageError
	if errors.As(err, &uerr) {
		fmt.Fprintf(os.Stderr, "Error: %v\nRun 'breadfs --help' for usage.\n", err)
		os.Exit(2)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// usageError marks errors caused by malformed arguments.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
