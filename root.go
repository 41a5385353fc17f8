package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/docwatch/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that run without loading the config
// file (they bootstrap or inspect it themselves).
const skipConfigAnnotation = "skipConfig"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagServer     string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIFlags is the snapshot of global flags a command runs with.
type CLIFlags struct {
	ConfigPath string
	DBPath     string
	Server     string
	JSON       bool
	Verbose    bool
	Debug      bool
	Quiet      bool
}

// CLIContext carries everything a command needs: flags, the resolved
// config (nil for skipConfig commands), the logger and the output writer.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
	Level  *slog.LevelVar
	Out    io.Writer

	stdoutTTY bool
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run hook.
// Every subcommand runs after that hook, so a missing context is a bug.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("cli context not initialized")
	}

	return cc
}

// JSONOutput reports whether commands print JSON lines instead of text:
// always with --json, and whenever stdout is not a terminal.
func (cc *CLIContext) JSONOutput() bool {
	return cc.Flags.JSON || !cc.stdoutTTY
}

// ServerURL returns the server a client command talks to: --server, or
// the configured listen address.
func (cc *CLIContext) ServerURL() string {
	if cc.Flags.Server != "" {
		return cc.Flags.Server
	}

	if cc.Cfg != nil {
		return cc.Cfg.Server.Listen
	}

	return config.DefaultConfig().Server.Listen
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docwatch",
		Short: "Document store with deduplicated live watches",
		Long: `docwatch stores JSON documents in SQLite tables with secondary indexes
and streams changes to them. A watch turns the raw changefeed of a query
into deduplicated, time-windowed batches of add, change and remove events.`,
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "database path (overrides [store] path)")
	cmd.PersistentFlags().StringVar(&flagServer, "server", "", "server address for client commands")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output JSON lines")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show informational logs")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "show debug logs")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors")
	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newFeedCmd())
	cmd.AddCommand(newTailCmd())
	cmd.AddCommand(newTableCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// setupContext resolves config and logging for cmd and stores the
// CLIContext in the command's context.
func setupContext(cmd *cobra.Command) error {
	cc := &CLIContext{
		Flags: CLIFlags{
			ConfigPath: flagConfigPath,
			DBPath:     flagDBPath,
			Server:     flagServer,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Debug:      flagDebug,
			Quiet:      flagQuiet,
		},
		Out:       cmd.OutOrStdout(),
		stdoutTTY: isTerminal(cmd.OutOrStdout()),
	}

	if cmd.Annotations[skipConfigAnnotation] == "" {
		resolved, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		cc.Cfg = resolved
	}

	cc.Logger, cc.Level = buildLogger(cc.Cfg, cc.Flags, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// loadConfig resolves the effective configuration from the override chain.
func loadConfig(cmd *cobra.Command) (*config.Resolved, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("db") {
		cli.DBPath = &flagDBPath
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		listen := f.Value.String()
		cli.Listen = &listen
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return resolved, nil
}

// bootstrapLogger is the logger used before config is available: warnings
// by default, adjusted by the verbosity flags.
func bootstrapLogger(flags CLIFlags, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: flagLevel(slog.LevelWarn, flags)}))
}

// buildLogger creates the command logger. The config log level is the
// baseline; --verbose, --debug and --quiet override it. The returned
// LevelVar lets serve apply a reloaded level.
func buildLogger(cfg *config.Resolved, flags CLIFlags, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)

	if cfg == nil {
		level.Set(flagLevel(slog.LevelWarn, flags))

		return bootstrapLogger(flags, w), level
	}

	level.Set(flagLevel(parseLevel(cfg.Logging.LogLevel), flags))

	return slog.New(newLogHandler(cfg.Logging.LogFormat, w, level)), level
}

// flagLevel applies the verbosity flags on top of base. CLI flags always
// win over config.
func flagLevel(base slog.Level, flags CLIFlags) slog.Level {
	switch {
	case flags.Debug:
		return slog.LevelDebug
	case flags.Verbose:
		return min(base, slog.LevelInfo)
	case flags.Quiet:
		return slog.LevelError
	}

	return base
}

func parseLevel(s string) slog.Level {
	switch s {
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

// newLogHandler picks the handler for a log_format value. "auto" logs text
// to a terminal and JSON otherwise.
func newLogHandler(format string, w io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !isTerminal(w)) {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

// isTerminal reports whether w is a terminal file.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
