// Package cli implements the paperpack command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"paperpack/internal/config"
	"paperpack/internal/history"
	"paperpack/internal/logging"
)

// Version is the release version, set at link time.
var Version = "dev"

// Streams are the standard streams commands read and write.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

type app struct {
	streams Streams

	configPath  string
	verbose     bool
	logFile     string
	metricsFile string

	logger *zap.Logger
	// started is set once flags and arguments have been accepted.
	started bool
}

// Run executes args (without the program name) and returns the process
// exit code. Errors are reported on streams.Err.
func Run(ctx context.Context, args []string, streams Streams) int {
	a := &app{streams: streams, logger: zap.NewNop()}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(streams.In)
	root.SetOut(streams.Out)
	root.SetErr(streams.Err)

	err := root.ExecuteContext(ctx)
	_ = a.logger.Sync()
	if err == nil {
		return ExitSuccess
	}
	code := ExitCode(err)
	if code == ExitInternalError && !a.started {
		// Cobra's own argument and command lookup errors are untyped.
		code = ExitInvalidInvocation
	}
	var serverErr *ServerExitError
	if !errors.As(err, &serverErr) {
		fmt.Fprintln(streams.Err, "Error:", err)
	}
	return code
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "paperpack",
		Short: "Build, verify and run Paper-style Minecraft server distributions",
		Long: `paperpack resolves dependencies, compiles the server, relocates the
CraftBukkit namespace into a shaded jar, stamps its manifest with git
provenance, scans it for forbidden API calls and optionally embeds mappings
and publishes it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.started = true
			return a.initLogger()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})
	a.bindGlobalFlags(root.PersistentFlags())

	root.AddCommand(
		a.buildCommand(),
		a.checkCommand(),
		a.resolveCommand(),
		a.runCommand(),
		a.scanCommand(),
		a.deobfCommand(),
		a.manifestCommand(),
		a.versionCommand(),
	)
	return root
}

func (a *app) bindGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&a.configPath, "config", "c", config.FileName, "Build descriptor")
	fs.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	fs.StringVar(&a.logFile, "log-file", "", "Write logs to this file instead of standard error")
	fs.StringVar(&a.metricsFile, "metrics-file", "", "Write stage metrics to this node exporter textfile")
}

func (a *app) initLogger() error {
	if a.logFile == "" {
		a.logger = logging.NewWriter(a.verbose, a.streams.Err)
		return nil
	}
	logger, err := logging.New(a.verbose, a.logFile)
	if err != nil {
		return invalidInvocationf("--log-file: %v", err)
	}
	a.logger = logger
	return nil
}

// loadConfig reads the descriptor, applies environment overrides and
// validates the result.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, &history.ConfigFailureError{Code: "Load", Message: err.Error(), Cause: err}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, &history.ConfigFailureError{Code: "Environment", Message: err.Error(), Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &history.ConfigFailureError{Code: "Invalid", Message: err.Error(), Cause: err}
	}
	return cfg, nil
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the paperpack version",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(a.streams.Out, "paperpack %s\n", Version)
			return err
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return invalidInvocationf("%s takes no arguments, got %q", cmd.CommandPath(), args)
	}
	return nil
}

func rangeArgs(lo, hi int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < lo || len(args) > hi {
			if lo == hi {
				return invalidInvocationf("%s takes %d argument(s), got %d", cmd.CommandPath(), lo, len(args))
			}
			return invalidInvocationf("%s takes %d to %d arguments, got %d", cmd.CommandPath(), lo, hi, len(args))
		}
		return nil
	}
}

// existingFile rejects paths that are not regular files.
func existingFile(what, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return invalidInvocationf("%s: %v", what, err)
	}
	if !info.Mode().IsRegular() {
		return invalidInvocationf("%s: %s is not a file", what, path)
	}
	return nil
}
