// Package main implements dosimg, which builds bootable FreeDOS disk images.
//
// A build fetches the FreeDOS source ISO into a local cache (once), then runs
// a fixed sequence of stages against a raw image file: partition, map,
// format, install the bootloader, mount, unpack packages and copy files.
// Every resource a stage acquires is released in reverse order when the run
// ends, whether it succeeded, failed or was interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/superfly/dosimg/command"
)

var (
	// Version is set via -ldflags.
	Version = "dev"
	// Commit is set via -ldflags.
	Commit = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	Code int
	Err  error

	// reported is set when the error was already shown to the user, for
	// example in the build summary.
	reported bool
}

func (e *exitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *exitError) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	return &exitError{Code: exitUsage, Err: err}
}

// app holds the state shared by every subcommand.
type app struct {
	stdout io.Writer
	stderr io.Writer

	log *logrus.Logger
	v   *viper.Viper

	cfgFile string
	cfg     Config

	// newRunner creates the runner external tools are executed through.
	newRunner func(logger logrus.FieldLogger, prefix []string) command.Runner

	// preflight checks the host before a build. Replaced in tests.
	preflight func(ctx context.Context, cfg Config) error
}

func newApp(stdout, stderr io.Writer) *app {
	a := &app{
		stdout: stdout,
		stderr: stderr,
		log:    logrus.New(),
		v:      newViper(),
		newRunner: func(logger logrus.FieldLogger, prefix []string) command.Runner {
			return command.NewExec(logger, prefix...)
		},
	}
	a.log.SetOutput(stderr)
	a.preflight = a.hostPreflight
	return a
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// The first signal cancels the context. Later signals stay captured
	// until stop, so a second ctrl+c cannot interrupt teardown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdout, os.Stderr)
	return a.execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.reported {
			fmt.Fprintf(a.stderr, "Error: %v\n", err)
		}
		if ee.Code == exitUsage {
			fmt.Fprintf(a.stderr, "Run '%s --help' for usage.\n", root.Name())
		}
		return ee.Code
	}
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	return exitFailure
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dosimg",
		Short: "Build bootable FreeDOS disk images",
		Long: `dosimg builds a raw disk image with one bootable FAT16 partition and a
FreeDOS base system installed on it.

The FreeDOS source ISO is downloaded once and cached; later builds reuse it.
Devices, mounts and scratch directories acquired during a build are always
released again, in reverse order, even when a stage fails or the build is
interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError(fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath()))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig(cmd)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/dosimg/config.yaml)")
	pf.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	pf.String("log-format", defaultLogFormat, "log format (json, text)")
	pf.String("log-file", "", "write logs to this file instead of stderr")
	pf.String("db", defaultDBPath, "build history database path")
	pf.String("lock-file", defaultLockPath, "lock file that prevents concurrent builds")

	root.AddCommand(
		a.buildCommand(),
		a.fetchCommand(),
		a.gcCommand(),
		a.listBuildsCommand(),
		a.versionCommand(),
	)
	return root
}

// initConfig resolves the configuration for cmd and sets up logging.
func (a *app) initConfig(cmd *cobra.Command) error {
	bindings := map[string]string{
		keyLogLevel:  "log-level",
		keyLogFormat: "log-format",
		keyLogFile:   "log-file",
		keyDBPath:    "db",
		keyLockPath:  "lock-file",
	}
	for key, name := range commandBindings[cmd.Name()] {
		bindings[key] = name
	}
	if err := bindFlags(a.v, cmd.Flags(), bindings); err != nil {
		return usageError(err)
	}

	if err := readConfigFile(a.v, a.cfgFile); err != nil {
		return usageError(err)
	}
	cfg, err := loadConfig(a.v)
	if err != nil {
		return usageError(err)
	}
	a.cfg = cfg

	if err := setupLogger(a.log, a.stderr, cfg.LogLevel, cfg.LogFormat, cfg.LogFile); err != nil {
		return usageError(err)
	}
	if used := a.v.ConfigFileUsed(); used != "" {
		a.log.WithField("config_file", used).Debug("loaded config file")
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, _ []string) {
			if Version == "dev" {
				fmt.Fprintln(cmd.OutOrStdout(), "dosimg dev (built from source)")
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dosimg %s (commit: %s)\n", Version, Commit)
		},
	}
}

// usageArgs marks argument validation failures as usage errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}
