// Package cli implements the keysearch command line tool.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tinywideclouds/go-keysearch/internal/logging"
	"github.com/tinywideclouds/go-keysearch/keysearch/config"
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// options are the persistent flags shared by every subcommand.
type options struct {
	configFile string
	verbose    bool
	stdout     io.Writer
	stderr     io.Writer
}

// NewRootCmd builds the command tree writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "keysearch",
		Short: "Search OpenPGP keyservers for public keys",
		Long: `keysearch queries every configured keyserver (HKP, HKPS, LDAP and the
local mirror) concurrently and prints the merged results in the
colon-delimited machine-readable index format.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(newSearchCmd(opts))
	root.AddCommand(newMirrorCmd(opts))
	root.AddCommand(newVersionCheckCmd(opts))
	return root
}

// Execute runs the command tree with args.
func Execute(args []string, stdout, stderr io.Writer) error {
	root := NewRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.Execute()
}

// logger writes human readable logs to stderr.
func (o *options) logger(level string) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	if o.verbose {
		lvl = slog.LevelDebug
	}
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: o.stderr, NoColor: true}).
		Level(logging.MapLevel(lvl)).
		With().Timestamp().Logger()
	return logging.NewLogger(zlog)
}

// loadConfig reads --config. Config loading logs only warnings.
func (o *options) loadConfig() (*config.Config, error) {
	if o.configFile == "" {
		return nil, &ExitError{Code: 1, Err: errors.New("--config is required")}
	}
	return config.LoadFromFile(o.configFile, o.logger("warning"))
}
