package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tinywideclouds/go-keysearch/keysearch"
	pkgkeysearch "github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

func newSearchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "search <pattern>...",
		Short: "Search all configured keyservers",
		Long: `Search every enabled keyserver for the given patterns and print the
merged records to stdout. Patterns are fingerprints or key ids, with or
without a 0x prefix, or user id substrings such as an email address.
"*" matches every key.

The exit status is 0 on success, 1 on partial success and larger values
for the remaining terminal states.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.logger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := keysearch.NewMirrorStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			engine, err := keysearch.NewEngineFromConfig(cfg, store, nil, logger)
			if err != nil {
				return err
			}
			return runSearch(ctx, engine, args, opts)
		},
	}
}

func runSearch(ctx context.Context, engine *keysearch.Engine, patterns []string, opts *options) error {
	report, err := engine.Search(ctx, patterns, opts.stdout)

	status := pkgkeysearch.StatusOf(err)
	if report != nil {
		status = report.Status
	}
	if err == nil && status == pkgkeysearch.StatusSuccess {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("search finished with status %s", status)
	}
	return &ExitError{Code: status.ExitCode(), Err: err}
}
