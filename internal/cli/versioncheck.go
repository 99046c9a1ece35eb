package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinywideclouds/go-keysearch/internal/version"
)

func newVersionCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version-check <remote> <required>",
		Short: "Check that a remote version is at least the required one",
		Long: `version-check compares two "major.minor.patch" version strings. The
remote may also be a server banner such as "sks_www/1.1.6". The exit
status is 0 when remote is the same as or newer than required.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, required := args[0], args[1]
			if v, ok := version.FromBanner(remote, ""); ok {
				remote = v
			}
			if version.AtLeast(remote, required) {
				fmt.Fprintf(opts.stdout, "%s >= %s\n", remote, required)
				return nil
			}
			fmt.Fprintf(opts.stdout, "%s < %s\n", remote, required)
			return &ExitError{Code: 1, Err: fmt.Errorf("version %s is older than %s", remote, required)}
		},
	}
}
