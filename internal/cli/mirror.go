package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinywideclouds/go-keysearch/internal/keyblock"
	"github.com/tinywideclouds/go-keysearch/internal/sniff"
	"github.com/tinywideclouds/go-keysearch/keysearch"
	pkgkeysearch "github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

func newMirrorCmd(opts *options) *cobra.Command {
	mirrorCmd := &cobra.Command{
		Use:   "mirror",
		Short: "Manage the local keyblock mirror",
	}
	mirrorCmd.AddCommand(&cobra.Command{
		Use:   "import <file>...",
		Short: "Import keyblock dumps into the mirror store",
		Long: `Import reads each file, which may be gzip, bzip2 or zip compressed and
armored or binary, splits it into keyblocks and stores every keyblock in
the mirror store selected by the config file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.logger(cfg.LogLevel)

			store, closeStore, err := keysearch.NewMirrorStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			var stored, skipped int
			for _, path := range args {
				n, s, err := importFile(cmd.Context(), store, path, logger)
				if err != nil {
					return err
				}
				stored += n
				skipped += s
			}
			fmt.Fprintf(opts.stdout, "imported %d keyblocks, skipped %d\n", stored, skipped)
			return nil
		},
	})
	return mirrorCmd
}

// importFile stores every keyblock of one dump file.
func importFile(ctx context.Context, store pkgkeysearch.MirrorStore, path string, logger *slog.Logger) (stored, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r, format, err := sniff.Open(f)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", path, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	entries, skipped, err := keyblock.Index(data, time.Now())
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", path, err)
	}
	for _, kb := range entries {
		if err := store.StoreKeyblock(ctx, kb); err != nil {
			return stored, skipped, fmt.Errorf("failed to store %s from %s: %w", kb.Fingerprint, path, err)
		}
		stored++
	}
	logger.Info("Imported keyblock dump", "path", path, "compression", format.String(), "stored", stored, "skipped", skipped)
	return stored, skipped, nil
}
