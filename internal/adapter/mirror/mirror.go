// Package mirror answers key searches from a local keyblock mirror.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-keysearch/internal/adapter"
	"github.com/tinywideclouds/go-keysearch/internal/keyblock"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// Lookup is one store query derived from a search pattern.
type Lookup struct {
	Pattern keysearch.SearchPattern
}

// Client searches a MirrorStore.
type Client struct {
	endpoint keysearch.Endpoint
	store    keysearch.MirrorStore
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a mirror client for ep backed by store.
func New(ep keysearch.Endpoint, store keysearch.MirrorStore, logger *slog.Logger) *Client {
	return &Client{
		endpoint: ep,
		store:    store,
		now:      time.Now,
		logger:   logger.With("component", "mirror_adapter", "endpoint", ep.Name),
	}
}

// BuildRequest turns the patterns into store lookups. A wildcard makes every
// other pattern redundant.
func BuildRequest(patterns []keysearch.SearchPattern) []Lookup {
	lookups := make([]Lookup, 0, len(patterns))
	for _, p := range patterns {
		if p.Kind == keysearch.KindWildcard {
			return []Lookup{{Pattern: p}}
		}
		lookups = append(lookups, Lookup{Pattern: p})
	}
	return lookups
}

// ParseResponse parses stored keyblocks. Blocks that fail to parse are
// counted in skipped. The stored disabled flag is carried over.
func ParseResponse(blocks []keysearch.Keyblock, now time.Time) ([]keysearch.KeyRecord, int) {
	records := make([]keysearch.KeyRecord, 0, len(blocks))
	skipped := 0
	for _, kb := range blocks {
		rec, err := keyblock.Parse(kb.Data, now)
		if err != nil {
			skipped++
			continue
		}
		rec.Disabled = rec.Disabled || kb.Disabled
		records = append(records, rec)
	}
	return records, skipped
}

// Search runs the lookups in pattern order.
func (c *Client) Search(ctx context.Context, patterns []keysearch.SearchPattern) (adapter.Result, error) {
	var result adapter.Result
	for _, l := range BuildRequest(patterns) {
		blocks, err := c.store.Lookup(ctx, l.Pattern)
		if err != nil {
			if ctx.Err() != nil {
				return result, adapter.NewError(keysearch.OutcomeTimeout, c.endpoint.Name, fmt.Errorf("%w: %w", ctx.Err(), err))
			}
			return result, adapter.ProtocolError(c.endpoint.Name, fmt.Errorf("mirror lookup for %s: %w", l.Pattern, err))
		}
		records, skipped := ParseResponse(blocks, c.now())
		if skipped > 0 {
			c.logger.Warn("skipped unparsable keyblocks", "pattern", l.Pattern.String(), "skipped", skipped)
		}
		for i := range records {
			records[i].Source = c.endpoint.Name
		}
		result.Records = append(result.Records, records...)
		result.Skipped += skipped
	}
	return result, nil
}
