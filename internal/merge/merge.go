// Package merge deduplicates backend outcomes into one record stream and
// decides the terminal status of a search.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// RecordWriter receives every record that survives deduplication.
type RecordWriter interface {
	WriteRecord(rec keysearch.KeyRecord) error
}

// Merger is the single consumer of a search's outcomes. It owns the set of
// fingerprints already emitted and must not be shared between goroutines.
type Merger struct {
	searchID string
	out      RecordWriter
	logger   *slog.Logger

	// longIDs and shortIDs hold the key ids of every emitted key;
	// partial holds the records that only carried a key id.
	seen       map[string]struct{}
	longIDs    map[string]struct{}
	shortIDs   map[string]struct{}
	partial    map[string]struct{}
	records    int
	skipped    int
	duplicates int
	warnings   []keysearch.Warning
	succeeded  int
	timedOut   int
}

// New creates a merger writing to out.
func New(searchID string, out RecordWriter, logger *slog.Logger) *Merger {
	return &Merger{
		searchID: searchID,
		out:      out,
		logger:   logger.With("component", "merger", "search_id", searchID),
		seen:     make(map[string]struct{}),
		longIDs:  make(map[string]struct{}),
		shortIDs: make(map[string]struct{}),
		partial:  make(map[string]struct{}),
	}
}

// Merge applies one outcome. Records are emitted in arrival order; a key
// already emitted is dropped silently. A record that only carries a key id
// is the same key as a fingerprint ending in that id, whichever arrives
// first. Failed outcomes become warnings. The returned error is a write
// failure on the sink.
func (m *Merger) Merge(o keysearch.BackendOutcome) error {
	m.skipped += o.Skipped
	if o.Status != keysearch.OutcomeSuccess {
		m.warnings = append(m.warnings, keysearch.Warning{
			Endpoint: o.Endpoint.Name,
			Status:   o.Status,
			Detail:   o.Detail,
		})
		if o.Status == keysearch.OutcomeTimeout {
			m.timedOut++
		}
		return nil
	}

	m.succeeded++
	for _, rec := range o.Records {
		id := identify(rec.Fingerprint)
		if m.isDuplicate(id) {
			m.duplicates++
			continue
		}
		m.remember(id)
		if err := m.out.WriteRecord(rec); err != nil {
			return fmt.Errorf("failed to emit record %s: %w", id.value, err)
		}
		m.records++
	}
	return nil
}

// Finalize computes the report. Every status other than success and partial
// success comes with a *keysearch.SearchError.
func (m *Merger) Finalize(cancelled bool) (keysearch.Report, error) {
	report := keysearch.Report{
		SearchID:   m.searchID,
		Records:    m.records,
		Skipped:    m.skipped,
		Duplicates: m.duplicates,
		Warnings:   m.warnings,
	}

	var err error
	switch {
	case cancelled:
		report.Status = keysearch.StatusCancelled
		err = keysearch.NewSearchError(report.Status, nil)
	case m.records > 0 && len(m.warnings) == 0:
		report.Status = keysearch.StatusSuccess
	case m.records > 0:
		report.Status = keysearch.StatusPartialSuccess
	case m.succeeded > 0 || m.timedOut > 0:
		// Not found is the more specific cause whenever a backend answered
		// or could have answered given more time.
		report.Status = keysearch.StatusNotFound
		err = keysearch.NewSearchError(report.Status, nil)
	default:
		report.Status = keysearch.StatusNoBackendAvailable
		err = keysearch.NewSearchError(report.Status, m.failureCause())
	}

	m.logger.Info("search finished",
		"status", report.Status.String(),
		"records", report.Records,
		"duplicates", report.Duplicates,
		"skipped", report.Skipped,
		"warnings", len(report.Warnings))
	return report, err
}

func (m *Merger) failureCause() error {
	if len(m.warnings) == 0 {
		return nil
	}
	parts := make([]string, 0, len(m.warnings))
	for _, w := range m.warnings {
		parts = append(parts, fmt.Sprintf("%s: %s", w.Endpoint, w.Status))
	}
	return fmt.Errorf("all backends failed (%s)", strings.Join(parts, ", "))
}

// Run feeds outcomes into m until the channel closes. A sink failure calls
// cancel, stops consuming and is returned. When ctx is cancelled Run returns
// ctx.Err() and merges nothing further.
func Run(ctx context.Context, cancel context.CancelFunc, outcomes <-chan keysearch.BackendOutcome, m *Merger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-outcomes:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := m.Merge(o); err != nil {
				cancel()
				return err
			}
		}
	}
}

// identity is the dedup key of one record. value is the canonical
// fingerprint as received; long and short are the key ids derived from it
// and stay empty for values that are not OpenPGP fingerprints or key ids.
type identity struct {
	value string
	full  bool
	long  string
	short string
}

func identify(fpr string) identity {
	id := identity{value: canonical(fpr)}
	if !isHex(id.value) {
		return id
	}
	switch len(id.value) {
	case 40:
		id.full = true
		id.long = keysearch.KeyIDFromFingerprint(id.value)
		id.short = id.long[8:]
	case 64:
		// v5 key ids are taken from the front of the fingerprint.
		id.full = true
		id.long = keysearch.KeyIDFromFingerprint(id.value)
		id.short = id.long[:8]
	case 16:
		id.long = id.value
		id.short = id.value[8:]
	case 8:
		id.short = id.value
	}
	// v3 fingerprints do not contain the key id, so 32 digits stay exact.
	return id
}

func (m *Merger) isDuplicate(id identity) bool {
	if _, ok := m.seen[id.value]; ok {
		return true
	}
	switch {
	case id.full:
		return contains(m.partial, id.long) || contains(m.partial, id.short)
	case id.long != "":
		return contains(m.longIDs, id.long) || contains(m.partial, id.short)
	case id.short != "":
		return contains(m.shortIDs, id.short)
	}
	return false
}

func (m *Merger) remember(id identity) {
	m.seen[id.value] = struct{}{}
	if id.long != "" {
		m.longIDs[id.long] = struct{}{}
	}
	if id.short != "" {
		m.shortIDs[id.short] = struct{}{}
	}
	if !id.full && (id.long != "" || id.short != "") {
		m.partial[id.value] = struct{}{}
	}
}

func contains(set map[string]struct{}, key string) bool {
	if key == "" {
		return false
	}
	_, ok := set[key]
	return ok
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func canonical(fpr string) string {
	return strings.ToUpper(strings.Join(strings.Fields(fpr), ""))
}
