// Package inmemory provides a thread-safe in-memory keyblock mirror.
package inmemory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// Store is a concrete, thread-safe in-memory implementation of the
// keysearch.MirrorStore interface.
type Store struct {
	sync.RWMutex
	keyblocks map[string]keysearch.Keyblock
}

// New creates a new in-memory mirror.
func New() *Store {
	return &Store{keyblocks: make(map[string]keysearch.Keyblock)}
}

// StoreKeyblock adds or replaces the keyblock under its fingerprint.
func (s *Store) StoreKeyblock(ctx context.Context, kb keysearch.Keyblock) error {
	s.Lock()
	defer s.Unlock()
	s.keyblocks[kb.Fingerprint] = clone(kb)
	return nil
}

// Lookup scans every stored keyblock. Results are ordered by fingerprint.
func (s *Store) Lookup(ctx context.Context, p keysearch.SearchPattern) ([]keysearch.Keyblock, error) {
	s.RLock()
	defer s.RUnlock()

	if p.Kind == keysearch.KindFingerprint {
		kb, ok := s.keyblocks[p.Value]
		if !ok {
			return nil, nil
		}
		return []keysearch.Keyblock{clone(kb)}, nil
	}

	var matches []keysearch.Keyblock
	for _, kb := range s.keyblocks {
		if kb.Matches(p) {
			matches = append(matches, clone(kb))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Fingerprint < matches[j].Fingerprint })
	return matches, nil
}

// Len returns the number of stored keyblocks.
func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.keyblocks)
}

func clone(kb keysearch.Keyblock) keysearch.Keyblock {
	kb.UserIDs = slices.Clone(kb.UserIDs)
	kb.Data = slices.Clone(kb.Data)
	return kb
}
