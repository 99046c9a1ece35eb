// Package firestore provides a keyblock mirror implementation using Google
// Cloud Firestore. Documents are keyed by the uppercase fingerprint.
package firestore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// keyblockDocument is the structure stored in a Firestore document.
type keyblockDocument struct {
	KeyID      string   `firestore:"keyId"`
	ShortKeyID string   `firestore:"shortKeyId"`
	UserIDs    []string `firestore:"userIds"`
	Disabled   bool     `firestore:"disabled"`
	Data       []byte   `firestore:"data"`
}

// Store is a concrete implementation of keysearch.MirrorStore using Firestore.
type Store struct {
	client     *firestore.Client
	collection *firestore.CollectionRef
	logger     *slog.Logger
}

// NewFirestoreStore creates a new Firestore-backed mirror.
func NewFirestoreStore(client *firestore.Client, collectionName string, logger *slog.Logger) *Store {
	return &Store{
		client:     client,
		collection: client.Collection(collectionName),
		logger:     logger.With("component", "firestore_store", "collection", collectionName),
	}
}

// StoreKeyblock creates or overwrites the document for the keyblock.
func (s *Store) StoreKeyblock(ctx context.Context, kb keysearch.Keyblock) error {
	s.logger.Debug("Storing keyblock", "fingerprint", kb.Fingerprint)

	doc := keyblockDocument{
		KeyID:      kb.KeyID,
		ShortKeyID: shortKeyID(kb.KeyID),
		UserIDs:    kb.UserIDs,
		Disabled:   kb.Disabled,
		Data:       kb.Data,
	}
	if _, err := s.collection.Doc(kb.Fingerprint).Set(ctx, doc); err != nil {
		s.logger.Error("Failed to store keyblock", "fingerprint", kb.Fingerprint, "err", err)
		return fmt.Errorf("failed to store keyblock %s: %w", kb.Fingerprint, err)
	}
	return nil
}

// Lookup answers fingerprints with a direct document read and key ids with
// an equality query. User-id substrings have no Firestore index, so they
// scan the collection.
func (s *Store) Lookup(ctx context.Context, p keysearch.SearchPattern) ([]keysearch.Keyblock, error) {
	switch p.Kind {
	case keysearch.KindFingerprint:
		return s.get(ctx, p.Value)
	case keysearch.KindKeyID:
		field := "keyId"
		if len(p.Value) == 8 {
			field = "shortKeyId"
		}
		return s.query(ctx, s.collection.Where(field, "==", p.Value), p)
	default:
		return s.query(ctx, s.collection.OrderBy(firestore.DocumentID, firestore.Asc), p)
	}
}

func (s *Store) get(ctx context.Context, fpr string) ([]keysearch.Keyblock, error) {
	snap, err := s.collection.Doc(fpr).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Debug("Keyblock not found", "fingerprint", fpr)
			return nil, nil
		}
		s.logger.Warn("Failed to get keyblock document", "fingerprint", fpr, "err", err)
		return nil, fmt.Errorf("failed to get keyblock %s: %w", fpr, err)
	}
	kb, err := toKeyblock(snap)
	if err != nil {
		return nil, err
	}
	return []keysearch.Keyblock{kb}, nil
}

func (s *Store) query(ctx context.Context, q firestore.Query, p keysearch.SearchPattern) ([]keysearch.Keyblock, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		s.logger.Warn("Failed to query keyblocks", "pattern", p.String(), "err", err)
		return nil, fmt.Errorf("failed to query keyblocks for %s: %w", p, err)
	}

	var matches []keysearch.Keyblock
	for _, snap := range snaps {
		kb, err := toKeyblock(snap)
		if err != nil {
			return nil, err
		}
		if kb.Matches(p) {
			matches = append(matches, kb)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Fingerprint < matches[j].Fingerprint })
	s.logger.Debug("Keyblock query finished", "pattern", p.String(), "matches", len(matches))
	return matches, nil
}

func toKeyblock(snap *firestore.DocumentSnapshot) (keysearch.Keyblock, error) {
	var doc keyblockDocument
	if err := snap.DataTo(&doc); err != nil {
		return keysearch.Keyblock{}, fmt.Errorf("failed to parse keyblock document %s: %w", snap.Ref.ID, err)
	}
	return keysearch.Keyblock{
		Fingerprint: snap.Ref.ID,
		KeyID:       doc.KeyID,
		UserIDs:     doc.UserIDs,
		Disabled:    doc.Disabled,
		Data:        doc.Data,
	}, nil
}

func shortKeyID(keyID string) string {
	if len(keyID) <= 8 {
		return keyID
	}
	return keyID[len(keyID)-8:]
}
