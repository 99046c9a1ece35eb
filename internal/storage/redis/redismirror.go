// Package redis provides a keyblock mirror backed by Redis.
//
// Each keyblock lives in a hash under kb:<fingerprint>. Secondary sets map
// long and short key ids to fingerprints, and one set holds every stored
// fingerprint for substring and wildcard scans.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

const (
	keyblockKeyPrefix = "kb:"
	keyIDKeyPrefix    = "kid:"
	shortIDKeyPrefix  = "sid:"
	allKeyblocksKey   = "kb-all"
)

// Store is a Redis-backed implementation of keysearch.MirrorStore.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key the store writes.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// NewRedisStore constructs a Redis mirror. The client lifecycle is managed
// by the caller.
func NewRedisStore(client *redis.Client, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "keysearch:",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = logger.With("component", "redis_store", "prefix", s.prefix)
	return s
}

// StoreKeyblock writes the keyblock hash and its index entries in one
// MULTI/EXEC transaction.
func (s *Store) StoreKeyblock(ctx context.Context, kb keysearch.Keyblock) error {
	uids, err := json.Marshal(kb.UserIDs)
	if err != nil {
		return fmt.Errorf("failed to encode user ids for %s: %w", kb.Fingerprint, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(keyblockKeyPrefix, kb.Fingerprint), map[string]any{
			"keyId":    kb.KeyID,
			"userIds":  uids,
			"disabled": kb.Disabled,
			"data":     kb.Data,
		})
		pipe.SAdd(ctx, s.key(allKeyblocksKey, ""), kb.Fingerprint)
		if kb.KeyID != "" {
			pipe.SAdd(ctx, s.key(keyIDKeyPrefix, kb.KeyID), kb.Fingerprint)
			pipe.SAdd(ctx, s.key(shortIDKeyPrefix, shortKeyID(kb.KeyID)), kb.Fingerprint)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to store keyblock", "fingerprint", kb.Fingerprint, "err", err)
		return fmt.Errorf("failed to store keyblock %s: %w", kb.Fingerprint, err)
	}
	s.logger.Debug("Stored keyblock", "fingerprint", kb.Fingerprint)
	return nil
}

// Lookup resolves the candidate fingerprints for the pattern, loads them in
// one pipeline and filters with Keyblock.Matches.
func (s *Store) Lookup(ctx context.Context, p keysearch.SearchPattern) ([]keysearch.Keyblock, error) {
	var candidates []string
	switch p.Kind {
	case keysearch.KindFingerprint:
		candidates = []string{p.Value}
	case keysearch.KindKeyID:
		prefix := keyIDKeyPrefix
		if len(p.Value) == 8 {
			prefix = shortIDKeyPrefix
		}
		fprs, err := s.client.SMembers(ctx, s.key(prefix, p.Value)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read key id index for %s: %w", p, err)
		}
		candidates = fprs
	default:
		fprs, err := s.client.SMembers(ctx, s.key(allKeyblocksKey, "")).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read keyblock index: %w", err)
		}
		candidates = fprs
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(candidates))
	for i, fpr := range candidates {
		cmds[i] = pipe.HGetAll(ctx, s.key(keyblockKeyPrefix, fpr))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("Failed to load keyblocks", "pattern", p.String(), "err", err)
		return nil, fmt.Errorf("failed to load keyblocks for %s: %w", p, err)
	}

	var matches []keysearch.Keyblock
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		kb, err := toKeyblock(candidates[i], fields)
		if err != nil {
			return nil, err
		}
		if kb.Matches(p) {
			matches = append(matches, kb)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Fingerprint < matches[j].Fingerprint })
	return matches, nil
}

func (s *Store) key(kind, id string) string {
	return s.prefix + kind + id
}

func toKeyblock(fpr string, fields map[string]string) (keysearch.Keyblock, error) {
	kb := keysearch.Keyblock{
		Fingerprint: fpr,
		KeyID:       fields["keyId"],
		Disabled:    fields["disabled"] == "1",
		Data:        []byte(fields["data"]),
	}
	if raw := fields["userIds"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &kb.UserIDs); err != nil {
			return keysearch.Keyblock{}, fmt.Errorf("failed to decode user ids for %s: %w", fpr, err)
		}
	}
	return kb, nil
}

func shortKeyID(keyID string) string {
	if len(keyID) <= 8 {
		return keyID
	}
	return keyID[len(keyID)-8:]
}
