package keysearch

import (
	"context"
	"strings"
)

// Keyblock is one stored OpenPGP keyblock plus the index fields a mirror
// store needs to answer searches without parsing packets.
type Keyblock struct {
	Fingerprint string
	KeyID       string
	UserIDs     []string
	Disabled    bool
	Data        []byte
}

// Matches reports whether the keyblock answers the pattern.
// Key ids match as a suffix of the fingerprint, so both the 8 and the 16
// digit forms work. User-id substrings match case-insensitively.
func (k Keyblock) Matches(p SearchPattern) bool {
	switch p.Kind {
	case KindWildcard:
		return true
	case KindFingerprint:
		return k.Fingerprint == p.Value
	case KindKeyID:
		if k.KeyID == p.Value {
			return true
		}
		if strings.HasSuffix(k.KeyID, p.Value) || strings.HasSuffix(k.Fingerprint, p.Value) {
			return true
		}
		// v5 fingerprints carry the key id at the front.
		return len(k.Fingerprint) == 64 && strings.HasPrefix(k.Fingerprint, p.Value)
	default:
		needle := strings.ToLower(p.Value)
		for _, uid := range k.UserIDs {
			if strings.Contains(strings.ToLower(uid), needle) {
				return true
			}
		}
		return false
	}
}

// MirrorStore defines the public interface for local keyblock mirrors.
// Any component that can store and search keyblocks (in-memory, Firestore,
// Redis, Postgres) must implement this interface.
type MirrorStore interface {
	// StoreKeyblock persists the keyblock, overwriting any existing entry
	// with the same fingerprint.
	StoreKeyblock(ctx context.Context, kb Keyblock) error

	// Lookup returns every stored keyblock matching the pattern, ordered by
	// fingerprint. No match is an empty result, not an error.
	Lookup(ctx context.Context, p SearchPattern) ([]Keyblock, error)
}
