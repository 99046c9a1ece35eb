package inmemory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-keysearch/internal/storage/inmemory"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

const (
	fprAlice = "C3A5B1D2E4F60718293A4B5C6D7E8F9012345678"
	fprBob   = "0123456789ABCDEF0123456789ABCDEF01234567"
)

// setupSuite initializes a new in-memory Store for testing.
func setupSuite(t *testing.T) (context.Context, keysearch.MirrorStore) {
	t.Helper()
	store := inmemory.New()
	ctx := context.Background()

	require.NoError(t, store.StoreKeyblock(ctx, keysearch.Keyblock{
		Fingerprint: fprAlice,
		KeyID:       fprAlice[24:],
		UserIDs:     []string{"Alice Example <alice@example.org>"},
		Data:        []byte("alice-block"),
	}))
	require.NoError(t, store.StoreKeyblock(ctx, keysearch.Keyblock{
		Fingerprint: fprBob,
		KeyID:       fprBob[24:],
		UserIDs:     []string{"Bob <bob@example.org>"},
		Data:        []byte("bob-block"),
	}))
	return ctx, store
}

func TestInMemoryStore_Lookup(t *testing.T) {
	ctx, store := setupSuite(t)

	testCases := []struct {
		name    string
		pattern keysearch.SearchPattern
		want    []string
	}{
		{"fingerprint", keysearch.SearchPattern{Kind: keysearch.KindFingerprint, Value: fprAlice}, []string{fprAlice}},
		{"long key id", keysearch.SearchPattern{Kind: keysearch.KindKeyID, Value: fprBob[24:]}, []string{fprBob}},
		{"short key id", keysearch.SearchPattern{Kind: keysearch.KindKeyID, Value: fprAlice[32:]}, []string{fprAlice}},
		{"substring ignores case", keysearch.SearchPattern{Kind: keysearch.KindUserIDSubstring, Value: "ALICE@"}, []string{fprAlice}},
		{"shared domain", keysearch.SearchPattern{Kind: keysearch.KindUserIDSubstring, Value: "example.org"}, []string{fprBob, fprAlice}},
		{"wildcard", keysearch.SearchPattern{Kind: keysearch.KindWildcard, Value: "*"}, []string{fprBob, fprAlice}},
		{"no match", keysearch.SearchPattern{Kind: keysearch.KindUserIDSubstring, Value: "carol"}, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			got, err := store.Lookup(ctx, tc.pattern)

			// Assert
			require.NoError(t, err)
			var fprs []string
			for _, kb := range got {
				fprs = append(fprs, kb.Fingerprint)
			}
			assert.Equal(t, tc.want, fprs)
		})
	}
}

func TestInMemoryStore_StoreKeyblock(t *testing.T) {
	ctx, store := setupSuite(t)

	t.Run("Success - overwrite replaces the entry", func(t *testing.T) {
		// Arrange
		updated := keysearch.Keyblock{Fingerprint: fprAlice, KeyID: fprAlice[24:], Disabled: true, Data: []byte("alice-v2")}

		// Act
		err := store.StoreKeyblock(ctx, updated)

		// Assert
		require.NoError(t, err)
		got, err := store.Lookup(ctx, keysearch.SearchPattern{Kind: keysearch.KindFingerprint, Value: fprAlice})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []byte("alice-v2"), got[0].Data)
		assert.True(t, got[0].Disabled)
	})

	t.Run("Success - returned data is a copy", func(t *testing.T) {
		got, err := store.Lookup(ctx, keysearch.SearchPattern{Kind: keysearch.KindFingerprint, Value: fprBob})
		require.NoError(t, err)
		got[0].Data[0] = 'X'

		again, err := store.Lookup(ctx, keysearch.SearchPattern{Kind: keysearch.KindFingerprint, Value: fprBob})
		require.NoError(t, err)
		assert.Equal(t, []byte("bob-block"), again[0].Data)
	})
}
