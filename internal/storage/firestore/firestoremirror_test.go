//go:build integration

package firestore_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	fsAdapter "github.com/tinywideclouds/go-keysearch/internal/storage/firestore"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// newTestLogger creates a discard logger for tests.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupSuite connects to the Firestore emulator named by
// FIRESTORE_EMULATOR_HOST and returns a store on a fresh collection.
func setupSuite(t *testing.T) (context.Context, *fsAdapter.Store) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	const projectID = "test-project-keysearch"
	fsClient, err := firestore.NewClient(context.Background(), projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsClient.Close() })

	collection := "keyblocks-" + time.Now().Format("150405.000000")
	return ctx, fsAdapter.NewFirestoreStore(fsClient, collection, newTestLogger())
}

func TestFirestoreStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)

	// Arrange
	alice := keysearch.Keyblock{
		Fingerprint: "C3A5B1D2E4F60718293A4B5C6D7E8F9012345678",
		KeyID:       "6D7E8F9012345678",
		UserIDs:     []string{"Alice <alice@example.org>"},
		Data:        []byte{0x99, 0x00, 0x01},
	}
	bob := keysearch.Keyblock{
		Fingerprint: "0011223344556677889900AABBCCDDEEFF001122",
		KeyID:       "EEFF001122AABBCC",
		UserIDs:     []string{"Bob <bob@example.org>"},
		Disabled:    true,
		Data:        []byte{0x99, 0x00, 0x02},
	}
	require.NoError(t, store.StoreKeyblock(ctx, alice))
	require.NoError(t, store.StoreKeyblock(ctx, bob))

	t.Run("Success - fingerprint", func(t *testing.T) {
		got, err := store.Lookup(ctx, keysearch.SearchPattern{Kind: keysearch.KindFingerprint, Value: alice.Fingerprint})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, alice, got[0])
	})

	t.Run("Success - short key id", func(t *testing.T) {
		got, err := store.Lookup(ctx, keysearch.SearchPattern{Kind: keysearch.KindKeyID, Value: "12345678"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, alice.Fingerprint, got[0].Fingerprint)
	})

	t.Run("Success - substring and wildcard", func(t *testing.T) {
		got, err := store.Lookup(ctx, keysearch.SearchPattern{Kind: keysearch.KindUserIDSubstring, Value: "BOB@"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Disabled)

		all, err := store.Lookup(ctx, keysearch.SearchPattern{Kind: keysearch.KindWildcard})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, bob.Fingerprint, all[0].Fingerprint)
	})

	t.Run("Failure - unknown fingerprint is empty", func(t *testing.T) {
		got, err := store.Lookup(ctx, keysearch.SearchPattern{Kind: keysearch.KindFingerprint, Value: "FFFF"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
