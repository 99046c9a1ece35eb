package keysearch_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

func TestKeyblockMatches(t *testing.T) {
	kb := keysearch.Keyblock{
		Fingerprint: "0123456789ABCDEF0123456789ABCDEF01234567",
		KeyID:       "89ABCDEF01234567",
		UserIDs:     []string{"Alice Example <alice@example.org>"},
	}

	testCases := []struct {
		name    string
		pattern keysearch.SearchPattern
		want    bool
	}{
		{"fingerprint", keysearch.SearchPattern{Kind: keysearch.KindFingerprint, Value: kb.Fingerprint}, true},
		{"other fingerprint", keysearch.SearchPattern{Kind: keysearch.KindFingerprint, Value: "FFFF456789ABCDEF0123456789ABCDEF01234567"}, false},
		{"long key id", keysearch.SearchPattern{Kind: keysearch.KindKeyID, Value: "89ABCDEF01234567"}, true},
		{"short key id", keysearch.SearchPattern{Kind: keysearch.KindKeyID, Value: "01234567"}, true},
		{"wrong short key id", keysearch.SearchPattern{Kind: keysearch.KindKeyID, Value: "89ABCDEF"}, false},
		{"substring case insensitive", keysearch.SearchPattern{Kind: keysearch.KindUserIDSubstring, Value: "ALICE@example"}, true},
		{"substring miss", keysearch.SearchPattern{Kind: keysearch.KindUserIDSubstring, Value: "bob"}, false},
		{"wildcard", keysearch.SearchPattern{Kind: keysearch.KindWildcard, Value: "*"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, kb.Matches(tc.pattern))
		})
	}
}

func TestKeyIDFromFingerprint(t *testing.T) {
	assert.Equal(t, "89ABCDEF01234567", keysearch.KeyIDFromFingerprint("0123456789ABCDEF0123456789ABCDEF01234567"))
	assert.Equal(t, "0011223344556677", keysearch.KeyIDFromFingerprint("00112233445566778899AABBCCDDEEFF00112233445566778899AABBCCDDEEFF"))
	assert.Equal(t, "89ABCDEF", keysearch.KeyIDFromFingerprint("89ABCDEF"))
}

func TestStatusOf(t *testing.T) {
	t.Run("Success - nil error", func(t *testing.T) {
		assert.Equal(t, keysearch.StatusSuccess, keysearch.StatusOf(nil))
	})

	t.Run("Success - search error carries status", func(t *testing.T) {
		err := keysearch.NewSearchError(keysearch.StatusInvalidPattern, errors.New(`pattern ""`))
		wrapped := fmt.Errorf("search: %w", err)

		assert.Equal(t, keysearch.StatusInvalidPattern, keysearch.StatusOf(wrapped))
		assert.ErrorIs(t, wrapped, keysearch.ErrInvalidPattern)
		assert.Contains(t, wrapped.Error(), `pattern ""`)
	})

	t.Run("Success - bare sentinel", func(t *testing.T) {
		assert.Equal(t, keysearch.StatusNotFound, keysearch.StatusOf(keysearch.ErrNotFound))
	})

	t.Run("Success - cancellation keeps sentinel", func(t *testing.T) {
		err := keysearch.NewSearchError(keysearch.StatusCancelled, context.Canceled)
		assert.ErrorIs(t, err, keysearch.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	sentinels := map[keysearch.Status]error{
		keysearch.StatusNotFound:            keysearch.ErrNotFound,
		keysearch.StatusNoBackendConfigured: keysearch.ErrNoBackendConfigured,
		keysearch.StatusNoBackendAvailable:  keysearch.ErrNoBackendAvailable,
		keysearch.StatusInvalidPattern:      keysearch.ErrInvalidPattern,
		keysearch.StatusCancelled:           keysearch.ErrCancelled,
	}
	for status, sentinel := range sentinels {
		t.Run("Success - "+status.String()+" wraps its sentinel", func(t *testing.T) {
			err := keysearch.NewSearchError(status, nil)

			assert.ErrorIs(t, err, sentinel)
			assert.Equal(t, status, keysearch.StatusOf(sentinel))
		})
	}
}

func TestStatusExitCodes(t *testing.T) {
	assert.Equal(t, 0, keysearch.StatusSuccess.ExitCode())
	assert.NotEqual(t, 0, keysearch.StatusPartialSuccess.ExitCode())
	assert.NotEqual(t, keysearch.StatusNotFound.ExitCode(), keysearch.StatusNoBackendAvailable.ExitCode())
	assert.Equal(t, "no_backend_configured", keysearch.StatusNoBackendConfigured.String())
}
