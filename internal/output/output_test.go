package output_test

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-keysearch/internal/output"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

const fprAlice = "C3A5B1D2E4F60718293A4B5C6D7E8F9012345678"

// countingWriter records every Write call and fails after limit calls.
type countingWriter struct {
	bytes.Buffer
	calls int
	limit int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.limit > 0 && w.calls > w.limit {
		return 0, errors.New("broken pipe")
	}
	return w.Buffer.Write(p)
}

func TestWriteRecord(t *testing.T) {
	rec := keysearch.KeyRecord{
		Fingerprint: fprAlice,
		Algorithm:   22,
		KeyLength:   256,
		Created:     1709294400,
		Expired:     true,
		Revoked:     true,
		UserIDs: []keysearch.UserID{
			{Text: "Alice <alice@example.org>", Created: 1709294400},
			{Text: "evil:\nline", Revoked: true},
		},
		Attributes: []keysearch.UserAttribute{{ID: "1 22", Created: 1709294400}},
	}

	t.Run("Success - renders one group in a single write", func(t *testing.T) {
		// Arrange
		sink := &countingWriter{}
		w := output.NewWriter(sink)

		// Act
		err := w.WriteRecord(rec)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 1, sink.calls)
		assert.Equal(t, 1, w.Records())
		want := "pub:" + fprAlice + ":22:256:1709294400::re\n" +
			"uid::1709294400:Alice <alice@example.org>\n" +
			"uid:r::evil\\x3a\\nline\n" +
			"uat::1709294400:1 22\n"
		assert.Equal(t, want, sink.String())
	})

	t.Run("Success - zero values render empty", func(t *testing.T) {
		var buf bytes.Buffer
		output.Render(&buf, keysearch.KeyRecord{Fingerprint: "ABCDEF0123456789", Disabled: true})
		assert.Equal(t, "pub:ABCDEF0123456789:::::d\n", buf.String())
	})

	t.Run("Success - flushes http sinks", func(t *testing.T) {
		rr := httptest.NewRecorder()
		w := output.NewWriter(rr)

		require.NoError(t, w.WriteRecord(rec))

		assert.True(t, rr.Flushed)
	})

	t.Run("Failure - sink error is sticky", func(t *testing.T) {
		// Arrange
		sink := &countingWriter{limit: 1}
		w := output.NewWriter(sink)
		require.NoError(t, w.WriteRecord(rec))

		// Act
		err1 := w.WriteRecord(rec)
		err2 := w.WriteRecord(rec)

		// Assert
		assert.ErrorIs(t, err1, output.ErrSinkFailed)
		assert.Equal(t, err1, err2)
		assert.Equal(t, 2, sink.calls, "no write is attempted after a failure")
		assert.Equal(t, 1, w.Records())
		assert.Equal(t, err1, w.Err())
	})
}
