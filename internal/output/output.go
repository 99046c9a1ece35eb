// Package output renders key records in the colon-delimited record format
// and writes them to the caller's sink as they are produced.
package output

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-keysearch/internal/sanitize"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// ErrSinkFailed wraps the first error returned by the sink.
var ErrSinkFailed = errors.New("output sink failed")

// Writer streams records. It is not safe for concurrent use; the merge
// consumer is its only caller.
type Writer struct {
	w       io.Writer
	buf     bytes.Buffer
	err     error
	records int
}

// NewWriter wraps w. If w implements http.Flusher it is flushed after
// every record.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteRecord renders one pub line with its uid and uat lines and writes the
// group with a single Write. After a failure every call returns that error.
func (w *Writer) WriteRecord(rec keysearch.KeyRecord) error {
	if w.err != nil {
		return w.err
	}
	w.buf.Reset()
	Render(&w.buf, rec)
	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		w.err = fmt.Errorf("%w: %w", ErrSinkFailed, err)
		return w.err
	}
	if f, ok := w.w.(http.Flusher); ok {
		f.Flush()
	}
	w.records++
	return nil
}

// Records returns the number of records written.
func (w *Writer) Records() int {
	return w.records
}

// Err returns the sticky sink error, if any.
func (w *Writer) Err() error {
	return w.err
}

// Render appends the lines of rec to buf.
func Render(buf *bytes.Buffer, rec keysearch.KeyRecord) {
	buf.WriteString("pub:")
	buf.WriteString(sanitize.String(rec.Fingerprint, ":"))
	buf.WriteByte(':')
	writeInt(buf, int64(rec.Algorithm))
	buf.WriteByte(':')
	writeInt(buf, int64(rec.KeyLength))
	buf.WriteByte(':')
	writeInt(buf, rec.Created)
	buf.WriteByte(':')
	writeInt(buf, rec.Expires)
	buf.WriteByte(':')
	writeFlags(buf, rec.Revoked, rec.Disabled, rec.Expired)
	buf.WriteByte('\n')

	for _, uid := range rec.UserIDs {
		buf.WriteString("uid:")
		writeFlags(buf, uid.Revoked, false, uid.Expired)
		buf.WriteByte(':')
		writeInt(buf, uid.Created)
		buf.WriteByte(':')
		buf.WriteString(sanitize.String(uid.Text, ":"))
		buf.WriteByte('\n')
	}
	for _, uat := range rec.Attributes {
		buf.WriteString("uat:")
		writeFlags(buf, uat.Revoked, false, false)
		buf.WriteByte(':')
		writeInt(buf, uat.Created)
		buf.WriteByte(':')
		buf.WriteString(sanitize.String(uat.ID, ":"))
		buf.WriteByte('\n')
	}
}

// writeInt leaves zero values empty.
func writeInt(buf *bytes.Buffer, n int64) {
	if n != 0 {
		buf.WriteString(strconv.FormatInt(n, 10))
	}
}

func writeFlags(buf *bytes.Buffer, revoked, disabled, expired bool) {
	if revoked {
		buf.WriteByte('r')
	}
	if disabled {
		buf.WriteByte('d')
	}
	if expired {
		buf.WriteByte('e')
	}
}
