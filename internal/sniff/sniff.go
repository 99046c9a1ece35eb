// Package sniff detects compressed keyring dumps by their magic bytes and
// opens them transparently.
package sniff

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// Format is a detected container format.
type Format int

const (
	FormatNone Format = iota
	FormatBzip2
	FormatGzip
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatBzip2:
		return "bzip2"
	case FormatGzip:
		return "gzip"
	case FormatZip:
		return "zip"
	default:
		return "none"
	}
}

var magics = []struct {
	format Format
	magic  []byte
}{
	{FormatBzip2, []byte{0x42, 0x5a, 0x68}},
	{FormatGzip, []byte{0x1f, 0x8b, 0x08}},
	{FormatZip, []byte{0x50, 0x4b, 0x03, 0x04}},
}

// Detect inspects the first bytes of a file. Inputs shorter than four
// bytes are never reported as compressed.
func Detect(head []byte) Format {
	if len(head) < 4 {
		return FormatNone
	}
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.format
		}
	}
	return FormatNone
}

// IsCompressed reports whether head starts with a known compression magic.
func IsCompressed(head []byte) bool {
	return Detect(head) != FormatNone
}

// Open returns a reader over the decompressed content of r. Zip archives
// are read fully and their members concatenated in archive order.
func Open(r io.Reader) (io.Reader, Format, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, FormatNone, fmt.Errorf("failed to read header: %w", err)
	}

	format := Detect(head)
	switch format {
	case FormatBzip2:
		return bzip2.NewReader(br), format, nil
	case FormatGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, format, nil
	case FormatZip:
		data, err := io.ReadAll(br)
		if err != nil {
			return nil, format, fmt.Errorf("failed to read zip archive: %w", err)
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, format, fmt.Errorf("failed to open zip archive: %w", err)
		}
		var readers []io.Reader
		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return nil, format, fmt.Errorf("failed to open zip member %s: %w", f.Name, err)
			}
			member, err := io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				return nil, format, fmt.Errorf("failed to read zip member %s: %w", f.Name, err)
			}
			readers = append(readers, bytes.NewReader(member))
		}
		return io.MultiReader(readers...), format, nil
	default:
		return br, FormatNone, nil
	}
}
