// Package pattern validates and canonicalizes raw search terms.
package pattern

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// Error describes why a raw pattern was rejected.
type Error struct {
	Index  int
	Raw    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pattern %d (%q): %s", e.Index, e.Raw, e.Reason)
}

func (e *Error) Unwrap() error {
	return keysearch.ErrInvalidPattern
}

// Normalize classifies and canonicalizes one raw search term.
func Normalize(raw string) (keysearch.SearchPattern, error) {
	return normalize(0, raw)
}

// NormalizeAll normalizes every pattern, failing on the first invalid one.
// No partial result is returned on failure.
func NormalizeAll(raws []string) ([]keysearch.SearchPattern, error) {
	patterns := make([]keysearch.SearchPattern, 0, len(raws))
	for i, raw := range raws {
		p, err := normalize(i, raw)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func normalize(index int, raw string) (keysearch.SearchPattern, error) {
	invalid := func(reason string) (keysearch.SearchPattern, error) {
		return keysearch.SearchPattern{}, &Error{Index: index, Raw: raw, Reason: reason}
	}

	s := strings.TrimSpace(raw)
	if s == "" {
		return invalid("empty")
	}
	if s == "*" {
		return keysearch.SearchPattern{Kind: keysearch.KindWildcard, Value: "*", Raw: raw}, nil
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := stripSpace(s[2:])
		if digits == "" {
			return invalid("missing hex digits")
		}
		if !isHex(digits) {
			return invalid("non-hex characters in key id")
		}
		kind, ok := hexKind(len(digits))
		if !ok {
			return invalid(fmt.Sprintf("hex length %d is neither a key id nor a fingerprint", len(digits)))
		}
		return keysearch.SearchPattern{Kind: kind, Value: strings.ToUpper(digits), Raw: raw}, nil
	}

	if digits := stripSpace(s); isHex(digits) {
		if kind, ok := hexKind(len(digits)); ok {
			return keysearch.SearchPattern{Kind: kind, Value: strings.ToUpper(digits), Raw: raw}, nil
		}
	}

	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") && len(s) > 2 {
		s = s[1 : len(s)-1]
	}
	return keysearch.SearchPattern{Kind: keysearch.KindUserIDSubstring, Value: s, Raw: raw}, nil
}

func hexKind(n int) (keysearch.PatternKind, bool) {
	switch n {
	case 8, 16:
		return keysearch.KindKeyID, true
	case 32, 40, 64:
		return keysearch.KindFingerprint, true
	}
	return 0, false
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
