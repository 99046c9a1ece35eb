// Package version parses and compares "major.minor.micro<patch>" version
// strings as advertised by keyserver banners.
package version

import (
	"errors"
	"strings"
)

var ErrInvalid = errors.New("invalid version string")

// Version is a parsed version string. Patch is whatever follows the micro
// number, e.g. "-beta2" in "2.1.0-beta2".
type Version struct {
	Major, Minor, Micro int
	Patch               string
}

// Parse splits s into its numeric components and patch level.
// Leading zeros are rejected.
func Parse(s string) (Version, error) {
	var v Version
	var ok bool
	if v.Major, s, ok = number(s); !ok || !strings.HasPrefix(s, ".") {
		return Version{}, ErrInvalid
	}
	if v.Minor, s, ok = number(s[1:]); !ok || !strings.HasPrefix(s, ".") {
		return Version{}, ErrInvalid
	}
	if v.Micro, s, ok = number(s[1:]); !ok {
		return Version{}, ErrInvalid
	}
	v.Patch = s
	return v, nil
}

func number(s string) (int, string, bool) {
	if len(s) > 1 && s[0] == '0' && isDigit(s[1]) {
		return 0, s, false
	}
	val := 0
	i := 0
	for ; i < len(s) && isDigit(s[i]); i++ {
		val = val*10 + int(s[i]-'0')
		if val < 0 {
			return 0, s, false
		}
	}
	return val, s[i:], true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// AtLeast reports whether remote is the same as or newer than required.
// Numeric parts compare numerically, the patch level lexically.
// An unparsable version on either side yields false.
func AtLeast(remote, required string) bool {
	a, err := Parse(remote)
	if err != nil {
		return false
	}
	b, err := Parse(required)
	if err != nil {
		return false
	}
	switch {
	case a.Major != b.Major:
		return a.Major > b.Major
	case a.Minor != b.Minor:
		return a.Minor > b.Minor
	case a.Micro != b.Micro:
		return a.Micro > b.Micro
	}
	return a.Patch >= b.Patch
}

// FromBanner extracts the version of the first "Product/version" token of
// a server banner such as "sks_www/1.1.6" or "Hockeypuck/2.1.0 (linux)".
// Matching on product is case-insensitive; an empty product matches any.
func FromBanner(banner, product string) (string, bool) {
	for _, token := range strings.Fields(banner) {
		name, ver, found := strings.Cut(token, "/")
		if !found || ver == "" {
			continue
		}
		if product == "" || strings.EqualFold(name, product) {
			return ver, true
		}
	}
	return "", false
}
