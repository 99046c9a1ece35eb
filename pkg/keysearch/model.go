// Package keysearch contains the public domain models, interfaces, and
// status codes for the key search service. It defines the public contract.
package keysearch

import (
	"fmt"
	"time"
)

// PatternKind classifies a normalized search term.
type PatternKind int

const (
	KindUserIDSubstring PatternKind = iota
	KindKeyID
	KindFingerprint
	KindWildcard
)

func (k PatternKind) String() string {
	switch k {
	case KindKeyID:
		return "keyid"
	case KindFingerprint:
		return "fingerprint"
	case KindWildcard:
		return "wildcard"
	default:
		return "substring"
	}
}

// SearchPattern is the canonical form of one query term.
// For KindKeyID and KindFingerprint, Value holds uppercase hex only.
type SearchPattern struct {
	Kind  PatternKind
	Value string
	// Raw is the term as the caller supplied it.
	Raw string
}

// IsHex reports whether the pattern identifies a key by hex id.
func (p SearchPattern) IsHex() bool {
	return p.Kind == KindKeyID || p.Kind == KindFingerprint
}

func (p SearchPattern) String() string {
	if p.IsHex() {
		return "0x" + p.Value
	}
	return p.Value
}

// Protocol is the closed set of backend protocol variants.
type Protocol string

const (
	ProtocolHKP         Protocol = "hkp"
	ProtocolHKPS        Protocol = "hkps"
	ProtocolLDAP        Protocol = "ldap"
	ProtocolLocalMirror Protocol = "mirror"
)

// Valid reports whether p is one of the known protocol variants.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHKP, ProtocolHKPS, ProtocolLDAP, ProtocolLocalMirror:
		return true
	}
	return false
}

// Endpoint is one configured key-retrieval backend.
type Endpoint struct {
	Name     string
	Protocol Protocol
	Host     string
	Port     int
	TLS      bool
	Timeout  time.Duration
	Enabled  bool
	// Proxy is an optional http, https or socks5 proxy URL.
	Proxy string

	// LDAP only.
	BaseDN       string
	BindDN       string
	BindPassword string

	// RateLimit is the request rate allowed per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// SearchRequest is created once per search and consumed by the dispatcher.
type SearchRequest struct {
	ID        string
	Patterns  []SearchPattern
	Endpoints []Endpoint
}

// UserID is one user-id packet of a key together with its self-signature data.
type UserID struct {
	Text    string
	Created int64
	Revoked bool
	Expired bool
}

// UserAttribute is a user attribute packet (usually a photo id).
type UserAttribute struct {
	// ID is "<count> <total length>" of the attribute subpackets.
	ID      string
	Created int64
	Revoked bool
}

// KeyRecord is the canonical representation of one key returned by a backend.
type KeyRecord struct {
	// Fingerprint is uppercase hex. Backends that only know the long key id
	// report it here; it is still the dedup key.
	Fingerprint string
	KeyID       string
	Algorithm   int
	KeyLength   int
	Created     int64
	Expires     int64
	Revoked     bool
	Disabled    bool
	Expired     bool
	UserIDs     []UserID
	Attributes  []UserAttribute
	// Source is the name of the endpoint that produced the record.
	Source string
}

// KeyIDFromFingerprint returns the long key id for a canonical fingerprint.
// v4 and v3 keys use the last 8 bytes, v5 keys the first 8 bytes.
func KeyIDFromFingerprint(fpr string) string {
	switch {
	case len(fpr) == 64:
		return fpr[:16]
	case len(fpr) > 16:
		return fpr[len(fpr)-16:]
	default:
		return fpr
	}
}

// OutcomeStatus is the per-backend result of one search call.
type OutcomeStatus int

const (
	OutcomeSuccess OutcomeStatus = iota
	OutcomeTimeout
	OutcomeNetworkError
	OutcomeProtocolError
	OutcomeParseError
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeProtocolError:
		return "protocol_error"
	case OutcomeParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// BackendOutcome is produced by the dispatcher for every completed backend call.
type BackendOutcome struct {
	Endpoint Endpoint
	Status   OutcomeStatus
	Detail   string
	Elapsed  time.Duration
	Records  []KeyRecord
	// Skipped counts malformed entries dropped while parsing the response.
	Skipped int
}

// Warning records a backend that did not contribute to the result.
type Warning struct {
	Endpoint string
	Status   OutcomeStatus
	Detail   string
}

// Report summarizes a finished search.
type Report struct {
	SearchID   string
	Status     Status
	Records    int
	Skipped    int
	Duplicates int
	Warnings   []Warning
}
