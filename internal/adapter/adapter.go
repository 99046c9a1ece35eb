// Package adapter defines the contract every keyserver protocol adapter
// satisfies and the failure taxonomy they report with.
package adapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// Backend runs one search against one endpoint. Records keep the order in
// which the backend returned them.
type Backend interface {
	Search(ctx context.Context, patterns []keysearch.SearchPattern) (Result, error)
}

// BackendFunc lets a plain function act as a Backend.
type BackendFunc func(ctx context.Context, patterns []keysearch.SearchPattern) (Result, error)

func (f BackendFunc) Search(ctx context.Context, patterns []keysearch.SearchPattern) (Result, error) {
	return f(ctx, patterns)
}

// Result is what a backend returned. Skipped counts malformed entries that
// were dropped while parsing.
type Result struct {
	Records []keysearch.KeyRecord
	Skipped int
}

// Error is a backend failure normalized to an outcome status.
type Error struct {
	Status   keysearch.OutcomeStatus
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("endpoint %s [%s]: %v", e.Endpoint, e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a normalized backend error.
func NewError(status keysearch.OutcomeStatus, endpoint string, err error) *Error {
	return &Error{Status: status, Endpoint: endpoint, Err: err}
}

// ProtocolError reports an application-level error returned by the backend.
func ProtocolError(endpoint string, err error) *Error {
	return NewError(keysearch.OutcomeProtocolError, endpoint, err)
}

// ParseError reports a response that could not be parsed at all.
func ParseError(endpoint string, err error) *Error {
	return NewError(keysearch.OutcomeParseError, endpoint, err)
}

// Classify maps err to a backend error. Errors that are already classified
// are returned unchanged.
func Classify(endpoint string, err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return NewError(StatusOf(err), endpoint, err)
}

// StatusOf returns the outcome status err belongs to.
func StatusOf(err error) keysearch.OutcomeStatus {
	if err == nil {
		return keysearch.OutcomeSuccess
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return keysearch.OutcomeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return keysearch.OutcomeTimeout
	}
	if isNetworkError(err) {
		return keysearch.OutcomeNetworkError
	}
	return keysearch.OutcomeProtocolError
}

func isNetworkError(err error) bool {
	var (
		opErr       *net.OpError
		dnsErr      *net.DNSError
		addrErr     *net.AddrError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		verifyErr   *tls.CertificateVerificationError
		authorityEr x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr), errors.As(err, &addrErr):
		return true
	case errors.As(err, &recordErr), errors.As(err, &alertErr), errors.As(err, &verifyErr):
		return true
	case errors.As(err, &authorityEr), errors.As(err, &hostnameErr), errors.As(err, &invalidErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	}
	return false
}

// ErrUnsupportedProtocol is returned when no adapter serves an endpoint.
var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// Builder creates the backend for one endpoint.
type Builder func(ep keysearch.Endpoint) (Backend, error)

// Factory selects the adapter for an endpoint by its protocol and caches the
// built backend under the endpoint name. HKP serves both hkp and hkps.
type Factory struct {
	HKP    Builder
	LDAP   Builder
	Mirror Builder

	mu       sync.Mutex
	backends map[string]Backend
}

// Backend returns the cached backend for ep, building it on first use.
func (f *Factory) Backend(ep keysearch.Endpoint) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.backends[ep.Name]; ok {
		return b, nil
	}

	var build Builder
	switch ep.Protocol {
	case keysearch.ProtocolHKP, keysearch.ProtocolHKPS:
		build = f.HKP
	case keysearch.ProtocolLDAP:
		build = f.LDAP
	case keysearch.ProtocolLocalMirror:
		build = f.Mirror
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, ep.Protocol)
	}
	if build == nil {
		return nil, fmt.Errorf("%w: no adapter configured for %q", ErrUnsupportedProtocol, ep.Protocol)
	}

	b, err := build(ep)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend %q: %w", ep.Protocol, ep.Name, err)
	}
	if f.backends == nil {
		f.backends = make(map[string]Backend)
	}
	f.backends[ep.Name] = b
	return b, nil
}
