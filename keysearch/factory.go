package keysearch

import (
	"errors"
	"log/slog"

	"github.com/tinywideclouds/go-keysearch/internal/adapter"
	"github.com/tinywideclouds/go-keysearch/internal/adapter/hkp"
	"github.com/tinywideclouds/go-keysearch/internal/adapter/ldap"
	"github.com/tinywideclouds/go-keysearch/internal/adapter/mirror"
	"github.com/tinywideclouds/go-keysearch/internal/fault"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// ErrNoMirrorStore is returned when a mirror endpoint is configured but no
// store was supplied.
var ErrNoMirrorStore = errors.New("mirror endpoint configured without a mirror store")

// BackendDeps are the shared collaborators of the protocol adapters.
type BackendDeps struct {
	Mirror           keysearch.MirrorStore
	Fault            *fault.Reporter
	MaxResponseBytes int64
}

// NewFactory returns the adapter factory serving every protocol variant.
func NewFactory(deps BackendDeps, logger *slog.Logger) *adapter.Factory {
	return &adapter.Factory{
		HKP: func(ep keysearch.Endpoint) (adapter.Backend, error) {
			c, err := hkp.New(ep, logger,
				hkp.WithMaxResponseBytes(deps.MaxResponseBytes),
				hkp.WithFaultReporter(deps.Fault))
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		LDAP: func(ep keysearch.Endpoint) (adapter.Backend, error) {
			return ldap.New(ep, logger), nil
		},
		Mirror: func(ep keysearch.Endpoint) (adapter.Backend, error) {
			if deps.Mirror == nil {
				return nil, ErrNoMirrorStore
			}
			return mirror.New(ep, deps.Mirror, logger), nil
		},
	}
}
