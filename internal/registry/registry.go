// Package registry holds the configured keyserver endpoints.
package registry

import (
	"fmt"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// Registry is a read-only snapshot of the configured endpoints.
type Registry struct {
	endpoints []keysearch.Endpoint
	byName    map[string]int
}

// New validates the endpoints and builds the registry.
// Duplicate names and unknown protocols are rejected.
func New(endpoints []keysearch.Endpoint) (*Registry, error) {
	r := &Registry{
		endpoints: make([]keysearch.Endpoint, 0, len(endpoints)),
		byName:    make(map[string]int, len(endpoints)),
	}
	for _, ep := range endpoints {
		if ep.Name == "" {
			return nil, fmt.Errorf("endpoint %s: name is required", ep.Address())
		}
		if _, exists := r.byName[ep.Name]; exists {
			return nil, fmt.Errorf("endpoint %q already registered", ep.Name)
		}
		if !ep.Protocol.Valid() {
			return nil, fmt.Errorf("endpoint %q: unsupported protocol %q", ep.Name, ep.Protocol)
		}
		if ep.Protocol != keysearch.ProtocolLocalMirror && ep.Host == "" {
			return nil, fmt.Errorf("endpoint %q: host is required", ep.Name)
		}
		if ep.Timeout <= 0 {
			return nil, fmt.Errorf("endpoint %q: timeout must be positive", ep.Name)
		}
		r.byName[ep.Name] = len(r.endpoints)
		r.endpoints = append(r.endpoints, ep)
	}
	return r, nil
}

// ActiveEndpoints returns the enabled endpoints in declaration order.
func (r *Registry) ActiveEndpoints() ([]keysearch.Endpoint, error) {
	var active []keysearch.Endpoint
	for _, ep := range r.endpoints {
		if ep.Enabled {
			active = append(active, ep)
		}
	}
	if len(active) == 0 {
		return nil, keysearch.ErrNoBackendConfigured
	}
	return active, nil
}
