package adapter_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-keysearch/internal/adapter"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	testCases := []struct {
		name string
		err  error
		want keysearch.OutcomeStatus
	}{
		{"deadline exceeded", context.DeadlineExceeded, keysearch.OutcomeTimeout},
		{"wrapped deadline", fmt.Errorf("lookup: %w", context.DeadlineExceeded), keysearch.OutcomeTimeout},
		{"net timeout", &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, keysearch.OutcomeTimeout},
		{"connection refused", &url.Error{Op: "Get", URL: "http://x", Err: refused}, keysearch.OutcomeNetworkError},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "keys.invalid"}, keysearch.OutcomeNetworkError},
		{"anything else", errors.New("server said no"), keysearch.OutcomeProtocolError},
		{"already classified", adapter.ParseError("a", errors.New("garbage")), keysearch.OutcomeParseError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := adapter.Classify("hkp-1", tc.err)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Status)
			assert.ErrorIs(t, got, tc.err)
		})
	}

	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, adapter.Classify("hkp-1", nil))
		assert.Equal(t, keysearch.OutcomeSuccess, adapter.StatusOf(nil))
	})
}

func TestFactory(t *testing.T) {
	hkpEP := keysearch.Endpoint{Name: "hkp-1", Protocol: keysearch.ProtocolHKPS}
	ldapEP := keysearch.Endpoint{Name: "ldap-1", Protocol: keysearch.ProtocolLDAP}
	empty := adapter.BackendFunc(func(context.Context, []keysearch.SearchPattern) (adapter.Result, error) {
		return adapter.Result{}, nil
	})

	t.Run("Success - builds once per endpoint", func(t *testing.T) {
		// Arrange
		builds := 0
		f := &adapter.Factory{HKP: func(ep keysearch.Endpoint) (adapter.Backend, error) {
			builds++
			return empty, nil
		}}

		// Act
		first, err1 := f.Backend(hkpEP)
		second, err2 := f.Backend(hkpEP)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.NotNil(t, first)
		assert.NotNil(t, second)
		assert.Equal(t, 1, builds)
	})

	t.Run("Failure - no builder for protocol", func(t *testing.T) {
		f := &adapter.Factory{}
		_, err := f.Backend(ldapEP)
		assert.ErrorIs(t, err, adapter.ErrUnsupportedProtocol)
	})

	t.Run("Failure - unknown protocol", func(t *testing.T) {
		f := &adapter.Factory{}
		_, err := f.Backend(keysearch.Endpoint{Name: "x", Protocol: "finger"})
		assert.ErrorIs(t, err, adapter.ErrUnsupportedProtocol)
	})

	t.Run("Failure - builder error is not cached", func(t *testing.T) {
		calls := 0
		f := &adapter.Factory{LDAP: func(ep keysearch.Endpoint) (adapter.Backend, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("bad bind dn")
			}
			return empty, nil
		}}

		_, err := f.Backend(ldapEP)
		require.Error(t, err)
		_, err = f.Backend(ldapEP)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})
}
