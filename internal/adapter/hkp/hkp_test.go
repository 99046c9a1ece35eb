package hkp_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-keysearch/internal/adapter"
	"github.com/tinywideclouds/go-keysearch/internal/adapter/hkp"
	"github.com/tinywideclouds/go-keysearch/internal/fault"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

const (
	fprAlice = "C3A5B1D2E4F60718293A4B5C6D7E8F9012345678"
	fprBob   = "0123456789ABCDEF0123456789ABCDEF01234567"
)

var now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func endpointFor(t *testing.T, srv *httptest.Server) keysearch.Endpoint {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return keysearch.Endpoint{
		Name:     "hkp-test",
		Protocol: keysearch.ProtocolHKP,
		Host:     host,
		Port:     port,
		Timeout:  time.Second,
		Enabled:  true,
	}
}

func TestParseResponse(t *testing.T) {
	t.Run("Success - full index", func(t *testing.T) {
		// Arrange
		body := "info:1:2\n" +
			"pub:" + strings.ToLower(fprAlice) + ":22:256:1709294400::\n" +
			"uid:Alice%20Example%20%3Calice@example.org%3E:1709294400::\n" +
			"uid:Alice%3Awork:1709294400::r\n" +
			"uat:1 22:1709294400::\n" +
			"pub:" + fprBob + ":1:4096:1500000000:1600000000:rd\r\n" +
			"uid:bob+tag@example.org:1500000000\r\n"

		// Act
		records, skipped, err := hkp.ParseResponse([]byte(body), now)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 0, skipped)
		require.Len(t, records, 2)

		alice := records[0]
		assert.Equal(t, fprAlice, alice.Fingerprint)
		assert.Equal(t, fprAlice[24:], alice.KeyID)
		assert.Equal(t, 22, alice.Algorithm)
		assert.Equal(t, 256, alice.KeyLength)
		assert.Equal(t, int64(1709294400), alice.Created)
		assert.Zero(t, alice.Expires)
		require.Len(t, alice.UserIDs, 2)
		assert.Equal(t, "Alice Example <alice@example.org>", alice.UserIDs[0].Text)
		assert.Equal(t, "Alice:work", alice.UserIDs[1].Text)
		assert.True(t, alice.UserIDs[1].Revoked)
		require.Len(t, alice.Attributes, 1)
		assert.Equal(t, "1 22", alice.Attributes[0].ID)

		bob := records[1]
		assert.True(t, bob.Revoked)
		assert.True(t, bob.Disabled)
		assert.True(t, bob.Expired, "expiration before now sets the flag")
		require.Len(t, bob.UserIDs, 1)
		assert.Equal(t, "bob+tag@example.org", bob.UserIDs[0].Text)
	})

	t.Run("Success - truncated record is skipped", func(t *testing.T) {
		body := "info:1:2\n" +
			"pub:" + fprAlice + ":1:2048:1500000000::\n" +
			"uid:alice@example.org:1500000000::\n" +
			"pub:ABC"

		records, skipped, err := hkp.ParseResponse([]byte(body), now)

		require.NoError(t, err)
		assert.Equal(t, 1, skipped)
		require.Len(t, records, 1)
		assert.Equal(t, fprAlice, records[0].Fingerprint)
	})

	t.Run("Success - malformed pub drops its uids", func(t *testing.T) {
		body := "pub:" + fprAlice + ":RSA:2048:1500000000::\n" +
			"uid:mallory@example.org:1500000000::\n" +
			"pub:" + fprBob + ":1:2048:1500000000::\n" +
			"uid:bob@example.org:1500000000::\n"

		records, skipped, err := hkp.ParseResponse([]byte(body), now)

		require.NoError(t, err)
		assert.Equal(t, 1, skipped)
		require.Len(t, records, 1)
		assert.Equal(t, fprBob, records[0].Fingerprint)
		require.Len(t, records[0].UserIDs, 1)
		assert.Equal(t, "bob@example.org", records[0].UserIDs[0].Text)
	})

	t.Run("Success - malformed uid and uat lines are counted", func(t *testing.T) {
		// Arrange
		body := "pub:" + fprAlice + ":1:2048:1500000000::\n" +
			"uid:alice@example.org:yesterday::\n" +
			"uid:alice@work.example.org:1500000000:never:\n" +
			"uid:alice@home.example.org:1500000000::\n" +
			"uat:1 22:-5::\n"

		// Act
		records, skipped, err := hkp.ParseResponse([]byte(body), now)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 3, skipped)
		require.Len(t, records, 1)
		require.Len(t, records[0].UserIDs, 1)
		assert.Equal(t, "alice@home.example.org", records[0].UserIDs[0].Text)
		assert.Empty(t, records[0].Attributes)
	})

	t.Run("Success - empty body", func(t *testing.T) {
		records, skipped, err := hkp.ParseResponse(nil, now)
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.Zero(t, skipped)
	})

	t.Run("Failure - unsupported index version", func(t *testing.T) {
		_, _, err := hkp.ParseResponse([]byte("info:2:1\n"), now)
		assert.Error(t, err)
	})
}

func TestBuildRequest(t *testing.T) {
	ep := keysearch.Endpoint{Name: "k", Protocol: keysearch.ProtocolHKPS, Host: "keys.example.org", Port: 443}
	fpr := keysearch.SearchPattern{Kind: keysearch.KindFingerprint, Value: fprAlice}
	sub := keysearch.SearchPattern{Kind: keysearch.KindUserIDSubstring, Value: "alice@example.org"}

	t.Run("Success - no banner yet", func(t *testing.T) {
		req, err := hkp.BuildRequest(context.Background(), ep, fpr, "")
		require.NoError(t, err)

		assert.Equal(t, "https", req.URL.Scheme)
		assert.Equal(t, "keys.example.org:443", req.URL.Host)
		assert.Equal(t, "/pks/lookup", req.URL.Path)
		q := req.URL.Query()
		assert.Equal(t, "index", q.Get("op"))
		assert.Equal(t, "mr", q.Get("options"))
		assert.Equal(t, "0x"+fprAlice, q.Get("search"))
		assert.Empty(t, q.Get("fingerprint"))
		assert.Empty(t, q.Get("exact"))
	})

	t.Run("Success - supported banner adds options", func(t *testing.T) {
		req, err := hkp.BuildRequest(context.Background(), ep, fpr, "sks_www/1.1.6")
		require.NoError(t, err)
		q := req.URL.Query()
		assert.Equal(t, "on", q.Get("fingerprint"))
		assert.Equal(t, "on", q.Get("exact"))
	})

	t.Run("Success - substring is never exact", func(t *testing.T) {
		req, err := hkp.BuildRequest(context.Background(), ep, sub, "Hockeypuck/2.2.0")
		require.NoError(t, err)
		q := req.URL.Query()
		assert.Equal(t, "alice@example.org", q.Get("search"))
		assert.Equal(t, "on", q.Get("fingerprint"))
		assert.Empty(t, q.Get("exact"))
	})

	t.Run("Success - old release gets no options", func(t *testing.T) {
		req, err := hkp.BuildRequest(context.Background(), ep, fpr, "sks_www/1.1.5")
		require.NoError(t, err)
		assert.Empty(t, req.URL.Query().Get("fingerprint"))
	})
}

func TestClientSearch(t *testing.T) {
	pattern := []keysearch.SearchPattern{{Kind: keysearch.KindUserIDSubstring, Value: "alice"}}

	t.Run("Success - records carry the endpoint name", func(t *testing.T) {
		// Arrange
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/pks/lookup", r.URL.Path)
			_, _ = io.WriteString(w, "info:1:1\npub:"+fprAlice+":1:2048:1500000000::\nuid:alice:1500000000::\n")
		}))
		defer srv.Close()
		client, err := hkp.New(endpointFor(t, srv), newTestLogger())
		require.NoError(t, err)

		// Act
		result, err := client.Search(context.Background(), pattern)

		// Assert
		require.NoError(t, err)
		require.Len(t, result.Records, 1)
		assert.Equal(t, "hkp-test", result.Records[0].Source)
	})

	t.Run("Success - not found is zero records", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "No keys found", http.StatusNotFound)
		}))
		defer srv.Close()
		client, err := hkp.New(endpointFor(t, srv), newTestLogger())
		require.NoError(t, err)

		result, err := client.Search(context.Background(), pattern)

		require.NoError(t, err)
		assert.Empty(t, result.Records)
	})

	t.Run("Success - banner enables options on later lookups", func(t *testing.T) {
		var mu sync.Mutex
		var queries []url.Values
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			queries = append(queries, r.URL.Query())
			mu.Unlock()
			w.Header().Set("Server", "sks_www/1.1.6")
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()
		client, err := hkp.New(endpointFor(t, srv), newTestLogger())
		require.NoError(t, err)
		keyID := []keysearch.SearchPattern{{Kind: keysearch.KindKeyID, Value: "12345678"}}

		_, err = client.Search(context.Background(), keyID)
		require.NoError(t, err)
		_, err = client.Search(context.Background(), keyID)
		require.NoError(t, err)

		assert.Equal(t, "sks_www/1.1.6", client.Banner())
		require.Len(t, queries, 2)
		assert.Empty(t, queries[0].Get("exact"))
		assert.Equal(t, "on", queries[1].Get("exact"))
	})

	t.Run("Failure - server error is a protocol error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()
		client, err := hkp.New(endpointFor(t, srv), newTestLogger())
		require.NoError(t, err)

		_, err = client.Search(context.Background(), pattern)

		assert.Equal(t, keysearch.OutcomeProtocolError, adapter.StatusOf(err))
	})

	t.Run("Failure - oversized body is reported", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, strings.Repeat("x", 2048))
		}))
		defer srv.Close()
		reporter := fault.NewReporter(fault.PolicyReturn, newTestLogger())
		client, err := hkp.New(endpointFor(t, srv), newTestLogger(),
			hkp.WithMaxResponseBytes(1024), hkp.WithFaultReporter(reporter))
		require.NoError(t, err)

		_, err = client.Search(context.Background(), pattern)

		assert.Equal(t, keysearch.OutcomeProtocolError, adapter.StatusOf(err))
		assert.ErrorIs(t, err, hkp.ErrResponseTooLarge)
		assert.ErrorIs(t, err, fault.ErrOutOfMemory)
		assert.True(t, reporter.Reported())
	})

	t.Run("Failure - deadline is a timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)
		client, err := hkp.New(endpointFor(t, srv), newTestLogger())
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err = client.Search(ctx, pattern)

		assert.Equal(t, keysearch.OutcomeTimeout, adapter.StatusOf(err))
	})

	t.Run("Failure - connection refused is a network error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		ep := endpointFor(t, srv)
		srv.Close()
		client, err := hkp.New(ep, newTestLogger())
		require.NoError(t, err)

		_, err = client.Search(context.Background(), pattern)

		var ae *adapter.Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, keysearch.OutcomeNetworkError, ae.Status)
		assert.Equal(t, "hkp-test", ae.Endpoint)
	})
}

func TestNewProxy(t *testing.T) {
	ep := keysearch.Endpoint{Name: "k", Protocol: keysearch.ProtocolHKP, Host: "keys.example.org", Port: 11371, Timeout: time.Second}

	for _, proxyURL := range []string{"http://proxy:3128", "socks5://127.0.0.1:9050"} {
		ep.Proxy = proxyURL
		_, err := hkp.New(ep, newTestLogger())
		assert.NoError(t, err, proxyURL)
	}

	ep.Proxy = "gopher://proxy"
	_, err := hkp.New(ep, newTestLogger())
	assert.Error(t, err)
}
