// Package hkp implements key searches against HKP and HKPS keyservers using
// the machine-readable index format.
package hkp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/tinywideclouds/go-keysearch/internal/adapter"
	"github.com/tinywideclouds/go-keysearch/internal/fault"
	"github.com/tinywideclouds/go-keysearch/internal/version"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// DefaultMaxResponseBytes bounds the size of one index response.
const DefaultMaxResponseBytes int64 = 8 << 20

const lookupPath = "/pks/lookup"

// optionSupport lists the first server releases that understand the
// fingerprint=on and exact=on lookup options.
var optionSupport = []struct {
	product string
	version string
}{
	{"sks_www", "1.1.6"},
	{"hockeypuck", "2.1.0"},
}

// ErrResponseTooLarge is wrapped into the protocol error for oversized bodies.
var ErrResponseTooLarge = errors.New("response exceeds size limit")

// Client searches one HKP endpoint. It remembers the Server banner of the
// last response to decide which lookup options the keyserver understands.
type Client struct {
	endpoint   keysearch.Endpoint
	httpClient *http.Client
	maxBytes   int64
	fault      *fault.Reporter
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.RWMutex
	banner string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client built from the endpoint settings.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithMaxResponseBytes overrides DefaultMaxResponseBytes.
func WithMaxResponseBytes(n int64) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.maxBytes = n
		}
	}
}

// WithFaultReporter reports oversized responses as allocation failures.
func WithFaultReporter(r *fault.Reporter) Option {
	return func(cl *Client) { cl.fault = r }
}

// WithClock replaces time.Now when computing expiry flags.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// New creates a client for ep. The endpoint proxy, if any, must be an
// http, https or socks5 URL.
func New(ep keysearch.Endpoint, logger *slog.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		endpoint: ep,
		maxBytes: DefaultMaxResponseBytes,
		now:      time.Now,
		logger:   logger.With("component", "hkp_adapter", "endpoint", ep.Name),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		transport, err := newTransport(ep)
		if err != nil {
			return nil, err
		}
		c.httpClient = &http.Client{Transport: transport}
	}
	return c, nil
}

func newTransport(ep keysearch.Endpoint) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if ep.Proxy == "" {
		return transport, nil
	}
	proxyURL, err := url.Parse(ep.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url for %q: %w", ep.Name, err)
	}
	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(proxyURL, &net.Dialer{Timeout: ep.Timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create socks dialer for %q: %w", ep.Name, err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q for %q", proxyURL.Scheme, ep.Name)
	}
	return transport, nil
}

// Banner returns the Server header of the last response.
func (c *Client) Banner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.banner
}

// Search issues one index lookup per pattern. A 404 answer means the
// keyserver has no matching keys.
func (c *Client) Search(ctx context.Context, patterns []keysearch.SearchPattern) (adapter.Result, error) {
	var result adapter.Result
	for _, p := range patterns {
		records, skipped, err := c.lookup(ctx, p)
		if err != nil {
			return result, err
		}
		result.Records = append(result.Records, records...)
		result.Skipped += skipped
	}
	return result, nil
}

func (c *Client) lookup(ctx context.Context, p keysearch.SearchPattern) ([]keysearch.KeyRecord, int, error) {
	req, err := BuildRequest(ctx, c.endpoint, p, c.Banner())
	if err != nil {
		return nil, 0, adapter.ProtocolError(c.endpoint.Name, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, adapter.Classify(c.endpoint.Name, err)
	}
	defer resp.Body.Close()

	if banner := resp.Header.Get("Server"); banner != "" {
		c.mu.Lock()
		c.banner = banner
		c.mu.Unlock()
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, 0, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, adapter.ProtocolError(c.endpoint.Name, fmt.Errorf("keyserver returned %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, 0, adapter.Classify(c.endpoint.Name, err)
	}
	if int64(len(body)) > c.maxBytes {
		err := fmt.Errorf("%w of %d bytes", ErrResponseTooLarge, c.maxBytes)
		if c.fault != nil {
			err = fmt.Errorf("%w: %w", err, c.fault.Report(uint64(c.maxBytes)+1, false))
		}
		return nil, 0, adapter.ProtocolError(c.endpoint.Name, err)
	}

	records, skipped, err := ParseResponse(body, c.now())
	if err != nil {
		return nil, 0, adapter.ParseError(c.endpoint.Name, err)
	}
	if skipped > 0 {
		c.logger.Warn("skipped malformed index entries", "pattern", p.String(), "skipped", skipped)
	}
	for i := range records {
		records[i].Source = c.endpoint.Name
	}
	return records, skipped, nil
}

// BuildRequest creates the index lookup for one pattern. Key ids and
// fingerprints are sent as 0x-prefixed hex. The fingerprint and exact options
// are only added when banner shows a keyserver release that supports them.
func BuildRequest(ctx context.Context, ep keysearch.Endpoint, p keysearch.SearchPattern, banner string) (*http.Request, error) {
	scheme := "http"
	if ep.Protocol == keysearch.ProtocolHKPS || ep.TLS {
		scheme = "https"
	}

	query := url.Values{}
	query.Set("op", "index")
	query.Set("options", "mr")
	query.Set("search", p.String())
	if supportsOptions(banner) {
		query.Set("fingerprint", "on")
		if p.IsHex() {
			query.Set("exact", "on")
		}
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
		Path:     lookupPath,
		RawQuery: query.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	return req, nil
}

func supportsOptions(banner string) bool {
	if banner == "" {
		return false
	}
	for _, opt := range optionSupport {
		if v, ok := version.FromBanner(banner, opt.product); ok && version.AtLeast(v, opt.version) {
			return true
		}
	}
	return false
}

// ParseResponse parses a machine-readable index. A pub line that cannot be
// parsed drops that key together with its uid and uat lines and counts as
// one skipped entry. A malformed uid or uat line is dropped from its key and
// counts as a skipped entry of its own. Unknown line types are ignored.
func ParseResponse(body []byte, now time.Time) ([]keysearch.KeyRecord, int, error) {
	var (
		records []keysearch.KeyRecord
		current *keysearch.KeyRecord
		skipped int
		// dropping is set while the lines of a rejected key are consumed.
		dropping bool
	)
	flush := func() {
		if current != nil {
			records = append(records, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		switch fields[0] {
		case "info":
			f := pad(fields, 3)
			if f[1] != "" && f[1] != "1" {
				return nil, 0, fmt.Errorf("unsupported index version %q", f[1])
			}
		case "pub":
			flush()
			rec, ok := parsePub(pad(fields, 7), now)
			if !ok {
				skipped++
				dropping = true
				continue
			}
			dropping = false
			current = &rec
		case "uid":
			if dropping || current == nil {
				continue
			}
			uid, ok := parseUID(pad(fields, 5), now)
			if !ok {
				skipped++
				continue
			}
			current.UserIDs = append(current.UserIDs, uid)
		case "uat":
			if dropping || current == nil {
				continue
			}
			uat, ok := parseUAT(pad(fields, 5))
			if !ok {
				skipped++
				continue
			}
			current.Attributes = append(current.Attributes, uat)
		}
	}
	flush()
	return records, skipped, nil
}

// pad extends fields with empty strings; servers may omit trailing fields.
func pad(fields []string, n int) []string {
	for len(fields) < n {
		fields = append(fields, "")
	}
	return fields
}

func parsePub(f []string, now time.Time) (keysearch.KeyRecord, bool) {
	id := strings.ToUpper(strings.Join(strings.Fields(f[1]), ""))
	switch len(id) {
	case 8, 16, 32, 40, 64:
	default:
		return keysearch.KeyRecord{}, false
	}
	if !isHex(id) {
		return keysearch.KeyRecord{}, false
	}
	algo, ok1 := optionalInt(f[2])
	keylen, ok2 := optionalInt(f[3])
	created, ok3 := optionalInt(f[4])
	expires, ok4 := optionalInt(f[5])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return keysearch.KeyRecord{}, false
	}

	rec := keysearch.KeyRecord{
		Fingerprint: id,
		KeyID:       keysearch.KeyIDFromFingerprint(id),
		Algorithm:   int(algo),
		KeyLength:   int(keylen),
		Created:     created,
		Expires:     expires,
	}
	rec.Revoked, rec.Disabled, rec.Expired = parseFlags(f[6])
	if expires != 0 && expires < now.Unix() {
		rec.Expired = true
	}
	return rec, true
}

func parseUID(f []string, now time.Time) (keysearch.UserID, bool) {
	text, err := url.PathUnescape(f[1])
	if err != nil {
		text = f[1]
	}
	created, ok1 := optionalInt(f[2])
	expires, ok2 := optionalInt(f[3])
	if !ok1 || !ok2 {
		return keysearch.UserID{}, false
	}
	uid := keysearch.UserID{Text: text, Created: created}
	uid.Revoked, _, uid.Expired = parseFlags(f[4])
	if expires != 0 && expires < now.Unix() {
		uid.Expired = true
	}
	return uid, true
}

// parseUAT reads "uat:<attribute-id>:<created>:<expires>:<flags>".
func parseUAT(f []string) (keysearch.UserAttribute, bool) {
	created, ok := optionalInt(f[2])
	if !ok {
		return keysearch.UserAttribute{}, false
	}
	uat := keysearch.UserAttribute{ID: f[1], Created: created}
	uat.Revoked, _, _ = parseFlags(f[4])
	return uat, true
}

func parseFlags(s string) (revoked, disabled, expired bool) {
	for _, c := range s {
		switch c {
		case 'r':
			revoked = true
		case 'd':
			disabled = true
		case 'e':
			expired = true
		}
	}
	return
}

// optionalInt parses a decimal field; the empty string is zero.
func optionalInt(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
