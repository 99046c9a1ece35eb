// Package ldap searches keyserver directories that publish keys with the
// pgpKeyInfo schema.
package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ldapv3 "github.com/go-ldap/ldap/v3"

	"github.com/tinywideclouds/go-keysearch/internal/adapter"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// Attributes requested for every key entry.
var keyAttributes = []string{
	"pgpCertID", "gpgFingerprint", "pgpKeyType", "pgpKeySize",
	"pgpKeyCreateTime", "pgpKeyExpireTime", "pgpRevoked", "pgpDisabled", "pgpUserID",
}

const generalizedTime = "20060102150405Z"

var ErrNoBaseDN = errors.New("no pgp key space found in directory")

// Conn is the part of an LDAP connection the adapter uses.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldapv3.SearchRequest) (*ldapv3.SearchResult, error)
	Close() error
}

// DialFunc opens a connection to the endpoint.
type DialFunc func(ctx context.Context, ep keysearch.Endpoint) (Conn, error)

// Client searches one LDAP endpoint. The base DN is taken from the endpoint
// or discovered once from the directory.
type Client struct {
	endpoint keysearch.Endpoint
	dial     DialFunc
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	baseDN string
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the network dialer.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithClock replaces time.Now when computing expiry flags.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for ep.
func New(ep keysearch.Endpoint, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint: ep,
		dial:     Dial,
		now:      time.Now,
		baseDN:   ep.BaseDN,
		logger:   logger.With("component", "ldap_adapter", "endpoint", ep.Name),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects with ldap:// or, when the endpoint requires TLS, ldaps://.
func Dial(ctx context.Context, ep keysearch.Endpoint) (Conn, error) {
	scheme := "ldap"
	if ep.TLS {
		scheme = "ldaps"
	}
	timeout := ep.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	addr := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)))
	conn, err := ldapv3.DialURL(addr,
		ldapv3.DialWithDialer(&net.Dialer{Timeout: timeout}),
		ldapv3.DialWithTLSConfig(&tls.Config{ServerName: ep.Host, MinVersion: tls.VersionTLS12}),
	)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(timeout)
	return conn, nil
}

// Search runs a single directory search covering all patterns.
func (c *Client) Search(ctx context.Context, patterns []keysearch.SearchPattern) (adapter.Result, error) {
	conn, err := c.dial(ctx, c.endpoint)
	if err != nil {
		return adapter.Result{}, c.classify(ctx, err)
	}

	// The LDAP client is not context aware; closing the connection unblocks
	// a pending operation.
	done := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer func() {
		close(done)
		closeConn()
	}()
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	if c.endpoint.BindDN != "" {
		if err := conn.Bind(c.endpoint.BindDN, c.endpoint.BindPassword); err != nil {
			return adapter.Result{}, c.classify(ctx, fmt.Errorf("bind as %s: %w", c.endpoint.BindDN, err))
		}
	}

	baseDN, err := c.resolveBaseDN(conn)
	if err != nil {
		return adapter.Result{}, c.classify(ctx, err)
	}
	ep := c.endpoint
	ep.BaseDN = baseDN

	req, err := BuildRequest(ep, patterns)
	if err != nil {
		return adapter.Result{}, adapter.ProtocolError(ep.Name, err)
	}

	res, err := conn.Search(req)
	switch {
	case err == nil:
	case ldapv3.IsErrorWithCode(err, ldapv3.LDAPResultNoSuchObject):
		return adapter.Result{}, nil
	case ldapv3.IsErrorWithCode(err, ldapv3.LDAPResultSizeLimitExceeded) && res != nil:
		c.logger.Warn("directory truncated the result", "entries", len(res.Entries))
	default:
		return adapter.Result{}, c.classify(ctx, err)
	}

	records, skipped := ParseResponse(res.Entries, c.now())
	if skipped > 0 {
		c.logger.Warn("skipped malformed directory entries", "skipped", skipped)
	}
	for i := range records {
		records[i].Source = ep.Name
	}
	return adapter.Result{Records: records, Skipped: skipped}, nil
}

// resolveBaseDN reads pgpBaseKeySpaceDN from the root DSE, falling back to
// cn=pgpServerInfo below each naming context.
func (c *Client) resolveBaseDN(conn Conn) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseDN != "" {
		return c.baseDN, nil
	}

	root, err := conn.Search(ldapv3.NewSearchRequest("", ldapv3.ScopeBaseObject, ldapv3.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{"pgpBaseKeySpaceDN", "namingContexts"}, nil))
	if err != nil {
		return "", fmt.Errorf("failed to read root DSE: %w", err)
	}
	var contexts []string
	for _, entry := range root.Entries {
		if dn := entry.GetAttributeValue("pgpBaseKeySpaceDN"); dn != "" {
			c.baseDN = dn
			return dn, nil
		}
		contexts = append(contexts, entry.GetAttributeValues("namingContexts")...)
	}

	for _, nc := range contexts {
		info, err := conn.Search(ldapv3.NewSearchRequest("cn=pgpServerInfo,"+nc, ldapv3.ScopeBaseObject,
			ldapv3.NeverDerefAliases, 0, 0, false, "(objectClass=*)", []string{"pgpBaseKeySpaceDN"}, nil))
		if err != nil {
			continue
		}
		for _, entry := range info.Entries {
			if dn := entry.GetAttributeValue("pgpBaseKeySpaceDN"); dn != "" {
				c.baseDN = dn
				return dn, nil
			}
		}
	}
	return "", ErrNoBaseDN
}

func (c *Client) classify(ctx context.Context, err error) error {
	name := c.endpoint.Name
	switch {
	case ctx.Err() != nil:
		return adapter.NewError(keysearch.OutcomeTimeout, name, fmt.Errorf("%w: %w", ctx.Err(), err))
	case ldapv3.IsErrorAnyOf(err, ldapv3.LDAPResultTimeLimitExceeded, ldapv3.LDAPResultTimeout):
		return adapter.NewError(keysearch.OutcomeTimeout, name, err)
	case ldapv3.IsErrorAnyOf(err, ldapv3.ErrorNetwork, ldapv3.LDAPResultUnavailable, ldapv3.LDAPResultBusy):
		return adapter.NewError(keysearch.OutcomeNetworkError, name, err)
	}
	var le *ldapv3.Error
	if errors.As(err, &le) {
		// Any other result code is the directory refusing the request.
		return adapter.ProtocolError(name, err)
	}
	return adapter.Classify(name, err)
}

// BuildRequest builds one subtree search under the endpoint base DN that
// matches any of the patterns.
func BuildRequest(ep keysearch.Endpoint, patterns []keysearch.SearchPattern) (*ldapv3.SearchRequest, error) {
	if ep.BaseDN == "" {
		return nil, ErrNoBaseDN
	}
	if len(patterns) == 0 {
		return nil, errors.New("no search patterns")
	}
	var terms strings.Builder
	for _, p := range patterns {
		terms.WriteString(filterFor(p))
	}
	filter := "(&(objectClass=pgpKeyInfo)(|" + terms.String() + "))"

	timeLimit := int(ep.Timeout / time.Second)
	return ldapv3.NewSearchRequest(ep.BaseDN, ldapv3.ScopeWholeSubtree, ldapv3.NeverDerefAliases,
		0, timeLimit, false, filter, keyAttributes, nil), nil
}

func filterFor(p keysearch.SearchPattern) string {
	switch p.Kind {
	case keysearch.KindKeyID:
		if len(p.Value) == 8 {
			return fmt.Sprintf("(|(pgpCertID=*%s)(pgpKeyID=%s))", p.Value, p.Value)
		}
		return fmt.Sprintf("(|(pgpCertID=%s)(pgpKeyID=%s))", p.Value, p.Value[len(p.Value)-8:])
	case keysearch.KindFingerprint:
		return fmt.Sprintf("(|(gpgFingerprint=%s)(pgpCertID=%s))", p.Value, keysearch.KeyIDFromFingerprint(p.Value))
	case keysearch.KindWildcard:
		return "(pgpUserID=*)"
	default:
		return "(pgpUserID=*" + ldapv3.EscapeFilter(p.Value) + "*)"
	}
}

// ParseResponse maps pgpKeyInfo entries to records. Entries without a usable
// key id or with unparsable numeric or time attributes are skipped.
func ParseResponse(entries []*ldapv3.Entry, now time.Time) ([]keysearch.KeyRecord, int) {
	var records []keysearch.KeyRecord
	skipped := 0
	for _, entry := range entries {
		rec, ok := parseEntry(entry, now)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped
}

func parseEntry(e *ldapv3.Entry, now time.Time) (keysearch.KeyRecord, bool) {
	var rec keysearch.KeyRecord

	fpr := canonicalHex(e.GetAttributeValue("gpgFingerprint"))
	certID := canonicalHex(e.GetAttributeValue("pgpCertID"))
	switch {
	case fpr != "" && isHex(fpr) && (len(fpr) == 32 || len(fpr) == 40 || len(fpr) == 64):
		rec.Fingerprint = fpr
	case len(certID) == 16 && isHex(certID):
		rec.Fingerprint = certID
	default:
		return rec, false
	}
	rec.KeyID = keysearch.KeyIDFromFingerprint(rec.Fingerprint)

	var ok bool
	if rec.Algorithm, ok = algorithmID(e.GetAttributeValue("pgpKeyType")); !ok {
		return rec, false
	}
	if size := e.GetAttributeValue("pgpKeySize"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n < 0 {
			return rec, false
		}
		rec.KeyLength = n
	}
	if rec.Created, ok = parseTime(e.GetAttributeValue("pgpKeyCreateTime")); !ok {
		return rec, false
	}
	if rec.Expires, ok = parseTime(e.GetAttributeValue("pgpKeyExpireTime")); !ok {
		return rec, false
	}
	rec.Revoked = e.GetAttributeValue("pgpRevoked") == "1"
	rec.Disabled = e.GetAttributeValue("pgpDisabled") == "1"
	rec.Expired = rec.Expires != 0 && rec.Expires < now.Unix()

	for _, uid := range e.GetAttributeValues("pgpUserID") {
		rec.UserIDs = append(rec.UserIDs, keysearch.UserID{Text: uid, Revoked: rec.Revoked, Expired: rec.Expired})
	}
	return rec, true
}

// algorithmID maps the pgpKeyType strings written by common publishers.
func algorithmID(s string) (int, bool) {
	switch strings.ToUpper(s) {
	case "":
		return 0, true
	case "RSA":
		return 1, true
	case "DSS/DH", "DSA":
		return 17, true
	case "ELG", "ELGAMAL":
		return 16, true
	case "ECDSA":
		return 19, true
	case "ECDH":
		return 18, true
	case "EDDSA":
		return 22, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseTime(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	t, err := time.Parse(generalizedTime, s)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}

func canonicalHex(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
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
